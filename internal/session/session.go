// Package session implements the per-connection state machine, its bounded
// outbound queue and the write pump that drains it to the transport.
package session

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is the write side of a transport. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// netConner exposes the underlying connection so a forced close can move the
// deadline of a write already in flight.
type netConner interface {
	NetConn() net.Conn
}

// Frame is one outbound websocket message.
type Frame struct {
	Type int
	Data []byte
}

// TextFrame wraps data as a text message.
func TextFrame(data []byte) Frame {
	return Frame{Type: websocket.TextMessage, Data: data}
}

// BinaryFrame wraps data as a binary message.
func BinaryFrame(data []byte) Frame {
	return Frame{Type: websocket.BinaryMessage, Data: data}
}

// Backpressure selects what Send does when the queue is full.
type Backpressure int

const (
	// DropOldest discards the oldest queued frame to admit the new one.
	DropOldest Backpressure = iota
	// CloseSession rejects the frame and starts closing the session.
	CloseSession
)

// ParseBackpressure maps a config value to a policy.
func ParseBackpressure(s string) (Backpressure, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest":
		return DropOldest, nil
	case "close":
		return CloseSession, nil
	}
	return DropOldest, fmt.Errorf("unknown backpressure policy %q", s)
}

func (b Backpressure) String() string {
	if b == CloseSession {
		return "close"
	}
	return "drop_oldest"
}

// Info carries connection metadata captured at accept time.
type Info struct {
	// Token is the opaque identity token supplied by the client. It is
	// stored as-is and never validated.
	Token      string
	RemoteAddr string
}

// Options tunes queueing and keepalive.
type Options struct {
	QueueSize    int
	Backpressure Backpressure
	DrainTimeout time.Duration
	PingInterval time.Duration
	WriteWait    time.Duration
	Logger       zerolog.Logger
	// OnDrop is called with a reason and a count whenever queued frames are
	// discarded.
	OnDrop func(reason string, n int)
	// OnSent is called after each frame reaches the transport.
	OnSent func()
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 54 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

// Session is the server-side state of one live connection. The transport is
// owned exclusively by the session's write pump.
type Session struct {
	id   string
	info Info
	conn Conn
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	queue     *outbox
	rooms     map[string]struct{}
	cause     error
	closeCode int

	lastActive atomic.Int64

	wake    chan struct{}
	closing chan struct{}
	done    chan struct{}
}

// New creates a session in the connecting state.
func New(id string, conn Conn, info Info, opts Options) *Session {
	opts.applyDefaults()
	s := &Session{
		id:      id,
		info:    info,
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.With().Str("session", id).Str("remote", info.RemoteAddr).Logger(),
		state:   Connecting,
		queue:   newOutbox(opts.QueueSize),
		rooms:   make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.Touch()
	return s
}

// ID returns the connection identity.
func (s *Session) ID() string { return s.id }

// Token returns the opaque token supplied at connect time.
func (s *Session) Token() string { return s.info.Token }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.info.RemoteAddr }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Open completes the connecting→open transition.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		return fmt.Errorf("%w: open from %s", ErrInvalidState, s.state)
	}
	s.state = Open
	return nil
}

// Send queues a frame. It never blocks: a full queue is resolved by the
// backpressure policy.
func (s *Session) Send(f Frame) error {
	s.mu.Lock()
	if s.state != Open {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: send on %s session", ErrInvalidState, state)
	}

	dropped := 0
	if s.queue.full() {
		if s.opts.Backpressure == CloseSession {
			s.mu.Unlock()
			s.log.Warn().Int("queue_size", s.opts.QueueSize).Msg("Outbound queue full; closing slow client")
			s.Close(websocket.ClosePolicyViolation, ErrSlowConsumer)
			return ErrQueueFull
		}
		s.queue.dropOldest()
		dropped = 1
	}
	s.queue.push(f)
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Debug().Msg("Outbound queue full; dropped oldest frame")
		s.dropped("queue_full", dropped)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close starts the open→closing transition (also valid from connecting).
// It returns false if the session was already closing or closed.
func (s *Session) Close(code int, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginCloseLocked(code, cause)
}

// Kick is a server-initiated Close that also pre-empts an in-flight write:
// the transport's write deadline is pulled in to the drain deadline.
func (s *Session) Kick(code int, cause error) bool {
	if !s.Close(code, cause) {
		return false
	}
	if nc, ok := s.conn.(netConner); ok {
		if raw := nc.NetConn(); raw != nil {
			if err := raw.SetWriteDeadline(time.Now().Add(s.opts.DrainTimeout)); err != nil {
				s.log.Debug().Err(err).Msg("Error moving write deadline for forced close")
			}
		}
	}
	return true
}

func (s *Session) beginCloseLocked(code int, cause error) bool {
	if s.state != Connecting && s.state != Open {
		return false
	}
	s.state = Closing
	s.cause = cause
	s.closeCode = code
	close(s.closing)
	return true
}

// Cause returns why the session started closing.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Closing is closed when the session leaves the open state.
func (s *Session) Closing() <-chan struct{} { return s.closing }

// Done is closed once the write pump has released the transport.
func (s *Session) Done() <-chan struct{} { return s.done }

// MarkClosed completes closing→closed and returns the rooms the session had
// joined. Membership must then be released from the room manager.
func (s *Session) MarkClosed() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Closing {
		return nil, fmt.Errorf("%w: mark closed from %s", ErrInvalidState, s.state)
	}
	s.state = Closed
	rooms := sortedKeys(s.rooms)
	s.rooms = make(map[string]struct{})
	return rooms, nil
}

// TrackRoom runs join while the session is guaranteed to stay open and
// records the room on success. Teardown cannot interleave, so a session never
// gains a room after it started closing.
func (s *Session) TrackRoom(room string, join func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return fmt.Errorf("%w: join on %s session", ErrInvalidState, s.state)
	}
	if err := join(); err != nil {
		return err
	}
	s.rooms[room] = struct{}{}
	return nil
}

// UntrackRoom runs leave and forgets the room.
func (s *Session) UntrackRoom(room string, leave func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := leave()
	delete(s.rooms, room)
	return err
}

// Rooms returns the joined rooms, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.rooms)
}

// Queued returns a copy of the frames waiting to be written.
func (s *Session) Queued() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.snapshot()
}

// QueueLen returns the number of frames waiting to be written.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

func (s *Session) dropped(reason string, n int) {
	if s.opts.OnDrop != nil && n > 0 {
		s.opts.OnDrop(reason, n)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
