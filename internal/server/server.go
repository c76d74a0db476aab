package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/config"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/dispatch"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/metrics"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/protocol"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/registry"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/room"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/session"
)

// ErrServerClosed is the close cause recorded for sessions ended by Shutdown.
var ErrServerClosed = errors.New("server shutting down")

// IdentityFunc assigns the connection identity for an upgrade request.
// Returning an empty string falls back to a generated ULID.
type IdentityFunc func(r *http.Request) string

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRegisterer registers the server's collectors on reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.registerer = reg }
}

// WithIdentityFunc overrides identity assignment.
func WithIdentityFunc(fn IdentityFunc) Option {
	return func(s *Server) { s.identity = fn }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// Server accepts WebSocket connections and routes events between them.
type Server struct {
	cfg        config.Config
	log        zerolog.Logger
	registerer prometheus.Registerer
	tracer     trace.Tracer
	identity   IdentityFunc

	registry   *registry.Registry
	rooms      *room.Manager
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	origins    *originPolicy
	resources  *resourceMonitor
	upgrader   websocket.Upgrader
	limits     protocol.Limits
	policy     session.Backpressure

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	shuttingDown bool
	conns        sync.WaitGroup
	active       atomic.Int64
	started      time.Time
}

// New builds a server from cfg. The config is sanitized and validated.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := session.ParseBackpressure(cfg.Session.Backpressure)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		log:     zerolog.Nop(),
		policy:  policy,
		started: time.Now(),
		limits: protocol.Limits{
			MaxEventName: cfg.Protocol.MaxEventName,
			MaxArgs:      cfg.Protocol.MaxArgs,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.identity == nil {
		s.identity = func(*http.Request) string { return ulid.Make().String() }
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Metrics.Enabled {
		if s.registerer == nil {
			s.registerer = prometheus.NewRegistry()
		}
		s.metrics = metrics.New(s.registerer, cfg.Metrics.Namespace)
	}

	s.registry = registry.New()
	s.rooms = room.NewManager()
	s.rooms.OnChange = s.metrics.RoomsChanged

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(s.log),
		dispatch.WithMetrics(s.metrics),
	}
	if s.tracer != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTracer(s.tracer))
	}
	s.dispatcher = dispatch.New(s.registry, s.rooms, dispatchOpts...)

	s.origins = newOriginPolicy(cfg.Server.AllowedOrigins, s.log)
	s.resources = newResourceMonitor(s.log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		HandshakeTimeout:  cfg.Server.HandshakeTimeout,
		EnableCompression: cfg.Server.EnableCompression,
		CheckOrigin:       s.checkOrigin,
	}

	if cfg.Events.Builtins {
		s.registerBuiltins()
	}
	if cfg.Relay.Enabled {
		s.On(protocol.EventBinary, dispatch.HandlerFunc(s.relayBinary))
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Server) Config() config.Config { return s.cfg }

// On registers a handler for an event name. Handlers for connect and
// disconnect observe the session lifecycle.
func (s *Server) On(name string, h dispatch.Handler) {
	s.dispatcher.On(name, h)
}

// OnFunc registers a function handler.
func (s *Server) OnFunc(name string, fn func(ctx context.Context, sess *session.Session, ev protocol.Event) error) {
	s.dispatcher.On(name, dispatch.HandlerFunc(fn))
}

// EmitTo sends an event to one session.
func (s *Server) EmitTo(identity string, ev protocol.Event) error {
	return s.dispatcher.EmitTo(identity, ev)
}

// BroadcastToRoom sends an event to every member of a room except exclude.
func (s *Server) BroadcastToRoom(name string, ev protocol.Event, exclude string) int {
	return s.dispatcher.BroadcastToRoom(name, ev, exclude)
}

// BroadcastAll sends an event to every session except exclude.
func (s *Server) BroadcastAll(ev protocol.Event, exclude string) int {
	return s.dispatcher.BroadcastAll(ev, exclude)
}

// Join adds a live session to a room. Sessions that are not open cannot
// join.
func (s *Server) Join(identity, name string) error {
	sess, err := s.registry.Lookup(identity)
	if err != nil {
		return err
	}
	return sess.TrackRoom(name, func() error {
		created, err := s.rooms.Join(name, identity)
		if err != nil {
			return err
		}
		if created {
			s.log.Debug().Str("room", name).Msg("Room created")
		}
		return nil
	})
}

// Leave removes a session from a room.
func (s *Server) Leave(identity, name string) error {
	sess, err := s.registry.Lookup(identity)
	if err != nil {
		return err
	}
	return sess.UntrackRoom(name, func() error {
		return s.rooms.Leave(name, identity)
	})
}

// Members returns the identities in a room, sorted.
func (s *Server) Members(name string) []string {
	return s.rooms.Members(name)
}

// Rooms returns a snapshot of every room.
func (s *Server) Rooms() []room.Info {
	return s.rooms.Rooms()
}

// Session looks up a live session.
func (s *Server) Session(identity string) (*session.Session, error) {
	return s.registry.Lookup(identity)
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	return s.registry.Len()
}

// DisconnectSession closes a session from the server side. Queued frames
// are drained within the drain timeout before the transport is released.
func (s *Server) DisconnectSession(identity, reason string) error {
	sess, err := s.registry.Lookup(identity)
	if err != nil {
		return err
	}
	var cause error
	if reason != "" {
		cause = errors.New(reason)
	}
	if !sess.Kick(websocket.CloseNormalClosure, cause) {
		return fmt.Errorf("disconnect %s: %w", identity, session.ErrInvalidState)
	}
	return nil
}

// Shutdown stops admitting connections, closes every session and waits for
// their connection goroutines until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	already := s.shuttingDown
	s.shuttingDown = true
	s.mu.Unlock()
	if !already {
		s.log.Info().Msg("Initiating server shutdown...")
	}

	sessions := s.registry.Sessions()
	for _, sess := range sessions {
		sess.Kick(websocket.CloseGoingAway, ErrServerClosed)
	}
	s.log.Info().Int("sessions", len(sessions)).Msg("Closing client connections")

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.log.Info().Msg("Server shutdown completed successfully")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.log.Warn().Msg("Server shutdown timeout reached, some connections may still be open")
		return ctx.Err()
	}
}
