package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/protocol"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/registry"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/session"
)

// Upgrade rejection reasons, also used as metric labels.
const (
	rejectShutdown       = "shutdown"
	rejectMaxConnections = "max_connections"
	rejectMemory         = "memory"
	rejectOrigin         = "origin"
)

// admit reserves a connection slot. The returned release must be called once
// the connection goroutine is finished. An empty release means the request
// was rejected for the returned reason.
func (s *Server) admit() (release func(), reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return nil, rejectShutdown
	}
	if limit := s.cfg.Server.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
		return nil, rejectMaxConnections
	}
	if limit := s.cfg.Server.MaxMemoryPercent; limit > 0 {
		if used, ok := s.resources.memoryPercent(); ok && used > limit {
			return nil, rejectMemory
		}
	}

	s.active.Add(1)
	s.conns.Add(1)
	return func() {
		s.active.Add(-1)
		s.conns.Done()
	}, ""
}

// assignIdentity runs the identity function, falling back to a ULID.
func (s *Server) assignIdentity(r *http.Request) string {
	if id := strings.TrimSpace(s.identity(r)); id != "" {
		return id
	}
	return ulid.Make().String()
}

// requestToken extracts the opaque client token from the query string or a
// bearer Authorization header.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// serveConn runs one connection from registration to teardown on the
// calling goroutine.
func (s *Server) serveConn(conn *websocket.Conn, r *http.Request) {
	id := s.assignIdentity(r)
	info := session.Info{Token: requestToken(r), RemoteAddr: r.RemoteAddr}
	log := s.log.With().Str("session", id).Str("remote", r.RemoteAddr).Logger()

	sess := session.New(id, conn, info, session.Options{
		QueueSize:    s.cfg.Session.QueueSize,
		Backpressure: s.policy,
		DrainTimeout: s.cfg.Session.DrainTimeout,
		PingInterval: s.cfg.Session.PingInterval,
		WriteWait:    s.cfg.Session.WriteWait,
		Logger:       s.log,
		OnDrop:       s.metrics.FramesDropped,
		OnSent:       s.metrics.FrameSent,
	})

	if err := s.registry.Register(id, sess); err != nil {
		log.Warn().Err(err).Msg("Rejecting client")
		s.rejectConn(conn, err)
		return
	}

	go sess.WritePump()
	if err := sess.Open(); err != nil {
		log.Error().Err(err).Msg("Error opening session")
	}
	s.metrics.SessionOpened()
	log.Info().Int("total", s.registry.Len()).Msg("Client registered")
	s.kickIfShuttingDown(sess)

	s.dispatcher.DispatchInbound(s.ctx, sess, protocol.Event{Name: protocol.EventConnect})

	s.readPump(conn, sess)
	s.teardown(sess)
}

// kickIfShuttingDown closes a session registered after Shutdown took its
// snapshot. Shutdown sets the flag under s.mu before listing sessions, so a
// registration either shows up in that list or observes the flag here.
func (s *Server) kickIfShuttingDown(sess *session.Session) {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		s.log.Info().Str("session", sess.ID()).Msg("Closing client registered during shutdown")
		sess.Kick(websocket.CloseGoingAway, ErrServerClosed)
	}
}

// rejectConn closes a transport that never became a session.
func (s *Server) rejectConn(conn *websocket.Conn, cause error) {
	code := websocket.ClosePolicyViolation
	if !errors.Is(cause, registry.ErrDuplicateIdentity) {
		code = websocket.CloseInternalServerErr
	}
	msg := websocket.FormatCloseMessage(code, cause.Error())
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.Session.WriteWait)); err != nil {
		if !session.IsExpectedCloseError(err) {
			s.log.Debug().Err(err).Msg("Error writing close message")
		}
	}
	if err := conn.Close(); err != nil && !session.IsExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("Error closing rejected connection")
	}
}

// teardown releases a session after its read loop ended: the write pump is
// allowed to drain, then room membership and the registry entry go away and
// disconnect is dispatched last.
func (s *Server) teardown(sess *session.Session) {
	sess.Close(websocket.CloseNormalClosure, nil)
	<-sess.Done()

	if _, err := sess.MarkClosed(); err != nil {
		s.log.Error().Err(err).Str("session", sess.ID()).Msg("Error marking session closed")
	}
	left := s.rooms.LeaveAll(sess.ID())
	if err := s.registry.Deregister(sess.ID()); err != nil {
		s.log.Debug().Err(err).Str("session", sess.ID()).Msg("Session already deregistered")
	}
	s.metrics.SessionClosed()

	reason := ""
	if cause := sess.Cause(); cause != nil {
		reason = cause.Error()
	}
	s.log.Info().
		Str("session", sess.ID()).
		Strs("rooms", left).
		Str("reason", reason).
		Int("total", s.registry.Len()).
		Msg("Client unregistered")

	ev := protocol.Event{Name: protocol.EventDisconnect}
	if reason != "" {
		ev = protocol.MustEvent(protocol.EventDisconnect, reason)
	}
	s.dispatcher.DispatchInbound(s.ctx, sess, ev)
}
