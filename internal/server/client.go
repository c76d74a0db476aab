package server

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/protocol"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/session"
)

// setupReadConnection configures the read limit, read deadline and pong
// handler for the WebSocket connection.
func (s *Server) setupReadConnection(conn *websocket.Conn, sess *session.Session) {
	pongWait := s.cfg.Session.PongWait
	conn.SetReadLimit(s.cfg.Session.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Debug().Err(err).Str("session", sess.ID()).Msg("Error setting initial read deadline")
	}
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.Debug().Err(err).Str("session", sess.ID()).Msg("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// readPump reads frames until the transport fails or the session starts
// closing. It runs on the connection's HTTP handler goroutine.
func (s *Server) readPump(conn *websocket.Conn, sess *session.Session) {
	s.setupReadConnection(conn, sess)
	limiter := newRateLimiter(s.cfg.RateLimit)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(sess, err)
			return
		}

		select {
		case <-sess.Closing():
			return
		default:
		}
		sess.Touch()

		if !limiter.allow() {
			s.log.Warn().
				Str("session", sess.ID()).
				Int("burst", s.cfg.RateLimit.Burst).
				Dur("interval", s.cfg.RateLimit.RefillInterval).
				Msg("Rate limit exceeded; discarding message")
			s.metrics.FramesDropped("rate_limit", 1)
			continue
		}

		ev, err := protocol.Decode(messageType, data, s.limits)
		if err != nil {
			s.handleProtocolError(sess, err)
			return
		}
		s.dispatcher.DispatchInbound(s.ctx, sess, ev.WithFrom(sess.ID()))
	}
}

// handleProtocolError reports the reason to the offending session only and
// closes it with a protocol error.
func (s *Server) handleProtocolError(sess *session.Session, err error) {
	s.metrics.ProtocolError()
	s.log.Warn().Err(err).Str("session", sess.ID()).Msg("Invalid message")

	reason := err.Error()
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		reason = perr.Reason
	}
	ev := protocol.MustEvent(protocol.EventError, reason)
	if data, encErr := protocol.Encode(ev); encErr == nil {
		if sendErr := sess.Send(session.TextFrame(data)); sendErr != nil {
			s.log.Debug().Err(sendErr).Str("session", sess.ID()).Msg("Error queueing error event")
		}
	}
	sess.Close(websocket.CloseProtocolError, err)
}

// handleReadError logs the read failure at a level matching its cause and
// moves the session to closing.
func (s *Server) handleReadError(sess *session.Session, err error) {
	log := s.log.With().Str("session", sess.ID()).Logger()

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn().Int64("limit", s.cfg.Session.MaxMessageSize).Msg("Message exceeded maximum size")
		sess.Close(websocket.CloseMessageTooBig, err)
		return
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		log.Info().Err(err).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || session.IsExpectedCloseError(err):
		log.Info().Err(err).Msg("Client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		log.Warn().Err(err).Msg("Unexpected WebSocket error")
	default:
		log.Debug().Err(err).Msg("WebSocket read error")
	}
	sess.Close(websocket.CloseNormalClosure, nil)
}
