package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// WritePump owns every write to the transport. It runs until the session
// starts closing or a write fails, drains what it can, sends a close frame
// and closes the transport. Done is closed on return.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	for {
		select {
		case <-s.wake:
			if !s.flush() {
				s.Close(websocket.CloseAbnormalClosure, errTransportWrite)
				s.finish(false)
				return
			}
		case <-ticker.C:
			if !s.handlePing() {
				s.Close(websocket.CloseAbnormalClosure, errTransportWrite)
				s.finish(false)
				return
			}
		case <-s.closing:
			s.finish(true)
			return
		}
	}
}

var errTransportWrite = transportError("transport write failed")

type transportError string

func (e transportError) Error() string { return string(e) }

// flush writes queued frames while the session is open and returns false if
// the transport failed.
func (s *Session) flush() bool {
	for {
		s.mu.Lock()
		if s.state != Open {
			s.mu.Unlock()
			return true
		}
		f, ok := s.queue.pop()
		s.mu.Unlock()
		if !ok {
			return true
		}

		if !s.writeFrame(f, time.Now().Add(s.opts.WriteWait)) {
			return false
		}
	}
}

// finish drains the queue within the drain timeout, discards the rest and
// releases the transport. A close frame is only attempted when the transport
// is still believed healthy.
func (s *Session) finish(graceful bool) {
	deadline := time.Now().Add(s.opts.DrainTimeout)

	if graceful {
		for time.Now().Before(deadline) {
			s.mu.Lock()
			f, ok := s.queue.pop()
			s.mu.Unlock()
			if !ok {
				break
			}
			writeDeadline := time.Now().Add(s.opts.WriteWait)
			if writeDeadline.After(deadline) {
				writeDeadline = deadline
			}
			if !s.writeFrame(f, writeDeadline) {
				graceful = false
				break
			}
		}
	}

	s.mu.Lock()
	discarded := s.queue.reset()
	code := s.closeCode
	var reason string
	if s.cause != nil {
		reason = s.cause.Error()
	}
	s.mu.Unlock()

	if discarded > 0 {
		s.log.Debug().Int("discarded", discarded).Msg("Discarding undelivered frames on close")
		s.dropped("drain", discarded)
	}

	if graceful {
		s.writeClose(code, reason)
	}
	s.closeConnection()
}

func (s *Session) writeFrame(f Frame, deadline time.Time) bool {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.log.Debug().Err(err).Msg("Error setting write deadline")
		return false
	}
	if err := s.conn.WriteMessage(f.Type, f.Data); err != nil {
		if !IsExpectedCloseError(err) {
			s.log.Warn().Err(err).Msg("Error writing message")
		}
		return false
	}
	if s.opts.OnSent != nil {
		s.opts.OnSent()
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait)); err != nil {
		s.log.Debug().Err(err).Msg("Error setting write deadline for ping")
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !IsExpectedCloseError(err) {
			s.log.Warn().Err(err).Msg("Error writing ping message")
		}
		return false
	}
	return true
}

// writeClose sends a close frame to the client.
func (s *Session) writeClose(code int, reason string) {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	// Control frame payloads are limited to 125 bytes, two of which are the code.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		if !IsExpectedCloseError(err) {
			s.log.Debug().Err(err).Msg("Error writing close message")
		}
	}
}

// closeConnection safely closes the transport with proper error handling.
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !IsExpectedCloseError(err) {
			s.log.Debug().Err(err).Msg("Error closing connection")
		}
	}
}
