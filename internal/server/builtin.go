package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/dispatch"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/logging"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/protocol"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/room"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/session"
)

// Built-in event names.
const (
	EventJoin     = "join"
	EventJoined   = "joined"
	EventLeave    = "leave"
	EventLeft     = "left"
	EventChat     = "chat"
	EventSetLevel = "set_level"
	EventNotice   = "notice"
)

func (s *Server) registerBuiltins() {
	s.On(EventJoin, dispatch.HandlerFunc(s.handleJoin))
	s.On(EventLeave, dispatch.HandlerFunc(s.handleLeave))
	s.On(EventChat, dispatch.HandlerFunc(s.handleChat))
	s.On(EventSetLevel, dispatch.HandlerFunc(s.handleSetLevel))
}

func (s *Server) handleJoin(_ context.Context, sess *session.Session, ev protocol.Event) error {
	name, err := ev.StringArg(0)
	if err != nil {
		return err
	}
	if err := s.Join(sess.ID(), name); err != nil {
		return fmt.Errorf("join %q: %w", name, err)
	}
	s.log.Debug().Str("session", sess.ID()).Str("room", name).Msg("Joined room")
	return s.EmitTo(sess.ID(), protocol.MustEvent(EventJoined, name))
}

func (s *Server) handleLeave(_ context.Context, sess *session.Session, ev protocol.Event) error {
	name, err := ev.StringArg(0)
	if err != nil {
		return err
	}
	// Leaving a room the session is not in still acknowledges.
	if err := s.Leave(sess.ID(), name); err != nil && !errors.Is(err, room.ErrNotFound) {
		return fmt.Errorf("leave %q: %w", name, err)
	}
	s.log.Debug().Str("session", sess.ID()).Str("room", name).Msg("Left room")
	return s.EmitTo(sess.ID(), protocol.MustEvent(EventLeft, name))
}

// handleChat re-emits a chat event to every room the sender is in.
func (s *Server) handleChat(_ context.Context, sess *session.Session, ev protocol.Event) error {
	rooms := s.rooms.RoomsOf(sess.ID())
	if len(rooms) == 0 {
		s.log.Debug().Str("session", sess.ID()).Msg("Chat from session without rooms; nothing to deliver")
		return nil
	}

	exclude := sess.ID()
	if s.cfg.Rooms.IncludeSelf {
		exclude = ""
	}
	out := protocol.Event{Name: EventChat, Args: ev.Args}.WithFrom(sess.ID())
	n := s.dispatcher.BroadcastToRooms(rooms, out, exclude)
	s.log.Debug().Str("session", sess.ID()).Strs("rooms", rooms).Int("delivered", n).Msg("Broadcasting chat")
	return nil
}

func (s *Server) handleSetLevel(_ context.Context, sess *session.Session, ev protocol.Event) error {
	name, err := ev.StringArg(0)
	if err != nil {
		return err
	}
	level, err := logging.SetLevel(name)
	if err != nil {
		return err
	}
	s.log.Info().Str("session", sess.ID()).Str("level", level.String()).Msg("Log level changed")
	return s.EmitTo(sess.ID(), protocol.MustEvent(EventNotice, "log level changed to: "+level.String()))
}

// relayBinary forwards a binary frame verbatim to every other session.
func (s *Server) relayBinary(_ context.Context, sess *session.Session, ev protocol.Event) error {
	n := s.dispatcher.BroadcastFrame(session.BinaryFrame(ev.Binary), sess.ID())
	s.log.Debug().Str("session", sess.ID()).Int("bytes", len(ev.Binary)).Int("delivered", n).Msg("Relaying binary frame")
	return nil
}
