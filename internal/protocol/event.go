// Package protocol defines the Event type exchanged with clients and its
// JSON wire encoding.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Reserved event names.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
	// EventBinary names events produced from binary frames.
	EventBinary = "binary"
)

// Event is a named unit of communication with an ordered, opaque payload.
// From is empty for server-originated events.
type Event struct {
	Name   string            `json:"event"`
	Args   []json.RawMessage `json:"args,omitempty"`
	From   string            `json:"from,omitempty"`
	Binary []byte            `json:"-"`
}

// NewEvent marshals each argument into the event's payload.
func NewEvent(name string, args ...any) (Event, error) {
	ev := Event{Name: name}
	if len(args) == 0 {
		return ev, nil
	}

	ev.Args = make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Event{}, fmt.Errorf("event %q arg %d: %w", name, i, err)
		}
		ev.Args = append(ev.Args, raw)
	}
	return ev, nil
}

// MustEvent is NewEvent for arguments known to be marshalable.
func MustEvent(name string, args ...any) Event {
	ev, err := NewEvent(name, args...)
	if err != nil {
		panic(err)
	}
	return ev
}

// Arg decodes argument i into dst.
func (e Event) Arg(i int, dst any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("event %q: missing argument %d", e.Name, i)
	}
	if err := json.Unmarshal(e.Args[i], dst); err != nil {
		return fmt.Errorf("event %q arg %d: %w", e.Name, i, err)
	}
	return nil
}

// StringArg returns argument i as a string.
func (e Event) StringArg(i int) (string, error) {
	var s string
	err := e.Arg(i, &s)
	return s, err
}

// WithFrom returns a copy of e attributed to identity.
func (e Event) WithFrom(identity string) Event {
	e.From = identity
	return e
}

// IsReserved reports whether clients are forbidden to send the named event.
func IsReserved(name string) bool {
	switch name {
	case EventConnect, EventDisconnect, EventError:
		return true
	}
	return false
}
