package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// ErrProtocol matches every malformed inbound frame.
var ErrProtocol = errors.New("protocol error")

// ProtocolError describes why an inbound frame was rejected.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Is makes errors.Is(err, ErrProtocol) true for every ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Limits bound inbound frames.
type Limits struct {
	MaxEventName int
	MaxArgs      int
}

// DefaultLimits matches the configuration defaults.
var DefaultLimits = Limits{MaxEventName: 64, MaxArgs: 32}

type inbound struct {
	Name *string         `json:"event"`
	Args json.RawMessage `json:"args"`
}

// Decode parses a frame received as the given websocket message type. Binary
// frames become EventBinary events carrying the raw bytes.
func Decode(messageType int, data []byte, limits Limits) (Event, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return Event{Name: EventBinary, Binary: data}, nil
	case websocket.TextMessage:
	default:
		return Event{}, protocolErrorf("unsupported message type %d", messageType)
	}
	if !utf8.Valid(data) {
		return Event{}, protocolErrorf("invalid UTF-8")
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, protocolErrorf("frame is not a JSON object")
	}

	var in inbound
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return Event{}, protocolErrorf("invalid JSON: %v", err)
	}

	if in.Name == nil || *in.Name == "" {
		return Event{}, protocolErrorf("missing event name")
	}
	name := *in.Name
	if limits.MaxEventName > 0 && len(name) > limits.MaxEventName {
		return Event{}, protocolErrorf("event name longer than %d bytes", limits.MaxEventName)
	}
	if IsReserved(name) || name == EventBinary {
		return Event{}, protocolErrorf("event name %q is reserved", name)
	}

	ev := Event{Name: name}
	args := bytes.TrimSpace(in.Args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return ev, nil
	}
	if args[0] != '[' {
		return Event{}, protocolErrorf("args must be an array")
	}
	if err := json.Unmarshal(args, &ev.Args); err != nil {
		return Event{}, protocolErrorf("invalid args: %v", err)
	}
	if limits.MaxArgs > 0 && len(ev.Args) > limits.MaxArgs {
		return Event{}, protocolErrorf("more than %d args", limits.MaxArgs)
	}
	return ev, nil
}

// Encode renders an event as a JSON text frame.
func Encode(ev Event) ([]byte, error) {
	if ev.Name == "" {
		return nil, errors.New("encode: empty event name")
	}
	return json.Marshal(ev)
}
