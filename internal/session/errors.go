package session

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidState is returned when an action is attempted outside the
	// state that permits it.
	ErrInvalidState = errors.New("invalid session state")
	// ErrQueueFull is returned by Send when the close backpressure policy
	// rejected a frame and started closing the session.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrSlowConsumer is the close cause recorded for sessions closed by the
	// close backpressure policy.
	ErrSlowConsumer = errors.New("slow consumer")
)

// IsExpectedCloseError checks if an error is expected during connection closure.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
