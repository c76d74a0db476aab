package session

// State is a session's lifecycle position.
type State int32

const (
	// Connecting: the transport upgrade is in progress.
	Connecting State = iota
	// Open: registered and eligible to send and receive.
	Open
	// Closing: teardown started; no new sends, queued frames may drain.
	Closing
	// Closed is terminal.
	Closed
)

var stateNames = map[State]string{
	Connecting: "connecting",
	Open:       "open",
	Closing:    "closing",
	Closed:     "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
