package pop3

import "github.com/infodancer/pop3fetch/internal/uidstore"

// State represents the current state of the client session.
type State int

const (
	// StateGreeting is the initial state, before the server banner is read.
	StateGreeting State = iota

	// StateAuthenticating is entered once the banner was accepted and lasts
	// until the range of new messages is known.
	StateAuthenticating

	// StateRangeDetermined means the message count and new messages are known.
	StateRangeDetermined

	// StateTransacting is the per-message fetch and delete loop.
	StateTransacting

	// StateLoggingOut means QUIT was sent.
	StateLoggingOut

	// StateClosed means the session ended, cleanly or not.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateGreeting:
		return "GREETING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateRangeDetermined:
		return "RANGE_DETERMINED"
	case StateTransacting:
		return "TRANSACTING"
	case StateLoggingOut:
		return "LOGGING_OUT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SessionContext is the transient state of one poll. It is never persisted.
type SessionContext struct {
	State State

	// LastStatus is the most recent status line received.
	LastStatus string

	// AuthMethod is the mechanism that logged in, empty before login.
	AuthMethod string

	// Count and Size are the STAT totals.
	Count int
	Size  int64

	// Watermark is the highest message number known to be old.
	Watermark int

	// FirstNew is the lowest message number that is new, Count+1 if none.
	FirstNew int

	// Cursor is the message number most recently fetched.
	Cursor int

	// Mode is how new messages are told apart from old ones.
	Mode uidstore.Mode

	// Peek is true when messages are read with TOP instead of RETR.
	Peek bool
}

// Range summarizes the result of DetermineRange.
type Range struct {
	Count    int
	Size     int64
	FirstNew int
	New      int
	Mode     uidstore.Mode
}
