package pop3

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the POP3 client.
var (
	// ErrInvalidState is returned when an operation is not valid in the
	// current session state.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrTLSUnavailable is returned when TLS is required but the server
	// does not offer STLS or refuses it.
	ErrTLSUnavailable = errors.New("TLS required but not available")

	// ErrNoMechanism is returned when no authentication mechanism allowed
	// by the configuration is offered by the server.
	ErrNoMechanism = errors.New("no usable authentication mechanism")

	// ErrAuthFailed is returned when the server rejects the credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrLockBusy is returned when the server reports that the mailbox is
	// locked or busy. Retrying later may succeed.
	ErrLockBusy = errors.New("mailbox locked or busy")

	// ErrLineTooLong is returned when a status or listing line does not
	// fit the line buffer.
	ErrLineTooLong = errors.New("response line too long")
)

// AuthError reports a failed login.
type AuthError struct {
	Mechanism string
	Message   string
	Err       error
}

func (e *AuthError) Error() string {
	var sb strings.Builder
	sb.WriteString("authentication")
	if e.Mechanism != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Mechanism)
		sb.WriteString(")")
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	if e.Message != "" {
		fmt.Fprintf(&sb, ": %q", e.Message)
	}
	return sb.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// RepollError asks the caller to reconnect immediately with a weaker
// security policy, e.g. after an opportunistic STLS broke the session.
type RepollError struct {
	DisableTLS   bool
	PasswordOnly bool
	Err          error
}

func (e *RepollError) Error() string {
	return fmt.Sprintf("repoll required (tls=%t, password only=%t): %v", !e.DisableTLS, e.PasswordOnly, e.Err)
}

func (e *RepollError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected server response. It is
// fatal to the poll.
type ProtocolError struct {
	Command string
	Line    string
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Line)
	}
	return fmt.Sprintf("protocol error after %s: %s: %q", e.Command, e.Reason, e.Line)
}

// MessageError reports a failure confined to one message. The poll
// continues with the next message.
type MessageError struct {
	Seq     int
	Command string
	Message string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %d: %s refused: %q", e.Seq, e.Command, e.Message)
}

var lockHints = []string{"lock", "busy", "wait", "in use"}

// isLockBusy classifies a negative response as a transient lock
// condition. The text match is a best-effort heuristic: wording differs
// between servers and locales, so a miss does not mean the failure is
// permanent.
func isLockBusy(r Response) bool {
	switch strings.ToUpper(r.Code) {
	case "IN-USE", "SYS/TEMP":
		return true
	case "AUTH":
		return false
	}
	msg := strings.ToLower(r.Message)
	for _, h := range lockHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
