package fetch

import (
	"errors"

	"github.com/infodancer/pop3fetch/internal/pop3"
	"github.com/infodancer/pop3fetch/internal/transport"
)

// Result is the outcome of a poll. Its value is used as the process exit
// status.
type Result int

const (
	Success  Result = 0
	NoMail   Result = 1
	Socket   Result = 2
	AuthFail Result = 3
	Protocol Result = 4
	Syntax   Result = 5
	IOErr    Result = 6
	Error    Result = 7
	LockBusy Result = 9
	Delivery Result = 10
	TLS      Result = 11
	Repoll   Result = 23
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case NoMail:
		return "nomail"
	case Socket:
		return "socket"
	case AuthFail:
		return "authfail"
	case Protocol:
		return "protocol"
	case Syntax:
		return "syntax"
	case IOErr:
		return "ioerr"
	case Error:
		return "error"
	case LockBusy:
		return "lockbusy"
	case Delivery:
		return "delivery"
	case TLS:
		return "tls"
	case Repoll:
		return "repoll"
	default:
		return "unknown"
	}
}

// Transient reports whether retrying soon may succeed.
func (r Result) Transient() bool {
	switch r {
	case Socket, LockBusy, IOErr, Repoll:
		return true
	default:
		return false
	}
}

// Classify maps an error from a poll to its result code. A nil error is
// Success.
func Classify(err error) Result {
	if err == nil {
		return Success
	}

	var (
		repoll    *pop3.RepollError
		authErr   *pop3.AuthError
		protoErr  *pop3.ProtocolError
		connErr   *transport.ConnectError
		tlsErr    *transport.TLSError
		ioErr     *transport.IOError
		delivErr  *DeliveryError
		stateErr  *StateError
		configErr *ConfigError
	)
	switch {
	case errors.Is(err, pop3.ErrLockBusy):
		return LockBusy
	case errors.As(err, &repoll):
		return Repoll
	case errors.Is(err, pop3.ErrTLSUnavailable), errors.As(err, &tlsErr):
		return TLS
	case errors.As(err, &authErr):
		return AuthFail
	case errors.As(err, &protoErr):
		return Protocol
	case errors.As(err, &delivErr):
		return Delivery
	case errors.As(err, &stateErr):
		return IOErr
	case errors.As(err, &configErr):
		return Syntax
	case errors.As(err, &connErr), errors.As(err, &ioErr):
		return Socket
	default:
		return Error
	}
}

// Summarize combines the results of one cycle over several mailboxes:
// Success when any mailbox delivered mail, NoMail when every poll found
// nothing, otherwise the first failure.
func Summarize(results []Result) Result {
	if len(results) == 0 {
		return NoMail
	}
	worst := NoMail
	for _, r := range results {
		switch r {
		case Success:
			return Success
		case NoMail:
		default:
			if worst == NoMail {
				worst = r
			}
		}
	}
	return worst
}
