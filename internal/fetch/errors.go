package fetch

import (
	"errors"
	"fmt"
)

// ErrNoRecipients is returned by sinks that need at least one recipient.
var ErrNoRecipients = errors.New("no delivery recipients configured")

// ErrDuplicateMailbox is returned when one cycle names the same mailbox
// twice. Polls of one mailbox must not overlap.
var ErrDuplicateMailbox = errors.New("mailbox listed more than once")

// DeliveryError reports that a retrieved message could not be handed to
// the sink. The message is left unseen on the server.
type DeliveryError struct {
	Seq int
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering message %d: %v", e.Seq, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StateError reports that the identifier file could not be read or written.
type StateError struct {
	Path string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("identifier file %s: %v", e.Path, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// ConfigError reports an unusable mailbox configuration.
type ConfigError struct {
	Mailbox string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mailbox %s: %v", e.Mailbox, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
