package fetch

import (
	"context"
	"fmt"
	"strings"
)

// Message is one retrieved message on its way to a sink.
type Message struct {
	// Mailbox is the "user@host" key of the polled mailbox.
	Mailbox string
	Seq     int
	UID     string
	Body    []byte
	Summary Summary
}

// Sink delivers retrieved messages. Deliver must not return before the
// message is stored durably, because the message is deleted from the
// server afterwards.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
	Close() error
}

// Sink types.
const (
	SinkMaildir = "maildir"
	SinkMbox    = "mbox"
	SinkSMTP    = "smtp"
)

// SinkOptions selects and configures a sink.
type SinkOptions struct {
	Type string

	// Path is the maildir base directory or the mbox file.
	Path string

	// MaildirSubdir is appended below each recipient's maildir, e.g. "Maildir".
	MaildirSubdir string

	// SMTPAddress is the host:port of the SMTP server to forward to.
	SMTPAddress string

	// HeloName is sent in the SMTP greeting.
	HeloName string

	// From is the envelope sender used for mbox separators and SMTP.
	From string

	// Recipients are maildir mailbox names or SMTP envelope recipients.
	Recipients []string
}

// NewSink opens the sink described by opts.
func NewSink(opts SinkOptions) (Sink, error) {
	switch strings.ToLower(opts.Type) {
	case SinkMaildir:
		return NewMaildirSink(opts.Path, opts.MaildirSubdir, opts.Recipients)
	case SinkMbox:
		return NewMboxSink(opts.Path, opts.From)
	case SinkSMTP:
		return NewSMTPSink(opts.SMTPAddress, opts.HeloName, opts.From, opts.Recipients)
	default:
		return nil, fmt.Errorf("unknown delivery type %q", opts.Type)
	}
}
