package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/infodancer/msgstore"
	_ "github.com/infodancer/msgstore/maildir" // Register maildir storage backend
)

// deliveryAgent is the part of a message store that accepts new mail.
type deliveryAgent interface {
	Deliver(ctx context.Context, envelope msgstore.Envelope, message io.Reader) error
}

// MaildirSink stores messages in per-recipient maildirs below a base
// directory.
type MaildirSink struct {
	store      deliveryAgent
	closer     io.Closer
	recipients []string
}

// NewMaildirSink opens a maildir store rooted at basePath. Each recipient
// names a maildir below it, with subdir appended when set.
func NewMaildirSink(basePath, subdir string, recipients []string) (*MaildirSink, error) {
	if basePath == "" {
		return nil, fmt.Errorf("maildir delivery: no path configured")
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	cfg := msgstore.StoreConfig{
		Type:     "maildir",
		BasePath: basePath,
	}
	if subdir != "" {
		cfg.Options = map[string]string{"maildir_subdir": subdir}
	}
	store, err := msgstore.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening maildir store: %w", err)
	}
	s := &MaildirSink{store: store, recipients: recipients}
	if c, ok := any(store).(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// Deliver implements Sink.
func (s *MaildirSink) Deliver(ctx context.Context, msg Message) error {
	env := msgstore.Envelope{Recipients: s.recipients}
	return s.store.Deliver(ctx, env, bytes.NewReader(msg.Body))
}

// Close implements Sink.
func (s *MaildirSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
