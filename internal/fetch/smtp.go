package fetch

import (
	"context"
	"fmt"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/pop3fetch/internal/logging"
)

// SMTPSink forwards every message to an SMTP server, one transaction per
// message.
type SMTPSink struct {
	address    string
	helo       string
	from       string
	recipients []string
}

// NewSMTPSink returns a sink forwarding to address (host:port).
func NewSMTPSink(address, helo, from string, recipients []string) (*SMTPSink, error) {
	if address == "" {
		return nil, fmt.Errorf("smtp delivery: no address configured")
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if helo == "" {
		helo = "localhost"
	}
	return &SMTPSink{address: address, helo: helo, from: from, recipients: recipients}, nil
}

// Deliver implements Sink.
func (s *SMTPSink) Deliver(ctx context.Context, msg Message) error {
	c, err := smtp.Dial(s.address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.address, err)
	}
	defer c.Close()

	if err := c.Hello(s.helo); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	from := s.from
	if from == "" {
		from = msg.Summary.From
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	for _, rcpt := range s.recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("setting recipient %s: %w", rcpt, err)
		}
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("starting data: %w", err)
	}
	if _, err := wc.Write(msg.Body); err != nil {
		_ = wc.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finishing data: %w", err)
	}
	if err := c.Quit(); err != nil {
		logging.FromContext(ctx).Warn("smtp QUIT failed", "address", s.address, "error", err)
	}
	return nil
}

// Close implements Sink.
func (s *SMTPSink) Close() error { return nil }
