package fetch

import (
	"bytes"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Summary holds the header fields logged for every retrieved message.
type Summary struct {
	From      string
	Subject   string
	MessageID string
	Date      time.Time
}

// summarize parses the header of a raw message. Fields that cannot be
// decoded are left empty.
func summarize(raw []byte) Summary {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Summary{}
	}
	h := mail.Header{Header: entity.Header}

	var s Summary
	s.Subject, _ = h.Subject()
	s.MessageID, _ = h.MessageID()
	s.Date, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		s.From = from[0].Address
	}
	return s
}
