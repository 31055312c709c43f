package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-mbox"
)

// MboxSink appends messages to an mbox file.
type MboxSink struct {
	mu   sync.Mutex
	path string
	from string
}

// NewMboxSink returns a sink appending to the mbox at path. from is used
// in the separator line when the message has no sender of its own.
func NewMboxSink(path, from string) (*MboxSink, error) {
	if path == "" {
		return nil, fmt.Errorf("mbox delivery: no path configured")
	}
	return &MboxSink{path: path, from: from}, nil
}

// Deliver implements Sink. The file is opened and synced per message so
// a delivered message survives a crash before the server deletes it.
func (s *MboxSink) Deliver(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return err
	}

	from := msg.Summary.From
	if from == "" {
		from = s.from
	}
	date := msg.Summary.Date
	if date.IsZero() {
		date = time.Now()
	}

	w := mbox.NewWriter(f)
	mw, err := w.CreateMessage(from, date)
	if err == nil {
		_, err = mw.Write(bytes.ReplaceAll(msg.Body, []byte("\r\n"), []byte("\n")))
	}
	if err == nil {
		err = w.Close()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close implements Sink.
func (s *MboxSink) Close() error { return nil }
