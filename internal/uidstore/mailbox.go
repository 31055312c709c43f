package uidstore

import (
	"errors"
	"fmt"
)

// ErrNotPolling is returned by operations that are only valid between
// BeginPoll and EndPoll or DiscardPoll.
var ErrNotPolling = errors.New("no poll in progress")

// Key identifies a mailbox by login name and server host.
type Key struct {
	User string
	Host string
}

// String returns the "user@host" form used in the identifier file.
func (k Key) String() string {
	return k.User + "@" + k.Host
}

// Mode is how a poll decides which messages are new.
type Mode int

const (
	// ModeNone treats every message as new.
	ModeNone Mode = iota

	// ModeWatermark treats messages at or below a server-reported
	// message number as old.
	ModeWatermark

	// ModeLinear lists every identifier and rebuilds the mailbox state.
	ModeLinear

	// ModeFast binary-searches for the first new message and updates the
	// committed state in place.
	ModeFast
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeWatermark:
		return "watermark"
	case ModeLinear:
		return "linear"
	case ModeFast:
		return "fast"
	default:
		return "unknown"
	}
}

// Mailbox holds the identifier state of one mailbox: committed is the state
// as of the last successful poll, pending the state built by the current one.
// A Mailbox must only be used by one poll at a time.
type Mailbox struct {
	key       Key
	committed *list
	pending   *list

	polling   bool
	mode      Mode
	snapshot  []Record
	watermark int
}

func newMailbox(key Key) *Mailbox {
	return &Mailbox{key: key, committed: newList(), pending: newList()}
}

// Key returns the mailbox key.
func (m *Mailbox) Key() Key { return m.key }

// Mode returns the mode of the current or last poll.
func (m *Mailbox) Mode() Mode { return m.mode }

// Watermark returns the highest message number known to be old.
func (m *Mailbox) Watermark() int { return m.watermark }

// Committed returns a copy of the committed records in order.
func (m *Mailbox) Committed() []Record { return m.committed.snapshot() }

// Pending returns a copy of the records gathered by the current poll.
func (m *Mailbox) Pending() []Record { return m.pending.snapshot() }

// Lookup returns the committed record for id.
func (m *Mailbox) Lookup(id string) (Record, bool) {
	r := m.committed.get(id)
	if r == nil {
		return Record{}, false
	}
	return *r, true
}

// BeginPoll starts a poll in the given mode. The committed state is
// snapshotted so DiscardPoll can restore it exactly.
func (m *Mailbox) BeginPoll(mode Mode) {
	m.polling = true
	m.mode = mode
	m.pending = newList()
	m.snapshot = m.committed.snapshot()
	m.watermark = 0
}

// Polling reports whether a poll is in progress.
func (m *Mailbox) Polling() bool { return m.polling }

// working is the list the current poll mutates.
func (m *Mailbox) working() *list {
	if m.mode == ModeFast {
		return m.committed
	}
	return m.pending
}

// SetWatermark records the server-reported number of already retrieved
// messages.
func (m *Mailbox) SetWatermark(n int) {
	m.watermark = n
}

// ObserveUID records that message seq carries id, from a linear listing or
// a single UIDL in fast mode.
// Identifiers already handled keep their disposition; one that was deleted
// but is still on the server counts as seen, so it is not deleted twice.
func (m *Mailbox) ObserveUID(seq int, id string) (Record, error) {
	if !m.polling {
		return Record{}, ErrNotPolling
	}
	status := Unseen
	if old := m.committed.get(id); old != nil {
		status = old.Status
		if status == Deleted || status == Expunged {
			status = Seen
		}
	}
	w := m.working()
	r := w.get(id)
	switch {
	case r == nil:
		r = w.add(Record{ID: id, Status: status})
	case r.Seq == 0 && (r.Status == Deleted || r.Status == Expunged):
		// Deleted by an earlier poll yet still listed.
		r.Status = Seen
	}
	w.setSeq(r, seq)
	return *r, nil
}

// FastUnseenSearch finds the first new message among 1..count by binary
// search, calling fetch for the identifier at each probed message number.
// Known messages are assumed to form a prefix of the mailbox. Probed
// identifiers found Deleted or Expunged are reclassified as Seen, unknown
// ones are inserted as Unseen. The watermark is set to the last old message.
// The result is count+1 when nothing is new.
func (m *Mailbox) FastUnseenSearch(count int, fetch func(seq int) (string, error)) (int, error) {
	if !m.polling {
		return 0, ErrNotPolling
	}
	if m.mode != ModeFast {
		return 0, fmt.Errorf("fast search in %s mode", m.mode)
	}

	lo, hi := 0, count+1
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		id, err := fetch(mid)
		if err != nil {
			return 0, err
		}
		r := m.committed.get(id)
		switch {
		case r == nil:
			r = m.committed.add(Record{ID: id, Status: Unseen})
			hi = mid
		case r.Status == Unseen:
			hi = mid
		default:
			r.Status = Seen
			lo = mid
		}
		m.committed.setSeq(r, mid)
	}
	m.watermark = lo
	return hi, nil
}

// UID returns the identifier known for message seq in the current poll.
func (m *Mailbox) UID(seq int) (string, bool) {
	if r := m.working().bySeq(seq); r != nil {
		return r.ID, true
	}
	return "", false
}

// IsOld reports whether message seq was handled by an earlier poll.
func (m *Mailbox) IsOld(seq int) bool {
	switch m.mode {
	case ModeLinear:
		r := m.pending.bySeq(seq)
		return r != nil && r.Status != Unseen
	case ModeFast:
		if r := m.committed.bySeq(seq); r != nil && r.Status != Unseen {
			return true
		}
		return seq <= m.watermark
	case ModeWatermark:
		return seq <= m.watermark
	default:
		return false
	}
}

// IsOldID reports whether id was handled by an earlier poll.
func (m *Mailbox) IsOldID(id string) bool {
	if r := m.working().get(id); r != nil && r.Status != Unseen {
		return true
	}
	r := m.committed.get(id)
	return r != nil && r.Status != Unseen
}

// RecordSeen marks id, found at message seq, as retrieved.
func (m *Mailbox) RecordSeen(id string, seq int) error {
	r, err := m.touch(id, seq)
	if err != nil || r == nil {
		return err
	}
	if r.Status == Unseen {
		r.Status = Seen
	}
	return nil
}

// RecordDeleted marks id, found at message seq, as deleted on the server.
// The deletion is not final until RecordExpungeConfirmedAll.
func (m *Mailbox) RecordDeleted(id string, seq int) error {
	r, err := m.touch(id, seq)
	if err != nil || r == nil {
		return err
	}
	if r.Status == Unseen || r.Status == Seen {
		r.Status = Deleted
	}
	return nil
}

// RecordExpungeConfirmedAll marks every deleted identifier as expunged.
// Call it only after the server acknowledged the end of the session.
func (m *Mailbox) RecordExpungeConfirmedAll() error {
	if !m.polling {
		return ErrNotPolling
	}
	for _, r := range m.working().records {
		if r.Status == Deleted {
			r.Status = Expunged
		}
	}
	return nil
}

func (m *Mailbox) touch(id string, seq int) (*Record, error) {
	if !m.polling {
		return nil, ErrNotPolling
	}
	if id == "" {
		return nil, nil
	}
	w := m.working()
	r := w.get(id)
	if r == nil {
		r = w.add(Record{ID: id, Status: Unseen})
	}
	if seq > 0 {
		w.setSeq(r, seq)
	}
	return r, nil
}

// EndPoll finishes a successful poll. In linear mode the pending list
// replaces the committed one unless it is empty. In fast mode the committed
// list was already updated in place; unseen and expunged records that this
// poll did not find on the server are dropped.
func (m *Mailbox) EndPoll() {
	if !m.polling {
		return
	}
	switch {
	case m.mode == ModeFast:
		m.committed.retain(func(r *Record) bool {
			return r.Seq > 0 || (r.Status != Unseen && r.Status != Expunged)
		})
	case m.pending.len() > 0:
		m.committed = m.pending
	}
	m.finish()
}

// DiscardPoll abandons a failed poll, restoring the committed state to
// what it was at BeginPoll.
func (m *Mailbox) DiscardPoll() {
	if !m.polling {
		return
	}
	m.committed = listFrom(m.snapshot)
	m.finish()
}

func (m *Mailbox) finish() {
	m.pending = newList()
	m.snapshot = nil
	m.polling = false
	m.committed.clearSeqs()
}
