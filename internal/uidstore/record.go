// Package uidstore remembers, per mailbox, which server-assigned message
// identifiers have already been retrieved or deleted, so that repeated and
// interrupted polls neither lose nor duplicate mail.
package uidstore

// Disposition is what is known about one message identifier.
type Disposition int

const (
	// Unseen means the message has not been retrieved yet.
	Unseen Disposition = iota

	// Seen means the message was retrieved and delivered.
	Seen

	// Deleted means a delete was issued but not yet confirmed by logout.
	Deleted

	// Expunged means the server confirmed the deletion.
	Expunged
)

// String returns the string representation of the disposition.
func (d Disposition) String() string {
	switch d {
	case Unseen:
		return "UNSEEN"
	case Seen:
		return "SEEN"
	case Deleted:
		return "DELETED"
	case Expunged:
		return "EXPUNGED"
	default:
		return "UNKNOWN"
	}
}

// persistent reports whether records in this state are written to disk.
func (d Disposition) persistent() bool {
	return d == Seen || d == Deleted
}

// Record is one message identifier and its disposition.
type Record struct {
	ID     string
	Status Disposition

	// Seq is the message number in the current poll, 0 when unknown.
	// Message numbers are not stable across polls.
	Seq int

	// Alt holds an optional second identifier, e.g. a previous name.
	Alt string
}

// list is an ordered record collection indexed by identifier.
type list struct {
	records []*Record
	byID    map[string]*Record
	bySeqNo map[int]*Record
}

func newList() *list {
	return &list{byID: make(map[string]*Record), bySeqNo: make(map[int]*Record)}
}

func (l *list) get(id string) *Record {
	return l.byID[id]
}

func (l *list) add(r Record) *Record {
	if existing := l.byID[r.ID]; existing != nil {
		return existing
	}
	p := &r
	l.records = append(l.records, p)
	l.byID[r.ID] = p
	if p.Seq > 0 {
		l.bySeqNo[p.Seq] = p
	}
	return p
}

func (l *list) bySeq(seq int) *Record {
	return l.bySeqNo[seq]
}

func (l *list) setSeq(r *Record, seq int) {
	if r.Seq > 0 && l.bySeqNo[r.Seq] == r {
		delete(l.bySeqNo, r.Seq)
	}
	r.Seq = seq
	if seq > 0 {
		l.bySeqNo[seq] = r
	}
}

// retain drops the records keep rejects, preserving order.
func (l *list) retain(keep func(*Record) bool) {
	kept := l.records[:0]
	for _, r := range l.records {
		if keep(r) {
			kept = append(kept, r)
			continue
		}
		delete(l.byID, r.ID)
		if r.Seq > 0 && l.bySeqNo[r.Seq] == r {
			delete(l.bySeqNo, r.Seq)
		}
	}
	clear(l.records[len(kept):])
	l.records = kept
}

// clearSeqs forgets all message numbers at the end of a poll.
func (l *list) clearSeqs() {
	for _, r := range l.records {
		r.Seq = 0
	}
	clear(l.bySeqNo)
}

func (l *list) len() int { return len(l.records) }

func (l *list) snapshot() []Record {
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

func listFrom(records []Record) *list {
	l := newList()
	for _, r := range records {
		l.add(r)
	}
	return l
}
