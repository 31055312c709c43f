package uidstore

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Store holds the identifier state of every configured mailbox plus the
// lines of the identifier file that belong to no configured mailbox.
// Mailbox creation and serialization are safe for concurrent use; each
// Mailbox itself belongs to a single poll.
type Store struct {
	mu        sync.Mutex
	mailboxes map[Key]*Mailbox
	order     []Key
	scratch   []string
}

// New returns an empty store.
func New() *Store {
	return &Store{mailboxes: make(map[Key]*Mailbox)}
}

// Load reads identifier records, one "user@host identifier" per line.
// Records for a key in configured are loaded as Seen into that mailbox;
// all other lines are kept verbatim and written back by Serialize.
func Load(r io.Reader, configured []Key) (*Store, error) {
	s := New()
	known := make(map[Key]bool, len(configured))
	for _, k := range configured {
		known[k] = true
		s.mailboxLocked(k)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		key, id, ok := parseLine(line)
		if !ok || !known[key] {
			s.scratch = append(s.scratch, line)
			continue
		}
		s.mailboxes[key].committed.add(Record{ID: id, Status: Seen})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading identifiers at line %d: %w", lineNo+1, err)
	}
	return s, nil
}

// parseLine splits "user@host identifier". The login name may itself
// contain '@', so the key is split at the last '@' of the first token.
// Everything after the first space is the identifier.
func parseLine(line string) (Key, string, bool) {
	token, id, ok := strings.Cut(line, " ")
	if !ok || id == "" {
		return Key{}, "", false
	}
	at := strings.LastIndexByte(token, '@')
	if at <= 0 || at == len(token)-1 {
		return Key{}, "", false
	}
	return Key{User: token[:at], Host: token[at+1:]}, id, true
}

// Mailbox returns the state for user at host, creating it when needed.
func (s *Store) Mailbox(user, host string) *Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxLocked(Key{User: user, Host: host})
}

func (s *Store) mailboxLocked(k Key) *Mailbox {
	if m := s.mailboxes[k]; m != nil {
		return m
	}
	m := newMailbox(k)
	s.mailboxes[k] = m
	s.order = append(s.order, k)
	return m
}

// Keys returns the mailbox keys in the order they were first seen.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, len(s.order))
	copy(out, s.order)
	return out
}

// Scratch returns the retained lines for unconfigured mailboxes.
func (s *Store) Scratch() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.scratch))
	copy(out, s.scratch)
	return out
}

// Serialize writes every committed Seen or Deleted identifier followed by
// the retained scratch lines. Expunged identifiers are dropped.
func (s *Store) Serialize(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, k := range s.order {
		prefix := k.String()
		for _, r := range s.mailboxes[k].committed.records {
			if !r.Status.persistent() {
				continue
			}
			if _, err := fmt.Fprintf(bw, "%s %s\n", prefix, r.ID); err != nil {
				return err
			}
		}
	}
	for _, line := range s.scratch {
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Empty reports whether Serialize would write nothing.
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scratch) > 0 {
		return false
	}
	for _, m := range s.mailboxes {
		for _, r := range m.committed.records {
			if r.Status.persistent() {
				return false
			}
		}
	}
	return true
}
