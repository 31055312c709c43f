package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infodancer/pop3fetch/internal/pop3"
)

type fakeMessage struct {
	uid  string
	body string
}

// fakeServer is a POP3 maildrop that keeps its messages across
// connections. Deletions only take effect on an acknowledged QUIT.
type fakeServer struct {
	t    *testing.T
	addr string

	mu        sync.Mutex
	messages  []fakeMessage
	caps      []string
	passError string
	sessions  int
	retrieved []string
}

func newFakeServer(t *testing.T, uids ...string) *fakeServer {
	t.Helper()
	s := &fakeServer{t: t, caps: []string{"USER", "UIDL", "TOP"}}
	for _, id := range uids {
		s.add(id)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	s.addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

// add appends a message whose body mentions its identifier.
func (s *fakeServer) add(uid string) {
	s.addSized(uid, 0)
}

// addSized appends a message padded to at least size octets.
func (s *fakeServer) addSized(uid string, size int) {
	body := fmt.Sprintf("From: sender@example.com\r\nSubject: message %s\r\nMessage-Id: <%s@example.com>\r\n\r\nbody %s\r\n", uid, uid, uid)
	if pad := size - len(body); pad > 0 {
		body += strings.Repeat("x", pad) + "\r\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, fakeMessage{uid: uid, body: body})
}

func (s *fakeServer) UIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.uid
	}
	return out
}

func (s *fakeServer) Retrieved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.retrieved...)
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	s.mu.Lock()
	s.sessions++
	msgs := append([]fakeMessage(nil), s.messages...)
	caps := s.caps
	passError := s.passError
	s.mu.Unlock()

	deleted := map[int]bool{}
	r := bufio.NewReader(conn)
	w := func(format string, args ...any) { fmt.Fprintf(conn, format, args...) }
	w("+OK fake POP3 ready\r\n")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		seq, _ := strconv.Atoi(strings.Fields(arg + " 0")[0])
		valid := seq >= 1 && seq <= len(msgs) && !deleted[seq]

		switch strings.ToUpper(verb) {
		case "CAPA":
			w("+OK\r\n")
			for _, c := range caps {
				w("%s\r\n", c)
			}
			w(".\r\n")
		case "USER":
			w("+OK\r\n")
		case "PASS":
			if passError != "" {
				w("-ERR %s\r\n", passError)
			} else if arg == "secret" {
				w("+OK\r\n")
			} else {
				w("-ERR [AUTH] bad password\r\n")
			}
		case "STAT":
			size := 0
			for _, m := range msgs {
				size += len(m.body)
			}
			w("+OK %d %d\r\n", len(msgs), size)
		case "LIST":
			w("+OK\r\n")
			for i, m := range msgs {
				w("%d %d\r\n", i+1, len(m.body))
			}
			w(".\r\n")
		case "UIDL":
			if arg != "" {
				if seq < 1 || seq > len(msgs) {
					w("-ERR no such message\r\n")
				} else {
					w("+OK %d %s\r\n", seq, msgs[seq-1].uid)
				}
				continue
			}
			w("+OK\r\n")
			for i, m := range msgs {
				w("%d %s\r\n", i+1, m.uid)
			}
			w(".\r\n")
		case "TOP", "RETR":
			if !valid {
				w("-ERR no such message\r\n")
				continue
			}
			s.mu.Lock()
			s.retrieved = append(s.retrieved, msgs[seq-1].uid)
			s.mu.Unlock()
			w("+OK\r\n%s.\r\n", msgs[seq-1].body)
		case "DELE":
			if !valid {
				w("-ERR no such message\r\n")
				continue
			}
			deleted[seq] = true
			w("+OK\r\n")
		case "QUIT":
			s.mu.Lock()
			kept := s.messages[:0:0]
			gone := map[string]bool{}
			for i, m := range msgs {
				if deleted[i+1] {
					gone[m.uid] = true
				}
			}
			for _, m := range s.messages {
				if !gone[m.uid] {
					kept = append(kept, m)
				}
			}
			s.messages = kept
			s.mu.Unlock()
			w("+OK bye\r\n")
			return
		default:
			w("-ERR unknown command\r\n")
		}
	}
}

// mailbox returns the poll configuration for this server.
func (s *fakeServer) mailbox() Mailbox {
	_, port, err := net.SplitHostPort(s.addr)
	require.NoError(s.t, err)
	return Mailbox{
		Host:     "127.0.0.1",
		Service:  port,
		User:     "alice",
		Password: "secret",
		Method:   pop3.MethodAny,
		TLS:      pop3.TLSNone,
		Timeout:  5 * time.Second,
	}
}

// memorySink records delivered messages. failOn makes delivery of that
// identifier fail.
type memorySink struct {
	mu        sync.Mutex
	delivered []Message
	failOn    string
}

func (s *memorySink) Deliver(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && msg.UID == s.failOn {
		return errors.New("disk full")
	}
	s.delivered = append(s.delivered, msg)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) UIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	for i, m := range s.delivered {
		out[i] = m.UID
	}
	return out
}
