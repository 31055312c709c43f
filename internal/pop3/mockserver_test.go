package pop3

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/infodancer/pop3fetch/internal/transport"
	"github.com/infodancer/pop3fetch/internal/uidstore"
)

const testServerName = "pop.test.local"

// generateTestTLS creates a self-signed certificate for testServerName and
// a pool trusting it.
func generateTestTLS(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: testServerName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{testServerName},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(parsed)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}, pool
}

type mockMessage struct {
	uid  string
	body string
}

// mockServer is a scripted POP3 server for one connection.
type mockServer struct {
	greeting string
	caps     []string // nil answers CAPA with -ERR
	user     string
	pass     string
	token    string

	// passError is the -ERR text for a rejected login.
	passError string

	messages []mockMessage
	noUIDL   bool
	last     int // -1 answers LAST with -ERR
	refuse   map[int]bool
	quitErr  bool

	tlsConfig *tls.Config

	mu       sync.Mutex
	commands []string
	deleted  map[int]bool
}

func (s *mockServer) record(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

// Commands returns the commands received so far, secrets included.
func (s *mockServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *mockServer) count(prefix string) int {
	n := 0
	for _, c := range s.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// stuff dot-stuffs a message body and appends the terminator.
func stuff(body string) string {
	var sb strings.Builder
	for _, line := range strings.SplitAfter(body, "\n") {
		if line == "" {
			continue
		}
		if line[0] == '.' {
			sb.WriteByte('.')
		}
		sb.WriteString(line)
	}
	sb.WriteString(".\r\n")
	return sb.String()
}

func (s *mockServer) serve(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	caps := s.caps
	r := bufio.NewReader(conn)
	w := func(format string, args ...any) {
		fmt.Fprintf(conn, format, args...)
	}

	greeting := s.greeting
	if greeting == "" {
		greeting = "+OK POP3 ready"
	}
	w("%s\r\n", greeting)

	readLine := func() (string, bool) {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", false
		}
		return strings.TrimRight(line, "\r\n"), true
	}

	for {
		line, ok := readLine()
		if !ok {
			return
		}
		s.record(line)
		verb, arg, _ := strings.Cut(line, " ")
		seq, _ := strconv.Atoi(strings.Fields(arg + " 0")[0])

		switch strings.ToUpper(verb) {
		case "CAPA":
			if caps == nil {
				w("-ERR unknown command\r\n")
				continue
			}
			w("+OK capability list follows\r\n")
			for _, c := range caps {
				w("%s\r\n", c)
			}
			w(".\r\n")

		case "STLS":
			if s.tlsConfig == nil {
				w("-ERR TLS not available\r\n")
				continue
			}
			w("+OK begin TLS negotiation\r\n")
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			r = bufio.NewReader(conn)
			var post []string
			for _, c := range caps {
				if c != "STLS" {
					post = append(post, c)
				}
			}
			caps = post

		case "USER":
			w("+OK\r\n")

		case "PASS":
			if arg == s.pass {
				w("+OK logged in\r\n")
			} else {
				w("-ERR %s\r\n", s.errText())
			}

		case "APOP":
			fields := strings.Fields(arg)
			ts := apopTimestamp(greeting)
			sum := md5.Sum([]byte(ts + s.pass))
			if len(fields) == 2 && fields[0] == s.user && fields[1] == hex.EncodeToString(sum[:]) {
				w("+OK logged in\r\n")
			} else {
				w("-ERR %s\r\n", s.errText())
			}

		case "AUTH":
			s.auth(arg, w, readLine)

		case "STAT":
			n, size := s.stat()
			w("+OK %d %d\r\n", n, size)

		case "LIST":
			w("+OK scan listing follows\r\n")
			for i, m := range s.messages {
				if !s.isDeleted(i + 1) {
					w("%d %d\r\n", i+1, len(m.body))
				}
			}
			w(".\r\n")

		case "UIDL":
			if s.noUIDL {
				w("-ERR unknown command\r\n")
				continue
			}
			if arg != "" {
				if seq < 1 || seq > len(s.messages) {
					w("-ERR no such message\r\n")
					continue
				}
				w("+OK %d %s\r\n", seq, s.messages[seq-1].uid)
				continue
			}
			w("+OK unique-id listing follows\r\n")
			for i, m := range s.messages {
				w("%d %s\r\n", i+1, m.uid)
			}
			w(".\r\n")

		case "LAST":
			if s.last < 0 {
				w("-ERR unknown command\r\n")
				continue
			}
			w("+OK %d\r\n", s.last)

		case "RETR", "TOP":
			if seq < 1 || seq > len(s.messages) || s.refuse[seq] {
				w("-ERR no such message\r\n")
				continue
			}
			w("+OK message follows\r\n")
			w("%s", stuff(s.messages[seq-1].body))

		case "DELE":
			if seq < 1 || seq > len(s.messages) {
				w("-ERR no such message\r\n")
				continue
			}
			s.mu.Lock()
			if s.deleted == nil {
				s.deleted = map[int]bool{}
			}
			s.deleted[seq] = true
			s.mu.Unlock()
			w("+OK message deleted\r\n")

		case "NOOP":
			w("+OK\r\n")

		case "QUIT":
			if s.quitErr {
				w("-ERR some deleted messages not removed\r\n")
			} else {
				w("+OK bye\r\n")
			}
			return

		default:
			w("-ERR unknown command\r\n")
		}
	}
}

func (s *mockServer) errText() string {
	if s.passError != "" {
		return s.passError
	}
	return "[AUTH] invalid credentials"
}

func (s *mockServer) isDeleted(seq int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[seq]
}

func (s *mockServer) stat() (int, int) {
	n, size := 0, 0
	for i, m := range s.messages {
		if !s.isDeleted(i + 1) {
			n++
			size += len(m.body)
		}
	}
	return n, size
}

func (s *mockServer) auth(arg string, w func(string, ...any), readLine func() (string, bool)) {
	mech, ir, hasIR := strings.Cut(arg, " ")
	switch strings.ToUpper(mech) {
	case "PLAIN", "OAUTHBEARER":
		if !hasIR {
			w("+ \r\n")
			line, ok := readLine()
			if !ok {
				return
			}
			ir = line
		}
		raw, err := base64.StdEncoding.DecodeString(ir)
		if err != nil {
			w("-ERR bad encoding\r\n")
			return
		}
		var good bool
		if strings.EqualFold(mech, "PLAIN") {
			good = string(raw) == "\x00"+s.user+"\x00"+s.pass
		} else {
			good = strings.Contains(string(raw), "auth=Bearer "+s.token)
		}
		if good {
			w("+OK authenticated\r\n")
		} else {
			w("-ERR %s\r\n", s.errText())
		}

	case "CRAM-MD5":
		challenge := "<12345.67890@pop.test.local>"
		w("+ %s\r\n", base64.StdEncoding.EncodeToString([]byte(challenge)))
		line, ok := readLine()
		if !ok {
			return
		}
		raw, _ := base64.StdEncoding.DecodeString(line)
		mac := hmac.New(md5.New, []byte(s.pass))
		mac.Write([]byte(challenge))
		if string(raw) == s.user+" "+hex.EncodeToString(mac.Sum(nil)) {
			w("+OK authenticated\r\n")
		} else {
			w("-ERR %s\r\n", s.errText())
		}

	default:
		w("-ERR unsupported mechanism\r\n")
	}
}

// startMock serves srv on a local listener and returns a client connected
// to it, using mailbox for identifier bookkeeping.
func startMock(t *testing.T, srv *mockServer, mailbox *uidstore.Mailbox, pool *x509.CertPool) *Client {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.serve(conn)
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ch, err := transport.Open(context.Background(), "127.0.0.1", port, transport.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { ch.Close() })

	if mailbox == nil {
		mailbox = uidstore.New().Mailbox("alice", "127.0.0.1")
	}
	if pool == nil {
		pool = x509.NewCertPool()
	}
	return NewClient(ch, mailbox, Options{
		Host: "127.0.0.1",
		TLS:  transport.TLSOptions{ServerName: testServerName, RootCAs: pool, Mode: transport.VerifyStrict},
	})
}

// login performs greeting and password login against srv.
func login(t *testing.T, c *Client) {
	t.Helper()
	ctx := context.Background()
	if _, err := c.Greeting(ctx); err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	err := c.Authenticate(ctx, Credentials{User: "alice", Password: "secret", Method: MethodPassword, TLS: TLSNone})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
}
