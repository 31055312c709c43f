// Package pop3 implements the client side of the POP3 protocol (RFC 1939,
// RFC 2449, RFC 2595, RFC 5034) for one mailbox poll: greeting, login with
// optional STLS, determining which messages are new, and retrieving and
// deleting them while keeping the mailbox identifier state current.
package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/infodancer/pop3fetch/internal/logging"
	"github.com/infodancer/pop3fetch/internal/metrics"
	"github.com/infodancer/pop3fetch/internal/transport"
	"github.com/infodancer/pop3fetch/internal/uidstore"
)

const (
	// maxLine bounds status and listing lines. RFC 2449 allows 512 octets
	// for responses; servers routinely exceed that.
	maxLine = 8192

	// maxChunk is the read size for message bodies. Longer lines are
	// delivered in pieces.
	maxChunk = 8192
)

// Conn is the byte stream a Client talks over. *transport.Channel
// implements it.
type Conn interface {
	ReadLine(ctx context.Context, maxLen int) ([]byte, error)
	WriteAll(ctx context.Context, p []byte) (int, error)
	UpgradeToTLS(ctx context.Context, opts transport.TLSOptions) error
	IsTLS() bool
	Close() error
	Abort()
}

// Options configures a Client.
type Options struct {
	// Host labels logs and metrics.
	Host string

	// TLS is used when the session is upgraded with STLS.
	TLS transport.TLSOptions

	Metrics metrics.Collector
}

// Client drives one POP3 session. It is not safe for concurrent use.
type Client struct {
	conn    Conn
	mailbox *uidstore.Mailbox
	host    string
	tlsOpts transport.TLSOptions
	metrics metrics.Collector

	sess SessionContext

	// Capabilities are per connection and re-probed after STLS.
	caps          Capabilities
	capaProbed    bool
	capaSupported bool
	timestamp     string
}

// NewClient returns a client for conn whose identifier bookkeeping goes to
// mailbox.
func NewClient(conn Conn, mailbox *uidstore.Mailbox, opts Options) *Client {
	m := opts.Metrics
	if m == nil {
		m = &metrics.NoopCollector{}
	}
	return &Client{
		conn:    conn,
		mailbox: mailbox,
		host:    opts.Host,
		tlsOpts: opts.TLS,
		metrics: m,
		sess:    SessionContext{State: StateGreeting},
	}
}

// Session returns a copy of the per-poll session state.
func (c *Client) Session() SessionContext { return c.sess }

// State returns the current session state.
func (c *Client) State() State { return c.sess.State }

// Mailbox returns the identifier state the client updates.
func (c *Client) Mailbox() *uidstore.Mailbox { return c.mailbox }

// Greeting reads the server banner. A negative banner that looks like a
// lock condition is reported as ErrLockBusy.
func (c *Client) Greeting(ctx context.Context) (Response, error) {
	if c.sess.State != StateGreeting {
		return Response{}, ErrInvalidState
	}
	r, err := c.readResponse(ctx, "")
	if err != nil {
		return Response{}, err
	}
	if !r.OK {
		if isLockBusy(r) {
			return r, &AuthError{Message: r.Message, Err: ErrLockBusy}
		}
		return r, &ProtocolError{Line: r.String(), Reason: "server refused connection"}
	}
	c.timestamp = apopTimestamp(r.Message)
	c.sess.State = StateAuthenticating
	logging.FromContext(ctx).Debug("pop3 greeting", "host", c.host, "apop", c.timestamp != "")
	return r, nil
}

// send writes one command line. Secrets are not logged when redact is set.
func (c *Client) send(ctx context.Context, line string, redact bool) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("command contains line break")
	}
	name, _, _ := strings.Cut(line, " ")
	logged := line
	if redact {
		logged = name + " ****"
	}
	logging.FromContext(ctx).Debug("pop3 >", "host", c.host, "command", logged)
	c.metrics.CommandSent(strings.ToUpper(name))

	_, err := c.conn.WriteAll(ctx, []byte(line+"\r\n"))
	return err
}

// sendContinuation writes a SASL continuation line, which is never logged.
func (c *Client) sendContinuation(ctx context.Context, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("continuation contains line break")
	}
	logging.FromContext(ctx).Debug("pop3 >", "host", c.host, "command", "****")
	_, err := c.conn.WriteAll(ctx, []byte(line+"\r\n"))
	return err
}

// readLine reads one complete line or fails.
func (c *Client) readLine(ctx context.Context, command string) ([]byte, error) {
	line, err := c.conn.ReadLine(ctx, maxLine)
	if err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		return nil, &ProtocolError{Command: command, Line: string(line[:min(len(line), 80)]), Reason: ErrLineTooLong.Error()}
	}
	return line, nil
}

func (c *Client) readResponse(ctx context.Context, command string) (Response, error) {
	line, err := c.readLine(ctx, command)
	if err != nil {
		return Response{}, err
	}
	r, err := ParseResponse(line)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.Command = command
		}
		return Response{}, err
	}
	c.sess.LastStatus = r.String()
	logging.FromContext(ctx).Debug("pop3 <", "host", c.host, "status", r.String())
	return r, nil
}

// cmd sends a command and reads its status line.
func (c *Client) cmd(ctx context.Context, line string) (Response, error) {
	if err := c.send(ctx, line, false); err != nil {
		return Response{}, err
	}
	name, _, _ := strings.Cut(line, " ")
	return c.readResponse(ctx, name)
}

// readMultiline calls fn for every line of a dot-terminated listing, with
// the line ending removed and leading dots unstuffed.
func (c *Client) readMultiline(ctx context.Context, command string, fn func(line []byte) error) error {
	for {
		line, err := c.readLine(ctx, command)
		if err != nil {
			return err
		}
		line = trimEOL(line)
		if len(line) > 0 && line[0] == '.' {
			if len(line) == 1 {
				return nil
			}
			line = line[1:]
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

// readBody copies a dot-terminated message body to w, unstuffing leading
// dots. Only a line consisting of exactly "." ends the body; lines longer
// than the read buffer are handled in pieces, and a dot is only special at
// the start of a line.
func (c *Client) readBody(ctx context.Context, w io.Writer) (int64, error) {
	var n int64
	atLineStart := true
	for {
		chunk, err := c.conn.ReadLine(ctx, maxChunk)
		if err != nil {
			return n, err
		}
		if atLineStart && len(chunk) > 0 && chunk[0] == '.' {
			if isTerminator(chunk) {
				return n, nil
			}
			chunk = chunk[1:]
		}
		if len(chunk) == 0 {
			atLineStart = false
			continue
		}
		atLineStart = chunk[len(chunk)-1] == '\n'
		written, err := w.Write(chunk)
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
}

func isTerminator(chunk []byte) bool {
	return bytes.Equal(chunk, []byte(".\r\n")) || bytes.Equal(chunk, []byte(".\n"))
}

// Capabilities returns the server capabilities, probing with CAPA once per
// connection. A server without CAPA yields an empty set.
func (c *Client) Capabilities(ctx context.Context) (Capabilities, error) {
	if c.capaProbed {
		return c.caps, nil
	}
	r, err := c.cmd(ctx, "CAPA")
	if err != nil {
		return nil, err
	}
	caps := Capabilities{}
	if r.OK {
		err := c.readMultiline(ctx, "CAPA", func(line []byte) error {
			if name, args := parseCapability(line); name != "" {
				caps[name] = args
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	c.caps = caps
	c.capaProbed = true
	c.capaSupported = r.OK
	return caps, nil
}

// Abort ends a failed session: the poll's identifier changes are discarded
// and the connection is dropped without QUIT.
func (c *Client) Abort() {
	if c.mailbox != nil {
		c.mailbox.DiscardPoll()
	}
	c.conn.Abort()
	c.sess.State = StateClosed
}
