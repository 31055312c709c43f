// Package transport owns the byte stream between pop3fetch and a mail
// server: dialing (TCP or an external plugin command), line-buffered reads,
// full writes, in-band TLS upgrade with certificate checks, and shutdown.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// State is the lifecycle state of a Channel.
type State int

const (
	// StateClosed means no connection is held.
	StateClosed State = iota

	// StateConnected means a plain byte stream is open.
	StateConnected

	// StateTLS means the stream has been upgraded to TLS.
	StateTLS
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnected:
		return "CONNECTED"
	case StateTLS:
		return "TLS"
	default:
		return "UNKNOWN"
	}
}

const (
	readBufferSize     = 8192
	closeNotifyTimeout = 5 * time.Second
)

// aLongTimeAgo is a deadline that makes any pending I/O fail immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Options controls how a Channel is opened.
type Options struct {
	// Plugin, when set, is a shell command whose stdin and stdout carry the
	// session instead of a TCP socket. %h and %p expand to host and service.
	Plugin string

	// ConnectTimeout bounds each individual connect attempt.
	ConnectTimeout time.Duration

	// Timeout is the inactivity limit applied to every read, write and
	// handshake. Zero disables it.
	Timeout time.Duration

	// Resolver overrides the system resolver.
	Resolver *net.Resolver
}

// Channel is a single plain or TLS-upgraded connection to a server.
// A Channel is not safe for concurrent reads or writes, but Close and
// Abort may be called from any goroutine.
type Channel struct {
	host    string
	timeout time.Duration

	mu      sync.Mutex
	raw     net.Conn
	conn    net.Conn
	tlsConn *tls.Conn
	r       *bufio.Reader
	state   State
}

// Open connects to host:service and returns a channel in StateConnected.
func Open(ctx context.Context, host, service string, opts Options) (*Channel, error) {
	var (
		conn net.Conn
		err  error
	)
	if opts.Plugin != "" {
		conn, err = startPlugin(opts.Plugin, host, service)
	} else {
		conn, err = dial(ctx, host, service, opts)
	}
	if err != nil {
		return nil, &ConnectError{Host: host, Service: service, Err: err}
	}
	return newChannel(host, conn, opts.Timeout), nil
}

// NewChannel wraps an already established connection.
func NewChannel(host string, conn net.Conn, timeout time.Duration) *Channel {
	return newChannel(host, conn, timeout)
}

func newChannel(host string, conn net.Conn, timeout time.Duration) *Channel {
	return &Channel{
		host:    host,
		timeout: timeout,
		raw:     conn,
		conn:    conn,
		r:       bufio.NewReaderSize(conn, readBufferSize),
		state:   StateConnected,
	}
}

// Host returns the host name the channel was opened for.
func (c *Channel) Host() string { return c.host }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsTLS reports whether the stream is TLS protected.
func (c *Channel) IsTLS() bool { return c.State() == StateTLS }

// ConnectionState returns the TLS state when the channel is upgraded.
func (c *Channel) ConnectionState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tlsConn == nil {
		return tls.ConnectionState{}, false
	}
	return c.tlsConn.ConnectionState(), true
}

// arm applies the inactivity deadline and makes cancellation of ctx
// interrupt a blocked call. The returned func must be called when the
// call finishes.
func (c *Channel) arm(ctx context.Context) (net.Conn, func(), error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	return conn, func() { stop() }, nil
}

func (c *Channel) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &IOError{Op: op, Err: err}
}

// ReadLine returns the bytes up to and including the next '\n', or the
// first maxLen-1 bytes when the line is longer. The remainder of a long
// line is returned by the following call. NUL bytes are preserved.
func (c *Channel) ReadLine(ctx context.Context, maxLen int) ([]byte, error) {
	if maxLen < 2 {
		return nil, fmt.Errorf("read line: max length %d too small", maxLen)
	}
	_, done, err := c.arm(ctx)
	if err != nil {
		return nil, c.ioError(ctx, "read", err)
	}
	defer done()

	limit := maxLen - 1
	var line []byte
	for len(line) < limit {
		if c.r.Buffered() == 0 {
			if _, err := c.r.Peek(1); err != nil {
				if errors.Is(err, io.EOF) && len(line) > 0 {
					err = io.ErrUnexpectedEOF
				}
				return line, c.ioError(ctx, "read", err)
			}
		}
		buf, _ := c.r.Peek(c.r.Buffered())
		want := limit - len(line)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 && i < want {
			line = append(line, buf[:i+1]...)
			_, _ = c.r.Discard(i + 1)
			return line, nil
		}
		n := min(len(buf), want)
		line = append(line, buf[:n]...)
		_, _ = c.r.Discard(n)
	}
	return line, nil
}

// Peek returns up to n bytes that are already available without
// consuming them, blocking only when nothing is buffered.
func (c *Channel) Peek(ctx context.Context, n int) ([]byte, error) {
	_, done, err := c.arm(ctx)
	if err != nil {
		return nil, c.ioError(ctx, "peek", err)
	}
	defer done()

	if c.r.Buffered() == 0 {
		if _, err := c.r.Peek(1); err != nil {
			return nil, c.ioError(ctx, "peek", err)
		}
	}
	b, _ := c.r.Peek(min(n, c.r.Buffered()))
	return b, nil
}

// WriteAll writes all of p. It returns the number of bytes written, which
// is less than len(p) only together with an error.
func (c *Channel) WriteAll(ctx context.Context, p []byte) (int, error) {
	conn, done, err := c.arm(ctx)
	if err != nil {
		return 0, c.ioError(ctx, "write", err)
	}
	defer done()

	total := 0
	for total < len(p) {
		n, err := conn.Write(p[total:])
		total += n
		if err != nil {
			return total, c.ioError(ctx, "write", err)
		}
		if n == 0 {
			return total, c.ioError(ctx, "write", io.ErrShortWrite)
		}
	}
	return total, nil
}

// Close shuts the channel down, sending a TLS close_notify first when TLS
// is active. It is idempotent and bounded in time.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.SetDeadline(time.Now().Add(closeNotifyTimeout))
	return conn.Close()
}

// Abort closes the underlying stream without a TLS shutdown.
func (c *Channel) Abort() {
	c.mu.Lock()
	raw := c.raw
	open := c.conn != nil
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if open && raw != nil {
		_ = raw.Close()
	}
}
