package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// dial resolves host and service and tries every address in order. The
// error returned after exhausting all candidates is the last one that was
// not EAFNOSUPPORT, so an unusable IPv6 route does not hide the real cause.
func dial(ctx context.Context, host, service string, opts Options) (net.Conn, error) {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	port, err := resolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return nil, fmt.Errorf("resolve service: %w", err)
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve host: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve host: no addresses for %s", host)
	}

	d := net.Dialer{Timeout: opts.ConnectTimeout}
	var lastErr, lastAFErr error
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), strconv.Itoa(port)))
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, syscall.EAFNOSUPPORT) {
			lastAFErr = err
			continue
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = lastAFErr
	}
	return nil, lastErr
}

// expandPlugin substitutes %h and %p in a plugin command line.
func expandPlugin(command, host, service string) string {
	return strings.NewReplacer("%h", host, "%p", service, "%%", "%").Replace(command)
}

// startPlugin runs command through the shell and returns a connection
// whose reads come from its stdout and whose writes go to its stdin.
func startPlugin(command, host, service string) (net.Conn, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}

	line := expandPlugin(command, host, service)
	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stdinR, stdinW} {
			f.Close()
		}
		return nil, fmt.Errorf("start plugin %q: %w", line, err)
	}
	stdoutW.Close()
	stdinR.Close()

	return &pluginConn{cmd: cmd, r: stdoutR, w: stdinW, addr: pluginAddr(line)}, nil
}

// pluginConn adapts a child process to net.Conn.
type pluginConn struct {
	cmd  *exec.Cmd
	r    *os.File
	w    *os.File
	addr pluginAddr
}

func (p *pluginConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pluginConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pluginConn) Close() error {
	p.w.Close()
	p.r.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeNotifyTimeout):
		_ = p.cmd.Process.Kill()
		return <-done
	}
}

func (p *pluginConn) LocalAddr() net.Addr  { return p.addr }
func (p *pluginConn) RemoteAddr() net.Addr { return p.addr }

func (p *pluginConn) SetDeadline(t time.Time) error {
	if err := p.r.SetReadDeadline(t); err != nil {
		return err
	}
	return p.w.SetWriteDeadline(t)
}

func (p *pluginConn) SetReadDeadline(t time.Time) error  { return p.r.SetReadDeadline(t) }
func (p *pluginConn) SetWriteDeadline(t time.Time) error { return p.w.SetWriteDeadline(t) }

type pluginAddr string

func (a pluginAddr) Network() string { return "plugin" }
func (a pluginAddr) String() string  { return string(a) }
