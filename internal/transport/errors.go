package transport

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrClosed is returned by operations on a channel that has been closed.
	ErrClosed = errors.New("channel closed")

	// ErrVerifyNotRun is returned when a handshake completed without the
	// certificate check ever seeing the leaf certificate.
	ErrVerifyNotRun = errors.New("certificate verification did not run")

	// ErrFingerprintMismatch is returned when the server certificate does not
	// carry the configured fingerprint.
	ErrFingerprintMismatch = errors.New("certificate fingerprint mismatch")

	// ErrHostnameMismatch is returned when no certificate name matches the
	// expected host.
	ErrHostnameMismatch = errors.New("certificate name does not match host")

	// ErrPlaintextAfterSTLS is returned when the server pipelined bytes
	// before the TLS handshake.
	ErrPlaintextAfterSTLS = errors.New("unexpected plaintext before TLS handshake")
)

// ConnectError reports a failure to resolve or connect to the server.
type ConnectError struct {
	Host    string
	Service string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", net.JoinHostPort(e.Host, e.Service), e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TLSError reports a failed handshake or certificate check.
type TLSError struct {
	Host string
	Err  error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls %s: %v", e.Host, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// IOError reports a failed read or write on an established channel,
// including timeouts and cancellation.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Timeout reports whether the error was caused by an inactivity deadline.
func (e *IOError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
