package transport

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/infodancer/pop3fetch/internal/logging"
)

// VerifyMode selects how certificate problems are treated.
type VerifyMode int

const (
	// VerifyStrict aborts the handshake on any chain, name or fingerprint
	// problem.
	VerifyStrict VerifyMode = iota

	// VerifyAdvisory logs chain and name problems and aborts only on a
	// fingerprint mismatch.
	VerifyAdvisory
)

// String returns the string representation of the mode.
func (m VerifyMode) String() string {
	switch m {
	case VerifyStrict:
		return "strict"
	case VerifyAdvisory:
		return "advisory"
	default:
		return "unknown"
	}
}

// ParseVerifyMode parses "strict" or "advisory". The empty string is strict.
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return VerifyStrict, nil
	case "advisory":
		return VerifyAdvisory, nil
	default:
		return VerifyStrict, fmt.Errorf("invalid verify mode %q", s)
	}
}

// TLSOptions configures a TLS upgrade.
type TLSOptions struct {
	// ServerName is the name certificates are checked against. Defaults to
	// the host the channel was opened for.
	ServerName string

	Mode VerifyMode

	// CAPath is a PEM file or a directory of PEM files added to the trust
	// roots.
	CAPath string

	// RootCAs replaces the system trust roots when set.
	RootCAs *x509.CertPool

	// Fingerprint is the expected leaf certificate digest in hex, colons
	// optional: 32 digits for MD5, 64 for SHA-256.
	Fingerprint string

	// CertFile and KeyFile supply a client certificate. KeyFile defaults
	// to CertFile.
	CertFile string
	KeyFile  string

	// Protocol names the accepted TLS versions, e.g. "tls1.2+" or "tls1.3".
	Protocol string
}

// UpgradeToTLS performs a client handshake over the current stream and
// switches all further I/O to it.
func (c *Channel) UpgradeToTLS(ctx context.Context, opts TLSOptions) error {
	if c.IsTLS() {
		return &TLSError{Host: c.host, Err: errors.New("already using TLS")}
	}
	if c.r.Buffered() > 0 {
		return &TLSError{Host: c.host, Err: ErrPlaintextAfterSTLS}
	}

	serverName := opts.ServerName
	if serverName == "" {
		serverName = c.host
	}
	v, err := newVerifier(ctx, serverName, opts)
	if err != nil {
		return &TLSError{Host: c.host, Err: err}
	}
	cfg, err := v.config(opts)
	if err != nil {
		return &TLSError{Host: c.host, Err: err}
	}

	raw, done, err := c.arm(ctx)
	if err != nil {
		return c.ioError(ctx, "tls handshake", err)
	}
	defer done()

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		var te *TLSError
		if errors.As(err, &te) {
			return te
		}
		return &TLSError{Host: c.host, Err: err}
	}
	if err := v.confirm(); err != nil {
		_ = tlsConn.Close()
		return &TLSError{Host: c.host, Err: err}
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.tlsConn = tlsConn
	c.r.Reset(tlsConn)
	c.state = StateTLS
	c.mu.Unlock()
	return nil
}

// verifier performs certificate checks inside the handshake.
type verifier struct {
	ctx        context.Context
	serverName string
	mode       VerifyMode
	roots      *x509.CertPool
	want       []byte
	ran        bool
}

func newVerifier(ctx context.Context, serverName string, opts TLSOptions) (*verifier, error) {
	v := &verifier{ctx: ctx, serverName: serverName, mode: opts.Mode, roots: opts.RootCAs}

	if v.roots == nil {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		v.roots = pool
	}
	if opts.CAPath != "" {
		if err := addCAPath(v.roots, opts.CAPath); err != nil {
			return nil, err
		}
	}

	if opts.Fingerprint != "" {
		want, err := parseFingerprint(opts.Fingerprint)
		if err != nil {
			return nil, err
		}
		v.want = want
	}
	return v, nil
}

func (v *verifier) config(opts TLSOptions) (*tls.Config, error) {
	minVer, maxVer, err := parseProtocol(opts.Protocol)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		ServerName: v.serverName,
		MinVersion: minVer,
		MaxVersion: maxVer,
		// Chain and name checks run in VerifyConnection so that advisory
		// mode can log instead of failing.
		InsecureSkipVerify: true,
		VerifyConnection:   v.verify,
	}
	if opts.CertFile != "" {
		keyFile := opts.KeyFile
		if keyFile == "" {
			keyFile = opts.CertFile
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (v *verifier) verify(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return &TLSError{Host: v.serverName, Err: errors.New("server sent no certificate")}
	}
	v.ran = true
	leaf := cs.PeerCertificates[0]
	logger := logging.FromContext(v.ctx)

	if v.want != nil {
		if got := digest(leaf.Raw, len(v.want)); !bytes.Equal(got, v.want) {
			return &TLSError{Host: v.serverName, Err: fmt.Errorf("%w: got %s", ErrFingerprintMismatch, formatFingerprint(got))}
		}
		logger.Debug("certificate fingerprint matched", "host", v.serverName)
	}

	intermediates := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, chainErr := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if chainErr != nil {
		if v.mode == VerifyStrict {
			return &TLSError{Host: v.serverName, Err: chainErr}
		}
		logger.Warn("server certificate not verified", "host", v.serverName, "error", chainErr)
	}

	if !CertificateMatches(leaf, v.serverName) {
		err := fmt.Errorf("%w: %s (names %v, cn %q)", ErrHostnameMismatch, v.serverName, leaf.DNSNames, leaf.Subject.CommonName)
		if v.mode == VerifyStrict {
			return &TLSError{Host: v.serverName, Err: err}
		}
		logger.Warn("server certificate name mismatch", "host", v.serverName, "error", err)
	}
	return nil
}

// confirm fails unless verify checked a leaf certificate during the
// handshake.
func (v *verifier) confirm() error {
	if !v.ran {
		return ErrVerifyNotRun
	}
	return nil
}

// CertificateMatches checks host against every DNS subject alternative
// name of cert and, when none match, its subject common name.
func CertificateMatches(cert *x509.Certificate, host string) bool {
	for _, name := range cert.DNSNames {
		if MatchName(name, host) {
			return true
		}
	}
	return MatchName(cert.Subject.CommonName, host)
}

func digest(raw []byte, size int) []byte {
	if size == md5.Size {
		sum := md5.Sum(raw)
		return sum[:]
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}

func parseFingerprint(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	if len(b) != md5.Size && len(b) != sha256.Size {
		return nil, fmt.Errorf("invalid fingerprint %q: want MD5 or SHA-256 digest", s)
	}
	return b, nil
}

func formatFingerprint(b []byte) string {
	parts := make([]string, len(b))
	for i, x := range b {
		parts[i] = fmt.Sprintf("%02X", x)
	}
	return strings.Join(parts, ":")
}

func addCAPath(pool *x509.CertPool, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ca path: %w", err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("ca path: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return fmt.Errorf("ca path %s: no certificates found", path)
		}
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("ca path: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, e.Name()))
		if err != nil {
			continue
		}
		pool.AppendCertsFromPEM(data)
	}
	return nil
}

var protocolVersions = map[string]uint16{
	"tls1":   tls.VersionTLS10,
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// parseProtocol maps a protocol name to a version range. A trailing "+"
// means "this version or newer"; a bare name pins one version.
func parseProtocol(name string) (minVer, maxVer uint16, err error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "auto":
		return tls.VersionTLS12, 0, nil
	}
	open := strings.HasSuffix(name, "+")
	v, ok := protocolVersions[strings.TrimSuffix(name, "+")]
	if !ok {
		return 0, 0, fmt.Errorf("unknown TLS protocol %q", name)
	}
	if open {
		return v, 0, nil
	}
	return v, v, nil
}
