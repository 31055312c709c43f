// Package config provides configuration management for pop3fetch.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/infodancer/pop3fetch/internal/pop3"
	"github.com/infodancer/pop3fetch/internal/transport"
)

// Delivery types.
const (
	DeliveryMaildir = "maildir"
	DeliveryMbox    = "mbox"
	DeliverySMTP    = "smtp"
)

// FileConfig is the top-level wrapper of the configuration file. Settings
// under [defaults] apply to every [[pop3fetch.mailboxes]] entry that does
// not set them itself.
type FileConfig struct {
	Defaults  MailboxConfig `toml:"defaults"`
	Pop3fetch Config        `toml:"pop3fetch"`
}

// Config holds the complete pop3fetch configuration.
type Config struct {
	LogLevel string `toml:"log_level"`

	// IDFile is the identifier file remembering retrieved messages.
	IDFile string `toml:"id_file"`

	// Daemon is the poll interval. Empty polls once and exits.
	Daemon string `toml:"daemon"`

	// Parallel is how many mailboxes are polled at the same time.
	Parallel int `toml:"parallel"`

	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Retry     RetryConfig     `toml:"retry"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Keyring   KeyringConfig   `toml:"keyring"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Mailboxes []MailboxConfig `toml:"mailboxes"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connect string `toml:"connect"`
	Idle    string `toml:"idle"`
}

// RetryConfig spaces out daemon polls after transient failures.
type RetryConfig struct {
	Initial string `toml:"initial"`
	Max     string `toml:"max"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// KeyringConfig locates stored passwords.
type KeyringConfig struct {
	Service string `toml:"service"`
	FileDir string `toml:"file_dir"`
}

// DeliveryConfig says where retrieved messages go.
type DeliveryConfig struct {
	Type          string   `toml:"type"`
	Path          string   `toml:"path"`
	MaildirSubdir string   `toml:"maildir_subdir"`
	SMTPAddress   string   `toml:"smtp_address"`
	HeloName      string   `toml:"helo_name"`
	From          string   `toml:"from"`
	Recipients    []string `toml:"recipients"`
}

// MailboxConfig describes one remote mailbox. Boolean options are
// pointers so an unset value can fall back to [defaults].
type MailboxConfig struct {
	Host    string `toml:"host"`
	Service string `toml:"service"`
	Plugin  string `toml:"plugin"`

	User            string `toml:"user"`
	Password        string `toml:"password"`
	PasswordKeyring string `toml:"password_keyring"`
	Auth            string `toml:"auth"`
	OAuthToken      string `toml:"oauth_token"`

	TLS            string `toml:"tls"`
	SSLVerify      string `toml:"ssl_verify"`
	SSLCAPath      string `toml:"ssl_ca_path"`
	SSLFingerprint string `toml:"ssl_fingerprint"`
	SSLCert        string `toml:"ssl_cert"`
	SSLKey         string `toml:"ssl_key"`
	SSLProtocol    string `toml:"ssl_protocol"`

	Keep        *bool `toml:"keep"`
	FetchAll    *bool `toml:"fetch_all"`
	Flush       *bool `toml:"flush"`
	FastUIDL    *bool `toml:"fast_uidl"`
	FastUIDLMin int   `toml:"fast_uidl_min"`
	Limit       int64 `toml:"limit"`
	FetchLimit  int   `toml:"fetch_limit"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		LogLevel: "info",
		IDFile:   "~/.pop3fetch.ids",
		Parallel: 1,
		Timeouts: TimeoutsConfig{
			Connect: "30s",
			Idle:    "5m",
		},
		Retry: RetryConfig{
			Initial: "30s",
			Max:     "15m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
		Delivery: DeliveryConfig{
			Type:        DeliverySMTP,
			SMTPAddress: "localhost:25",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if len(c.Mailboxes) == 0 {
		return errors.New("at least one mailbox is required")
	}

	if c.Parallel <= 0 {
		return errors.New("parallel must be positive")
	}

	durations := []struct{ name, value string }{
		{"daemon interval", c.Daemon},
		{"connect timeout", c.Timeouts.Connect},
		{"idle timeout", c.Timeouts.Idle},
		{"retry initial", c.Retry.Initial},
		{"retry max", c.Retry.Max},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	switch strings.ToLower(c.Delivery.Type) {
	case DeliveryMaildir, DeliveryMbox:
		if c.Delivery.Path == "" {
			return fmt.Errorf("delivery path is required for %s", c.Delivery.Type)
		}
	case DeliverySMTP:
		if c.Delivery.SMTPAddress == "" {
			return errors.New("delivery smtp_address is required for smtp")
		}
	default:
		return fmt.Errorf("invalid delivery type %q (valid: maildir, mbox, smtp)", c.Delivery.Type)
	}

	seen := make(map[string]bool, len(c.Mailboxes))
	for i, m := range c.Mailboxes {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mailbox %d: %w", i, err)
		}
		key := m.User + "@" + m.Host
		if seen[key] {
			return fmt.Errorf("mailbox %d: %s configured twice", i, key)
		}
		seen[key] = true
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// Validate checks a single mailbox entry.
func (m *MailboxConfig) Validate() error {
	if m.Host == "" {
		return errors.New("host is required")
	}
	if m.User == "" {
		return errors.New("user is required")
	}
	if _, err := pop3.ParseTLSPolicy(m.TLS); err != nil {
		return err
	}
	if _, err := pop3.ParseMethod(m.Auth); err != nil {
		return err
	}
	if _, err := transport.ParseVerifyMode(m.SSLVerify); err != nil {
		return err
	}
	if (m.SSLCert == "") != (m.SSLKey == "") {
		return errors.New("ssl_cert and ssl_key must be set together")
	}
	if m.FastUIDLMin < 0 || m.Limit < 0 || m.FetchLimit < 0 {
		return errors.New("fast_uidl_min, limit and fetch_limit must not be negative")
	}
	return nil
}

// KeepMessages reports whether retrieved messages stay on the server.
func (m *MailboxConfig) KeepMessages() bool { return boolValue(m.Keep, false) }

// FetchAllMessages reports whether old messages are retrieved too.
func (m *MailboxConfig) FetchAllMessages() bool { return boolValue(m.FetchAll, false) }

// FlushMessages reports whether old messages are deleted.
func (m *MailboxConfig) FlushMessages() bool { return boolValue(m.Flush, false) }

// FastUIDLEnabled reports whether the binary search for new messages is used.
func (m *MailboxConfig) FastUIDLEnabled() bool { return boolValue(m.FastUIDL, true) }

// DaemonInterval returns the poll interval, zero when polling once.
func (c *Config) DaemonInterval() time.Duration {
	return parseDuration(c.Daemon, 0)
}

// ConnectTimeout returns the connect timeout as a time.Duration.
// Returns 30 seconds if not configured or invalid.
func (c *TimeoutsConfig) ConnectTimeout() time.Duration {
	return parseDuration(c.Connect, 30*time.Second)
}

// IdleTimeout returns the idle timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	return parseDuration(c.Idle, 5*time.Minute)
}

// InitialInterval returns the first retry delay.
func (c *RetryConfig) InitialInterval() time.Duration {
	return parseDuration(c.Initial, 30*time.Second)
}

// MaxInterval returns the longest retry delay.
func (c *RetryConfig) MaxInterval() time.Duration {
	return parseDuration(c.Max, 15*time.Minute)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func boolValue(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
