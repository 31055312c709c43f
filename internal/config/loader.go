package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	LogLevel   string
	IDFile     string
	Daemon     string
	Parallel   int
	Keep       bool
	FetchAll   bool
	Flush      bool
	Maildir    string
	Mbox       string
	SMTP       string
	Metrics    string
}

// RegisterFlags defines the pop3fetch flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.ConfigPath, "config", "./pop3fetch.toml", "Path to configuration file")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.IDFile, "idfile", "", "Path to the file remembering retrieved messages")
	fs.StringVar(&f.Daemon, "daemon", "", "Poll repeatedly at this interval (e.g. 5m)")
	fs.IntVar(&f.Parallel, "parallel", 0, "Number of mailboxes polled concurrently")
	fs.BoolVar(&f.Keep, "keep", false, "Leave retrieved messages on the server")
	fs.BoolVar(&f.FetchAll, "fetchall", false, "Retrieve old messages as well as new ones")
	fs.BoolVar(&f.Flush, "flush", false, "Delete old messages from the server")
	fs.StringVar(&f.Maildir, "maildir", "", "Deliver to this maildir (replaces configured delivery)")
	fs.StringVar(&f.Mbox, "mbox", "", "Deliver to this mbox file (replaces configured delivery)")
	fs.StringVar(&f.SMTP, "smtp", "", "Forward to this SMTP host:port (replaces configured delivery)")
	fs.StringVar(&f.Metrics, "metrics", "", "Expose Prometheus metrics on this address")

	return f
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := RegisterFlags(flag.CommandLine)
	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
// Mailbox settings are read from [[pop3fetch.mailboxes]]; any option a
// mailbox leaves unset is taken from [defaults].
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeConfig(cfg, fileConfig.Pop3fetch)

	for i := range cfg.Mailboxes {
		cfg.Mailboxes[i] = mergeMailbox(fileConfig.Defaults, cfg.Mailboxes[i])
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.IDFile != "" {
		cfg.IDFile = f.IDFile
	}

	if f.Daemon != "" {
		cfg.Daemon = f.Daemon
	}

	if f.Parallel > 0 {
		cfg.Parallel = f.Parallel
	}

	// A delivery flag replaces the whole [pop3fetch.delivery] section.
	switch {
	case f.Maildir != "":
		cfg.Delivery = DeliveryConfig{Type: DeliveryMaildir, Path: f.Maildir}
	case f.Mbox != "":
		cfg.Delivery = DeliveryConfig{Type: DeliveryMbox, Path: f.Mbox}
	case f.SMTP != "":
		cfg.Delivery = DeliveryConfig{
			Type:        DeliverySMTP,
			SMTPAddress: f.SMTP,
			Recipients:  cfg.Delivery.Recipients,
			From:        cfg.Delivery.From,
			HeloName:    cfg.Delivery.HeloName,
		}
	}

	if f.Metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.Metrics
	}

	for i := range cfg.Mailboxes {
		m := &cfg.Mailboxes[i]
		if f.Keep {
			m.Keep = boolPtr(true)
		}
		if f.FetchAll {
			m.FetchAll = boolPtr(true)
		}
		if f.Flush {
			m.Flush = boolPtr(true)
		}
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.IDFile != "" {
		dst.IDFile = src.IDFile
	}

	if src.Daemon != "" {
		dst.Daemon = src.Daemon
	}

	if src.Parallel > 0 {
		dst.Parallel = src.Parallel
	}

	if src.Timeouts.Connect != "" {
		dst.Timeouts.Connect = src.Timeouts.Connect
	}

	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}

	if src.Retry.Initial != "" {
		dst.Retry.Initial = src.Retry.Initial
	}

	if src.Retry.Max != "" {
		dst.Retry.Max = src.Retry.Max
	}

	// Metrics: enabled is explicitly set (boolean), so we merge if source has any non-zero value
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Keyring.Service != "" {
		dst.Keyring.Service = src.Keyring.Service
	}

	if src.Keyring.FileDir != "" {
		dst.Keyring.FileDir = src.Keyring.FileDir
	}

	// A delivery section with a type replaces the default one entirely.
	if src.Delivery.Type != "" {
		dst.Delivery = src.Delivery
	}

	if len(src.Mailboxes) > 0 {
		dst.Mailboxes = src.Mailboxes
	}

	return dst
}

// mergeMailbox fills the options m leaves unset from def.
func mergeMailbox(def, m MailboxConfig) MailboxConfig {
	str := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	opt := func(dst **bool, src *bool) {
		if *dst == nil && src != nil {
			v := *src
			*dst = &v
		}
	}

	str(&m.Host, def.Host)
	str(&m.Service, def.Service)
	str(&m.Plugin, def.Plugin)
	str(&m.User, def.User)
	str(&m.Password, def.Password)
	str(&m.PasswordKeyring, def.PasswordKeyring)
	str(&m.Auth, def.Auth)
	str(&m.OAuthToken, def.OAuthToken)
	str(&m.TLS, def.TLS)
	str(&m.SSLVerify, def.SSLVerify)
	str(&m.SSLCAPath, def.SSLCAPath)
	str(&m.SSLFingerprint, def.SSLFingerprint)
	str(&m.SSLCert, def.SSLCert)
	str(&m.SSLKey, def.SSLKey)
	str(&m.SSLProtocol, def.SSLProtocol)

	opt(&m.Keep, def.Keep)
	opt(&m.FetchAll, def.FetchAll)
	opt(&m.Flush, def.Flush)
	opt(&m.FastUIDL, def.FastUIDL)

	if m.FastUIDLMin == 0 {
		m.FastUIDLMin = def.FastUIDLMin
	}
	if m.Limit == 0 {
		m.Limit = def.Limit
	}
	if m.FetchLimit == 0 {
		m.FetchLimit = def.FetchLimit
	}

	return m
}

func boolPtr(v bool) *bool { return &v }
