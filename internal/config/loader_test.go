package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	// Should return defaults
	expected := Default()
	if cfg.IDFile != expected.IDFile {
		t.Errorf("expected id_file %q, got %q", expected.IDFile, cfg.IDFile)
	}
	if len(cfg.Mailboxes) != 0 {
		t.Errorf("expected no mailboxes, got %d", len(cfg.Mailboxes))
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
[pop3fetch]
log_level = "debug"
id_file = "/var/lib/pop3fetch/ids"
daemon = "5m"
parallel = 4

[pop3fetch.timeouts]
connect = "15s"
idle = "2m"

[pop3fetch.delivery]
type = "mbox"
path = "/var/mail/alice"

[[pop3fetch.mailboxes]]
host = "pop.example.com"
user = "alice"
password = "secret"
tls = "required"
fast_uidl = false

[[pop3fetch.mailboxes]]
host = "pop.example.org"
user = "alice"
tls = "implicit"
keep = true
limit = 1048576
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}

	if cfg.IDFile != "/var/lib/pop3fetch/ids" {
		t.Errorf("id_file = %q, want '/var/lib/pop3fetch/ids'", cfg.IDFile)
	}

	if cfg.Daemon != "5m" {
		t.Errorf("daemon = %q, want '5m'", cfg.Daemon)
	}

	if cfg.Parallel != 4 {
		t.Errorf("parallel = %d, want 4", cfg.Parallel)
	}

	if cfg.Timeouts.Connect != "15s" {
		t.Errorf("timeouts.connect = %q, want '15s'", cfg.Timeouts.Connect)
	}

	if cfg.Delivery.Type != DeliveryMbox || cfg.Delivery.Path != "/var/mail/alice" {
		t.Errorf("delivery = %+v, want mbox at /var/mail/alice", cfg.Delivery)
	}

	if len(cfg.Mailboxes) != 2 {
		t.Fatalf("expected 2 mailboxes, got %d", len(cfg.Mailboxes))
	}

	first := cfg.Mailboxes[0]
	if first.Host != "pop.example.com" || first.TLS != "required" || first.FastUIDLEnabled() {
		t.Errorf("mailbox[0] = %+v, want pop.example.com with tls=required fast_uidl=false", first)
	}

	second := cfg.Mailboxes[1]
	if !second.KeepMessages() || second.Limit != 1048576 {
		t.Errorf("mailbox[1] = %+v, want keep=true limit=1048576", second)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	content := `
[defaults]
user = "alice"
tls = "required"
keep = true
fetch_limit = 10

[[pop3fetch.mailboxes]]
host = "pop.example.com"

[[pop3fetch.mailboxes]]
host = "pop.example.org"
user = "bob"
keep = false
fetch_limit = 3
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Mailboxes) != 2 {
		t.Fatalf("expected 2 mailboxes, got %d", len(cfg.Mailboxes))
	}

	inherited := cfg.Mailboxes[0]
	if inherited.User != "alice" {
		t.Errorf("mailbox[0].user = %q, want 'alice' from defaults", inherited.User)
	}
	if inherited.TLS != "required" {
		t.Errorf("mailbox[0].tls = %q, want 'required' from defaults", inherited.TLS)
	}
	if !inherited.KeepMessages() {
		t.Error("mailbox[0].keep = false, want true from defaults")
	}
	if inherited.FetchLimit != 10 {
		t.Errorf("mailbox[0].fetch_limit = %d, want 10 from defaults", inherited.FetchLimit)
	}

	own := cfg.Mailboxes[1]
	if own.User != "bob" {
		t.Errorf("mailbox[1].user = %q, want 'bob'", own.User)
	}
	if own.KeepMessages() {
		t.Error("mailbox[1].keep = true, want explicit false to win over defaults")
	}
	if own.FetchLimit != 3 {
		t.Errorf("mailbox[1].fetch_limit = %d, want 3", own.FetchLimit)
	}
	if own.TLS != "required" {
		t.Errorf("mailbox[1].tls = %q, want 'required' from defaults", own.TLS)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	content := `
[pop3fetch
log_level = "broken
`

	path := createTempConfig(t, content)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	content := `
[pop3fetch]
log_level = "warn"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Provided value should be used
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want 'warn'", cfg.LogLevel)
	}

	// Defaults should be preserved for unspecified values
	defaults := Default()
	if cfg.Delivery.Type != defaults.Delivery.Type {
		t.Errorf("delivery type = %q, want default %q", cfg.Delivery.Type, defaults.Delivery.Type)
	}

	if cfg.Timeouts.Idle != defaults.Timeouts.Idle {
		t.Errorf("idle timeout = %q, want default %q", cfg.Timeouts.Idle, defaults.Timeouts.Idle)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := validConfig()

	flags := &Flags{
		LogLevel: "debug",
		IDFile:   "/tmp/ids",
		Daemon:   "1m",
		Parallel: 3,
		Keep:     true,
		Mbox:     "/tmp/mbox",
		Metrics:  ":9200",
	}

	result := ApplyFlags(cfg, flags)

	if result.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", result.LogLevel)
	}

	if result.IDFile != "/tmp/ids" {
		t.Errorf("id_file = %q, want '/tmp/ids'", result.IDFile)
	}

	if result.Daemon != "1m" {
		t.Errorf("daemon = %q, want '1m'", result.Daemon)
	}

	if result.Parallel != 3 {
		t.Errorf("parallel = %d, want 3", result.Parallel)
	}

	if result.Delivery.Type != DeliveryMbox || result.Delivery.Path != "/tmp/mbox" {
		t.Errorf("delivery = %+v, want mbox at /tmp/mbox", result.Delivery)
	}

	if !result.Metrics.Enabled || result.Metrics.Address != ":9200" {
		t.Errorf("metrics = %+v, want enabled on :9200", result.Metrics)
	}

	if !result.Mailboxes[0].KeepMessages() {
		t.Error("mailbox keep = false, want true from flag")
	}
}

func TestApplyFlagsEmptyValuesDoNotOverride(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "warn"
	cfg.Parallel = 2
	cfg.Delivery = DeliveryConfig{Type: DeliverySMTP, SMTPAddress: "localhost:25"}

	// Empty/zero flags should not override
	result := ApplyFlags(cfg, &Flags{})

	if result.LogLevel != "warn" {
		t.Errorf("log_level = %q, want 'warn' (should not be overridden)", result.LogLevel)
	}

	if result.Parallel != 2 {
		t.Errorf("parallel = %d, want 2 (should not be overridden)", result.Parallel)
	}

	if result.Delivery.Type != DeliverySMTP {
		t.Errorf("delivery type = %q, want 'smtp' (should not be overridden)", result.Delivery.Type)
	}

	if result.Mailboxes[0].Keep != nil {
		t.Error("mailbox keep should stay unset")
	}
}

func TestApplyFlagsSMTPKeepsRecipients(t *testing.T) {
	cfg := validConfig()
	cfg.Delivery.Recipients = []string{"alice@example.com"}

	result := ApplyFlags(cfg, &Flags{SMTP: "mx.example.com:25"})

	if result.Delivery.Type != DeliverySMTP || result.Delivery.SMTPAddress != "mx.example.com:25" {
		t.Errorf("delivery = %+v, want smtp to mx.example.com:25", result.Delivery)
	}
	if len(result.Delivery.Recipients) != 1 {
		t.Errorf("recipients = %v, want configured recipients kept", result.Delivery.Recipients)
	}
}

func TestFlagPriorityOverConfig(t *testing.T) {
	content := `
[pop3fetch]
log_level = "info"
parallel = 2

[[pop3fetch.mailboxes]]
host = "pop.example.com"
user = "alice"
`

	path := createTempConfig(t, content)

	fs := flag.NewFlagSet("pop3fetch", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	if err := fs.Parse([]string{"-config", path, "-parallel", "5", "-fetchall"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	result, err := LoadWithFlags(flags)
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}

	// Flag values should win
	if result.Parallel != 5 {
		t.Errorf("parallel = %d, want 5 (flag should override)", result.Parallel)
	}

	if !result.Mailboxes[0].FetchAllMessages() {
		t.Error("fetch_all = false, want true (flag should override)")
	}

	// Non-overridden config values should remain
	if result.LogLevel != "info" {
		t.Errorf("log_level = %q, want 'info' (config value should remain)", result.LogLevel)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := ExpandHome("~/Maildir"); got != filepath.Join(home, "Maildir") {
		t.Errorf("ExpandHome(~/Maildir) = %q, want under %q", got, home)
	}
	if got := ExpandHome("/var/mail"); got != "/var/mail" {
		t.Errorf("ExpandHome(/var/mail) = %q, want unchanged", got)
	}
	if got := ExpandHome("~user/x"); !strings.HasPrefix(got, "~user") {
		t.Errorf("ExpandHome(~user/x) = %q, want unchanged", got)
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}
