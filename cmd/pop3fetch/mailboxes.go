package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/infodancer/pop3fetch/internal/config"
	"github.com/infodancer/pop3fetch/internal/fetch"
	"github.com/infodancer/pop3fetch/internal/logging"
	"github.com/infodancer/pop3fetch/internal/pop3"
	"github.com/infodancer/pop3fetch/internal/transport"
)

// keyringPasswordEnv unlocks the encrypted file keyring without a prompt.
const keyringPasswordEnv = "POP3FETCH_KEYRING_PASSWORD"

var errNoTerminal = errors.New("standard input is not a terminal")

func buildMailboxes(cfg config.Config) ([]fetch.Mailbox, error) {
	out := make([]fetch.Mailbox, 0, len(cfg.Mailboxes))
	for _, m := range cfg.Mailboxes {
		mb, err := buildMailbox(cfg, m)
		if err != nil {
			return nil, &fetch.ConfigError{Mailbox: m.User + "@" + m.Host, Err: err}
		}
		out = append(out, mb)
	}
	return out, nil
}

func buildMailbox(cfg config.Config, m config.MailboxConfig) (fetch.Mailbox, error) {
	policy, err := pop3.ParseTLSPolicy(m.TLS)
	if err != nil {
		return fetch.Mailbox{}, err
	}
	method, err := pop3.ParseMethod(m.Auth)
	if err != nil {
		return fetch.Mailbox{}, err
	}
	verify, err := transport.ParseVerifyMode(m.SSLVerify)
	if err != nil {
		return fetch.Mailbox{}, err
	}

	return fetch.Mailbox{
		Host:     m.Host,
		Service:  m.Service,
		Plugin:   m.Plugin,
		User:     m.User,
		Password: m.Password,
		Token:    m.OAuthToken,
		Method:   method,
		TLS:      policy,
		TLSOptions: transport.TLSOptions{
			Mode:        verify,
			CAPath:      config.ExpandHome(m.SSLCAPath),
			Fingerprint: m.SSLFingerprint,
			CertFile:    config.ExpandHome(m.SSLCert),
			KeyFile:     config.ExpandHome(m.SSLKey),
			Protocol:    m.SSLProtocol,
		},
		Keep:           m.KeepMessages(),
		FetchAll:       m.FetchAllMessages(),
		Flush:          m.FlushMessages(),
		FastUIDL:       m.FastUIDLEnabled(),
		FastUIDLMin:    m.FastUIDLMin,
		Limit:          m.Limit,
		FetchLimit:     m.FetchLimit,
		ConnectTimeout: cfg.Timeouts.ConnectTimeout(),
		Timeout:        cfg.Timeouts.IdleTimeout(),
	}, nil
}

// needsPassword reports whether a login to mb can use a password.
func needsPassword(mb fetch.Mailbox) bool {
	switch mb.Method {
	case pop3.MethodExternal, pop3.MethodOAuthBearer:
		return false
	case pop3.MethodAny:
		return mb.Token == "" && mb.TLSOptions.CertFile == ""
	default:
		return true
	}
}

// resolvePasswords fills in passwords missing from the configuration,
// from the keyring when an entry is named and otherwise by prompting.
func resolvePasswords(ctx context.Context, cfg config.Config, mailboxes []fetch.Mailbox,
	secrets fetch.SecretSource, prompt func(label string) (string, error)) error {
	logger := logging.FromContext(ctx)

	for i, m := range cfg.Mailboxes {
		mb := &mailboxes[i]
		if mb.Password != "" || !needsPassword(*mb) {
			continue
		}

		if m.PasswordKeyring != "" {
			secret, err := secrets.Secret(m.PasswordKeyring)
			if err != nil {
				return fmt.Errorf("%s: %w", mb.Key(), err)
			}
			mb.Password = secret
			continue
		}

		if prompt == nil {
			continue
		}
		secret, err := prompt(fmt.Sprintf("Enter password for %s: ", mb.Key()))
		if errors.Is(err, errNoTerminal) {
			logger.Warn("no password configured", "host", mb.Host, "user", mb.User)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", mb.Key(), err)
		}
		mb.Password = secret
	}
	return nil
}

func terminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// lazyKeyring opens the keyring on first use so configurations without
// keyring entries never touch it.
type lazyKeyring struct {
	opts fetch.KeyringOptions

	once sync.Once
	ring *fetch.Keyring
	err  error
}

func newSecretSource(cfg config.Config) fetch.SecretSource {
	return &lazyKeyring{opts: fetch.KeyringOptions{
		ServiceName:  cfg.Keyring.Service,
		FileDir:      cfg.Keyring.FileDir,
		FilePassword: os.Getenv(keyringPasswordEnv),
	}}
}

func (k *lazyKeyring) Secret(key string) (string, error) {
	k.once.Do(func() {
		k.ring, k.err = fetch.OpenKeyring(k.opts)
	})
	if k.err != nil {
		return "", k.err
	}
	return k.ring.Secret(key)
}
