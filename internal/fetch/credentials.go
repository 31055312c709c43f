package fetch

import (
	"fmt"

	"github.com/99designs/keyring"
)

// DefaultKeyringService is the keyring service name passwords are stored
// under.
const DefaultKeyringService = "pop3fetch"

// SecretSource looks up stored secrets by key.
type SecretSource interface {
	Secret(key string) (string, error)
}

// Keyring reads secrets from the system keyring, falling back to an
// encrypted file store.
type Keyring struct {
	ring keyring.Keyring
}

// KeyringOptions configures OpenKeyring.
type KeyringOptions struct {
	ServiceName string

	// FileDir is the directory of the encrypted file backend.
	FileDir string

	// FilePassword unlocks the file backend. When empty the user is
	// prompted on the terminal.
	FilePassword string

	// Backends restricts the backends tried, in order. Empty means all.
	Backends []keyring.BackendType
}

// OpenKeyring opens the keyring described by opts.
func OpenKeyring(opts KeyringOptions) (*Keyring, error) {
	service := opts.ServiceName
	if service == "" {
		service = DefaultKeyringService
	}
	backends := opts.Backends
	if len(backends) == 0 {
		backends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}
	}
	fileDir := opts.FileDir
	if fileDir == "" {
		fileDir = "~/.config/pop3fetch/keyring"
	}
	prompt := keyring.TerminalPrompt
	if opts.FilePassword != "" {
		prompt = keyring.FixedStringPrompt(opts.FilePassword)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		AllowedBackends:          backends,
		FileDir:                  fileDir,
		FilePasswordFunc:         prompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// Secret implements SecretSource.
func (k *Keyring) Secret(key string) (string, error) {
	item, err := k.ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// SetSecret stores value under key.
func (k *Keyring) SetSecret(key, value string) error {
	if err := k.ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}
