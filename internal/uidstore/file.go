package uidstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LoadFile loads the identifier file at path. A missing file yields an
// empty store.
func LoadFile(path string, configured []Key) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Load(bytes.NewReader(nil), configured)
		}
		return nil, fmt.Errorf("opening identifier file: %w", err)
	}
	defer f.Close()
	return Load(f, configured)
}

// SaveFile writes the store to path atomically. When there is nothing to
// remember the file is removed instead.
func SaveFile(path string, s *Store) error {
	if s.Empty() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing identifier file: %w", err)
		}
		return nil
	}

	var buf bytes.Buffer
	if err := s.Serialize(&buf); err != nil {
		return fmt.Errorf("serializing identifiers: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating identifier file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing identifier file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing identifier file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing identifier file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("setting identifier file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replacing identifier file: %w", err)
	}
	return nil
}
