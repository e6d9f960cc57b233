// Package secrets provides the device secret store and the symmetric
// encryption key used by the encrypted message store.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is an opaque secure key-value store for small secrets (keys, salts,
// session tokens). Platform ports back this with the OS keychain; the daemon
// default is owner-only files in the session directory.
type Store interface {
	Set(key string, value []byte) error
	// Get returns (nil, nil) when the key is absent.
	Get(key string) ([]byte, error)
	Remove(key string) error
}

// FileStore keeps each secret in its own 0600 file under dir.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed secret store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Set writes the secret, replacing any previous value.
func (s *FileStore) Set(key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	// Write-then-rename keeps the entry whole even if the process dies mid-write.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return fmt.Errorf("write secret %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store secret %q: %w", key, err)
	}
	return nil
}

// Get reads the secret, returning (nil, nil) if it does not exist.
func (s *FileStore) Get(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secret %q: %w", key, err)
	}
	return data, nil
}

// Remove deletes the secret. Removing an absent key is a no-op.
func (s *FileStore) Remove(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove secret %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}
