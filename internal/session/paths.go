// Package session resolves on-disk paths and naming for daemon sessions
// under ~/.wizzle.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wizzle.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wizzle")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the encrypted message database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "messages.db")
}

// SecretsDir returns the directory holding secret-store entries
// (encryption key, salt, session token).
func SecretsDir(name string) string {
	return filepath.Join(Dir(name), "secrets")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "wizzled.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with owner-only permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		SecretsDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
