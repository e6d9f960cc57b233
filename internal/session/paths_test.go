package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".wizzle", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestDBPath(t *testing.T) {
	got := DBPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "messages.db")) {
		t.Errorf("DBPath(test) = %q, want suffix sessions/test/messages.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestSecretsDir(t *testing.T) {
	got := SecretsDir("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "secrets")) {
		t.Errorf("SecretsDir(test) = %q, want suffix sessions/test/secrets", got)
	}
}
