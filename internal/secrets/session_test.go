package secrets

import "testing"

func TestSessionCredentialsLifecycle(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	creds := NewSessionCredentials(fs)

	if got := creds.Token(); got != "" {
		t.Errorf("token before login = %q, want empty", got)
	}
	if got := creds.UserID(); got != "" {
		t.Errorf("user id before login = %q, want empty", got)
	}

	if err := creds.Save("u1", "tok-abc"); err != nil {
		t.Fatal(err)
	}
	if got := creds.Token(); got != "tok-abc" {
		t.Errorf("token = %q", got)
	}
	if got := creds.UserID(); got != "u1" {
		t.Errorf("user id = %q", got)
	}

	if err := creds.Clear(); err != nil {
		t.Fatal(err)
	}
	if got := creds.Token(); got != "" {
		t.Errorf("token after clear = %q, want empty", got)
	}

	// Clearing an empty store is a no-op.
	if err := creds.Clear(); err != nil {
		t.Fatal(err)
	}
}
