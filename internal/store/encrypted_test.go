package store

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wizzle/wizzled/internal/apperr"
	"github.com/wizzle/wizzled/internal/model"
)

func testMessage(id, conv string, status model.Status) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "u1",
		SentAt:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Kind:           model.TextKind("hello " + id),
		Status:         status,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewEncryptedStore(testDB(t), testKeys(t), nil)

	m := testMessage("m1", "c1", model.StatusSent)
	if err := s.Save(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Load("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != "m1" || got.Kind.Text() != "hello m1" || got.Status != model.StatusSent {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if !got.SentAt.Equal(m.SentAt) {
		t.Errorf("sentAt = %v, want %v", got.SentAt, m.SentAt)
	}
}

// Ciphertext must differ from the plaintext and between saves (fresh nonce).
func TestCiphertextIsOpaque(t *testing.T) {
	db := testDB(t)
	s := NewEncryptedStore(db, testKeys(t), nil)

	if err := s.Save(testMessage("m1", "c1", model.StatusSent)); err != nil {
		t.Fatal(err)
	}

	var blob []byte
	if err := db.QueryRow(`SELECT ciphertext FROM messages WHERE id = 'm1'`).Scan(&blob); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(blob, []byte("hello m1")) {
		t.Error("ciphertext contains plaintext body")
	}

	if err := s.Save(testMessage("m1", "c1", model.StatusSent)); err != nil {
		t.Fatal(err)
	}
	var blob2 []byte
	if err := db.QueryRow(`SELECT ciphertext FROM messages WHERE id = 'm1'`).Scan(&blob2); err != nil {
		t.Fatal(err)
	}
	if string(blob) == string(blob2) {
		t.Error("re-encrypting the same message should produce a different blob (fresh nonce)")
	}
}

func TestSaveUpserts(t *testing.T) {
	s := NewEncryptedStore(testDB(t), testKeys(t), nil)

	if err := s.Save(testMessage("m1", "c1", model.StatusSent)); err != nil {
		t.Fatal(err)
	}
	updated := testMessage("m1", "c1", model.StatusDelivered)
	if err := s.Save(updated); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Load("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (upsert, not duplicate)", len(msgs))
	}
	if msgs[0].Status != model.StatusDelivered {
		t.Errorf("status = %s, want delivered (last save wins)", msgs[0].Status)
	}
}

func TestLoadOrderedByCreation(t *testing.T) {
	s := NewEncryptedStore(testDB(t), testKeys(t), nil)

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := s.Save(testMessage(id, "c1", model.StatusSent)); err != nil {
			t.Fatal(err)
		}
	}
	// A message for another conversation must not leak in.
	if err := s.Save(testMessage("x1", "other", model.StatusSent)); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Load("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

// Records written under a previous key become inert after a key reset:
// skipped on load, never fatal.
func TestLoadSkipsRecordsFromOldKey(t *testing.T) {
	db := testDB(t)
	keys := testKeys(t)
	s := NewEncryptedStore(db, keys, nil)

	if err := s.Save(testMessage("old", "c1", model.StatusSent)); err != nil {
		t.Fatal(err)
	}

	if err := keys.ResetKey(); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(testMessage("new", "c1", model.StatusSent)); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Load("c1")
	if err != nil {
		t.Fatalf("load after key reset should not fail: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "new" {
		t.Errorf("got %v, want only the post-reset message", ids(msgs))
	}
}

func TestLoadSkipsCorruptRow(t *testing.T) {
	db := testDB(t)
	s := NewEncryptedStore(db, testKeys(t), nil)

	if err := s.Save(testMessage("m1", "c1", model.StatusSent)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO messages (id, conversation_id, ciphertext, created_at) VALUES ('bad', 'c1', X'00', 1)`); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Load("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("got %v, want only m1", ids(msgs))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := NewEncryptedStore(testDB(t), testKeys(t), nil)

	if err := s.Save(testMessage("m1", "c1", model.StatusSent)); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("m1"); err != nil {
		t.Fatal(err)
	}
	// Absent id is a no-op, not an error.
	if err := s.Delete("m1"); err != nil {
		t.Errorf("second Delete error = %v", err)
	}

	msgs, _ := s.Load("c1")
	if len(msgs) != 0 {
		t.Errorf("got %d messages after delete, want 0", len(msgs))
	}
}

func TestSaveOnClosedDBIsStorageError(t *testing.T) {
	db := testDB(t)
	s := NewEncryptedStore(db, testKeys(t), nil)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	err := s.Save(testMessage("m1", "c1", model.StatusSent))
	if !errors.Is(err, apperr.ErrStorage) {
		t.Errorf("error = %v, want ErrStorage", err)
	}
	if _, err := s.Load("c1"); !errors.Is(err, apperr.ErrStorage) {
		t.Errorf("load error = %v, want ErrStorage", err)
	}
}

func TestDeleteConversationLeavesOthers(t *testing.T) {
	s := NewEncryptedStore(testDB(t), testKeys(t), nil)

	for _, conv := range []string{"c1", "c2"} {
		if err := s.Save(testMessage("m-"+conv, conv, model.StatusSent)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteConversation("c1"); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.Load("c1"); len(msgs) != 0 {
		t.Errorf("c1 still has %d messages", len(msgs))
	}
	if msgs, _ := s.Load("c2"); len(msgs) != 1 {
		t.Errorf("c2 has %d messages, want 1", len(msgs))
	}
}

func TestDeleteAll(t *testing.T) {
	s := NewEncryptedStore(testDB(t), testKeys(t), nil)

	for _, conv := range []string{"c1", "c2"} {
		if err := s.Save(testMessage("m-"+conv, conv, model.StatusSent)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteAll(); err != nil {
		t.Fatal(err)
	}
	for _, conv := range []string{"c1", "c2"} {
		msgs, _ := s.Load(conv)
		if len(msgs) != 0 {
			t.Errorf("conversation %s still has %d messages", conv, len(msgs))
		}
	}
}

// Concurrent saves for different ids must all land without corrupting rows.
func TestConcurrentSaves(t *testing.T) {
	s := NewEncryptedStore(testDB(t), testKeys(t), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m := testMessage(string(rune('a'+n)), "c1", model.StatusSent)
			if err := s.Save(m); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := s.Load("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 8 {
		t.Errorf("got %d messages, want 8", len(msgs))
	}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
