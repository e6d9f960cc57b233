package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wizzle/wizzled/internal/apperr"
	"github.com/wizzle/wizzled/internal/model"
	"github.com/wizzle/wizzled/internal/secrets"
	"go.uber.org/zap"
)

// EncryptedStore persists message history with each payload sealed
// independently under the device key. Ciphertext blobs embed the nonce
// (nonce || AES-256-GCM ciphertext+tag), so a row is self-contained.
type EncryptedStore struct {
	db     *DB
	keys   *secrets.KeyProvider
	logger *zap.Logger
}

// NewEncryptedStore creates an encrypted message store over db.
func NewEncryptedStore(db *DB, keys *secrets.KeyProvider, logger *zap.Logger) *EncryptedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EncryptedStore{db: db, keys: keys, logger: logger}
}

// Save encrypts the message under a fresh nonce and upserts it by id.
// Re-saving an id replaces its ciphertext; delivery-status updates re-save
// the same message with a new status.
func (s *EncryptedStore) Save(m *model.Message) error {
	key, err := s.keys.FetchOrCreateKey()
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", m.ID, err)
	}
	blob, err := seal(key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt message %q: %w", m.ID, err)
	}

	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, ciphertext, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			ciphertext = excluded.ciphertext`,
		m.ID, m.ConversationID, blob, time.Now().UnixMilli())
	if err != nil {
		return apperr.Storage("save message %q: %v", m.ID, err)
	}
	return nil
}

// Load returns all messages for a conversation in creation order, decrypting
// each row. Rows that fail authentication (corruption, or a key reset since
// they were written) are skipped and logged; a partial result is expected
// after a key reset, never a fatal error.
func (s *EncryptedStore) Load(conversationID string) ([]model.Message, error) {
	key, err := s.keys.FetchOrCreateKey()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, ciphertext FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, apperr.Storage("load messages: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		plaintext, err := open(key, blob)
		if err != nil {
			s.logger.Warn("skipping undecryptable message record",
				zap.String("msg_id", id), zap.Error(err))
			continue
		}
		var m model.Message
		if err := json.Unmarshal(plaintext, &m); err != nil {
			s.logger.Warn("skipping malformed message record",
				zap.String("msg_id", id), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Delete removes a single message record. Deleting an absent id is a no-op.
func (s *EncryptedStore) Delete(id string) error {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return apperr.Storage("delete message %q: %v", id, err)
	}
	return nil
}

// DeleteConversation removes every record belonging to one conversation,
// used when the conversation itself is deleted from the directory.
func (s *EncryptedStore) DeleteConversation(conversationID string) error {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return apperr.Storage("delete conversation %q: %v", conversationID, err)
	}
	return nil
}

// DeleteAll clears the whole message table, used on full local wipe.
func (s *EncryptedStore) DeleteAll() error {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM messages`); err != nil {
		return apperr.Storage("delete all messages: %v", err)
	}
	return nil
}

const nonceSize = 12

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(blob))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
}
