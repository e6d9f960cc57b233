package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UnreadCount returns the locally tracked unread count for a conversation,
// zero if none has been recorded.
func (db *DB) UnreadCount(conversationID string) (int, error) {
	var count int
	err := db.QueryRow(`SELECT count FROM unread_counts WHERE conversation_id = ?`,
		conversationID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// AllUnread returns the unread counts for every conversation with a nonzero
// record, keyed by conversation id.
func (db *DB) AllUnread() (map[string]int, error) {
	rows, err := db.Query(`SELECT conversation_id, count FROM unread_counts WHERE count > 0`)
	if err != nil {
		return nil, fmt.Errorf("all unread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan unread row: %w", err)
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// SetUnread records an absolute unread count for a conversation.
func (db *DB) SetUnread(conversationID string, count int) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`
		INSERT INTO unread_counts (conversation_id, count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			count = excluded.count,
			updated_at = excluded.updated_at`,
		conversationID, count, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set unread: %w", err)
	}
	return nil
}

// IncrementUnread bumps the unread count by one and returns the new value.
func (db *DB) IncrementUnread(conversationID string) (int, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`
		INSERT INTO unread_counts (conversation_id, count, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			count = unread_counts.count + 1,
			updated_at = excluded.updated_at`,
		conversationID, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("increment unread: %w", err)
	}

	var count int
	err = db.QueryRow(`SELECT count FROM unread_counts WHERE conversation_id = ?`,
		conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read unread after increment: %w", err)
	}
	return count, nil
}

// ClearUnread resets a conversation's unread count to zero.
func (db *DB) ClearUnread(conversationID string) error {
	return db.SetUnread(conversationID, 0)
}

// ClearAllUnread drops every unread record, used on full local wipe.
func (db *DB) ClearAllUnread() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if _, err := db.Exec(`DELETE FROM unread_counts`); err != nil {
		return fmt.Errorf("clear all unread: %w", err)
	}
	return nil
}
