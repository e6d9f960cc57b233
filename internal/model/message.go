// Package model holds the domain types shared by the store, the realtime
// channel and the sync coordinator. JSON shapes match the backend wire format.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the delivery lifecycle stage of a message as observed by the
// sender. Transitions only move forward: pending -> sent -> delivered -> read.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the delivery lifecycle, -1 if unknown.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is one of the known delivery statuses.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

const (
	kindText = "text"
	kindFile = "file"
)

// MessageKind is the message payload variant: plain text or a file
// attachment. The zero value is an empty text message.
type MessageKind struct {
	typ string

	text string

	fileName string
	fileSize int64
	mimeType string
	fileURL  string
}

// TextKind builds a text message kind.
func TextKind(text string) MessageKind {
	return MessageKind{typ: kindText, text: text}
}

// FileKind builds a file attachment kind. url may be empty while the upload
// is still pending server-side.
func FileKind(name string, size int64, mime, url string) MessageKind {
	return MessageKind{typ: kindFile, fileName: name, fileSize: size, mimeType: mime, fileURL: url}
}

// IsFile reports whether the kind is a file attachment.
func (k MessageKind) IsFile() bool { return k.typ == kindFile }

// Text returns the text body, empty for file kinds.
func (k MessageKind) Text() string { return k.text }

// File returns the attachment metadata. Only meaningful when IsFile is true.
func (k MessageKind) File() (name string, size int64, mime, url string) {
	return k.fileName, k.fileSize, k.mimeType, k.fileURL
}

// Preview returns a short human-readable rendering used by conversation lists.
func (k MessageKind) Preview() string {
	if k.IsFile() {
		return fmt.Sprintf("[file] %s", k.fileName)
	}
	return k.text
}

type kindEnvelope struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
	Name  string `json:"name,omitempty"`
	Size  int64  `json:"size,omitempty"`
	Mime  string `json:"mime,omitempty"`
	URL   string `json:"url,omitempty"`
}

// MarshalJSON encodes the kind as a discriminated envelope:
// {"type":"text","value":...} or {"type":"file","name":...,...}.
func (k MessageKind) MarshalJSON() ([]byte, error) {
	env := kindEnvelope{Type: k.typ}
	if env.Type == "" {
		env.Type = kindText
	}
	switch env.Type {
	case kindFile:
		env.Name = k.fileName
		env.Size = k.fileSize
		env.Mime = k.mimeType
		env.URL = k.fileURL
	default:
		env.Value = k.text
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the discriminated envelope. Unknown discriminators
// decode to a text placeholder so one odd message never fails a whole batch.
func (k *MessageKind) UnmarshalJSON(data []byte) error {
	var env kindEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Type {
	case kindText:
		*k = TextKind(env.Value)
	case kindFile:
		*k = FileKind(env.Name, env.Size, env.Mime, env.URL)
	default:
		*k = TextKind("[unsupported message]")
	}
	return nil
}

// Message is a single chat message. ID is immutable once assigned by the
// server (or client-generated for a not-yet-acked pending message).
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SentAt         time.Time   `json:"sentAt"`
	Kind           MessageKind `json:"kind"`
	Status         Status      `json:"status"`
}

// IsOutgoing reports whether the message was sent by the given user.
func (m Message) IsOutgoing(userID string) bool {
	return m.SenderID == userID
}
