package api

import (
	"context"

	"github.com/wizzle/wizzled/internal/model"
)

// MessageRepository is the authoritative message send/fetch path. The
// realtime channel only carries notifications; this is where messages are
// actually created.
type MessageRepository interface {
	FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, senderID, content string) (*model.Message, error)
}

// sendMessageRequest is the POST body for sending a message.
type sendMessageRequest struct {
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// Messages implements MessageRepository against the REST backend.
type Messages struct {
	client *Client
}

// NewMessages creates the remote message repository.
func NewMessages(client *Client) *Messages {
	return &Messages{client: client}
}

// FetchMessages returns a conversation's full history, oldest first, as the
// server orders it.
func (m *Messages) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	if err := m.client.get(ctx, "messages/"+conversationID, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a new message. The server assigns id, timestamp and
// initial status in the returned message.
func (m *Messages) SendMessage(ctx context.Context, conversationID, senderID, content string) (*model.Message, error) {
	var msg model.Message
	req := sendMessageRequest{SenderID: senderID, Content: content}
	if err := m.client.post(ctx, "messages/"+conversationID, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
