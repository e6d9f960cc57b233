package api

import (
	"context"

	"github.com/wizzle/wizzled/internal/model"
)

// ChatDirectory is the remote conversation directory.
type ChatDirectory interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	CreateConversation(ctx context.Context, memberIDs []string, title string) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// createChatRequest is the POST body for creating a conversation.
type createChatRequest struct {
	MemberIDs []string `json:"memberIds"`
	Title     string   `json:"title,omitempty"`
}

// Chats implements ChatDirectory against the REST backend.
type Chats struct {
	client *Client
}

// NewChats creates the remote conversation directory client.
func NewChats(client *Client) *Chats {
	return &Chats{client: client}
}

// ListConversations returns all conversations visible to the current user.
func (c *Chats) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := c.client.get(ctx, "chats", &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// CreateConversation creates a direct or group conversation. title may be
// empty for direct chats.
func (c *Chats) CreateConversation(ctx context.Context, memberIDs []string, title string) (*model.Conversation, error) {
	var conv model.Conversation
	req := createChatRequest{MemberIDs: memberIDs, Title: title}
	if err := c.client.post(ctx, "chats", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes a conversation from the directory.
func (c *Chats) DeleteConversation(ctx context.Context, id string) error {
	return c.client.del(ctx, "chats/"+id)
}
