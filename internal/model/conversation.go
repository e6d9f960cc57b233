package model

import "time"

// Conversation is a chat thread as received from the remote directory.
// UnreadCount is local-only state owned by this client and never sent
// back to the backend.
type Conversation struct {
	ID          string    `json:"id"`
	IsGroup     bool      `json:"isGroup"`
	Title       string    `json:"title,omitempty"`
	Members     []string  `json:"members"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`

	UnreadCount int `json:"-"`
}

// DisplayTitle returns the title, falling back to a generic label for
// untitled conversations.
func (c Conversation) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	if c.IsGroup {
		return "Group Chat"
	}
	return "Direct Chat"
}

// LastMessagePreview returns a short rendering of the most recent message.
func (c Conversation) LastMessagePreview() string {
	if c.LastMessage == nil {
		return "No messages yet"
	}
	return c.LastMessage.Kind.Preview()
}
