package entities

import (
	"errors"
	"time"
)

// ChatMessage is a single entry in a conversation. While a request is in
// flight the assistant slot holds a loading placeholder (IsLoading true) whose
// text rotates until the real reply, or an error, replaces it.
type ChatMessage struct {
	Text            string                  `json:"text" bson:"text"`
	IsUser          bool                    `json:"is_user" bson:"is_user"`
	IsLoading       bool                    `json:"is_loading" bson:"-"`
	ImageURL        string                  `json:"image_url,omitempty" bson:"image_url,omitempty"`
	Recommendations []ProductRecommendation `json:"recommendations,omitempty" bson:"recommendations,omitempty"`
	Timestamp       time.Time               `json:"timestamp" bson:"timestamp"`
}

// Conversation is a persisted chat thread owned by one user.
type Conversation struct {
	ID        string        `json:"id" bson:"_id,omitempty"`
	UserID    string        `json:"user_id" bson:"user_id"`
	Title     string        `json:"title" bson:"title"`
	Messages  []ChatMessage `json:"messages" bson:"messages"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

// NewConversation creates an empty conversation for a user. The ID may be
// pre-generated by the caller so image storage paths stay stable.
func NewConversation(id, userID string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        id,
		UserID:    userID,
		Messages:  make([]ChatMessage, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage appends a finalized message and refreshes the title from the
// first user message when none is set yet.
func (c *Conversation) AddMessage(msg ChatMessage) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	if c.Title == "" && msg.IsUser && msg.Text != "" {
		c.Title = truncateTitle(msg.Text)
	}
}

// HasContent reports whether anything worth persisting exists. Conversations
// holding only loading placeholders are skipped on save.
func (c *Conversation) HasContent() bool {
	for _, m := range c.Messages {
		if !m.IsLoading {
			return true
		}
	}
	return false
}

// Validate validates the conversation data.
func (c *Conversation) Validate() error {
	if c.UserID == "" {
		return errors.New("user_id is required")
	}
	return nil
}

func truncateTitle(text string) string {
	const maxTitle = 40
	runes := []rune(text)
	if len(runes) <= maxTitle {
		return text
	}
	return string(runes[:maxTitle]) + "…"
}
