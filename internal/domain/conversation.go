// Package domain contains core domain types for the Questline application.
package domain

import (
	"time"
)

// Conversation status values.
const (
	ConversationStatusNew       = "new"
	ConversationStatusWaiting   = "waiting_for_ai"
	ConversationStatusCompleted = "completed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single entry in a conversation's append-only log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation represents a chat thread between a user and the AI workflow.
type Conversation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Messages      []Message `json:"messages"`
	Status        string    `json:"status"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	ObjectiveID   string    `json:"objective_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsEmptyDraft reports whether the conversation can be reused as a fresh
// draft: no messages and no generated objective.
func (c *Conversation) IsEmptyDraft() bool {
	return len(c.Messages) == 0 && c.ObjectiveID == ""
}

// LastMessage returns the most recent message, or nil when the log is empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// RecentMessages returns up to n most recent messages in order.
func (c *Conversation) RecentMessages(n int) []Message {
	if n >= len(c.Messages) {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// ConversationSummary is the list-view projection of a conversation.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	MessageCount       int       `json:"message_count"`
	ObjectiveID        string    `json:"objective_id,omitempty"`
	ObjectiveTitle     string    `json:"objective_title,omitempty"`
	ObjectiveSteps     int       `json:"objective_steps,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}
