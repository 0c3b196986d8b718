// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/dkoval/questline/internal/domain"
)

// Repository defines the interface for persisting users, conversations,
// and objectives. Reads return (nil, nil) when no record exists; ownership
// is the caller's concern.
type Repository interface {
	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// DeleteUser removes a user and cascades to their conversations and
	// objectives. Returns the number of conversations and objectives removed.
	DeleteUser(ctx context.Context, userID string) (conversations int64, objectives int64, err error)

	// GetConversation retrieves a conversation by id.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// GetConversationByCorrelation retrieves the conversation whose
	// last_message_id matches the given message id.
	GetConversationByCorrelation(ctx context.Context, messageID string) (*domain.Conversation, error)

	// FindEmptyDraft returns an existing conversation for the user with no
	// messages and no objective, if one exists.
	FindEmptyDraft(ctx context.Context, userID string) (*domain.Conversation, error)

	// ListConversations returns the user's conversations, most recently
	// updated first, up to limit.
	ListConversations(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error)

	// UpsertConversation creates or updates a conversation.
	UpsertConversation(ctx context.Context, conv *domain.Conversation) error

	// DeleteConversation removes a conversation by id.
	DeleteConversation(ctx context.Context, conversationID string) error

	// GetObjective retrieves an objective by id.
	GetObjective(ctx context.Context, objectiveID string) (*domain.Objective, error)

	// ListObjectives returns the user's objectives, newest first.
	ListObjectives(ctx context.Context, userID string) ([]*domain.Objective, error)

	// UpsertObjective creates or updates an objective. The skill tree and
	// its aggregates are written in a single row update.
	UpsertObjective(ctx context.Context, obj *domain.Objective) error

	// DeleteObjective removes an objective by id.
	DeleteObjective(ctx context.Context, objectiveID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
