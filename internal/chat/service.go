// Package chat implements the conversation store: CRUD plus the
// append-only message log and pending-reply bookkeeping.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/store"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	previewLength    = 100
)

// Service provides ownership-scoped conversation operations.
type Service struct {
	repo store.Repository
	now  func() time.Time
}

// NewService creates a conversation service.
func NewService(repo store.Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// CreateConversation returns an existing empty draft owned by the user, or
// creates a new one. Calling it twice without an intervening message
// yields the same conversation.
func (s *Service) CreateConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	draft, err := s.repo.FindEmptyDraft(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find draft conversation: %w", err)
	}
	if draft != nil {
		return draft, nil
	}

	now := s.now()
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Messages:  []domain.Message{},
		Status:    domain.ConversationStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.UpsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns the conversation if it exists and is owned by
// the user; otherwise domain.ErrNotFound.
func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil || conv.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return conv, nil
}

// AppendUserMessage appends a user message, marks the conversation as
// waiting for the AI reply, and returns the fresh correlation message id.
func (s *Service) AppendUserMessage(ctx context.Context, conversationID, userID, content string) (string, *domain.Conversation, error) {
	conv, err := s.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	messageID := uuid.NewString()
	conv.Messages = append(conv.Messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: now,
	})
	conv.Status = domain.ConversationStatusWaiting
	conv.LastMessageID = messageID
	conv.UpdatedAt = now

	if err := s.repo.UpsertConversation(ctx, conv); err != nil {
		return "", nil, fmt.Errorf("append user message: %w", err)
	}
	return messageID, conv, nil
}

// AppendAssistantMessage appends an assistant message; when final, the
// conversation leaves the waiting state.
func (s *Service) AppendAssistantMessage(ctx context.Context, conversationID, content string, isFinal bool) (*domain.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}

	now := s.now()
	conv.Messages = append(conv.Messages, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   content,
		Timestamp: now,
	})
	if isFinal {
		conv.Status = domain.ConversationStatusCompleted
	}
	conv.UpdatedAt = now

	if err := s.repo.UpsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	return conv, nil
}

// LinkObjective records the generated objective's id on the conversation.
func (s *Service) LinkObjective(ctx context.Context, conversationID, objectiveID string) error {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return domain.ErrNotFound
	}
	conv.ObjectiveID = objectiveID
	conv.UpdatedAt = s.now()
	if err := s.repo.UpsertConversation(ctx, conv); err != nil {
		return fmt.Errorf("link objective: %w", err)
	}
	return nil
}

// ListConversations returns summaries sorted by recency, each enriched
// with a last-message preview and, best-effort, the linked objective's
// title and step count. An objective lookup failure never fails the list.
func (s *Service) ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	convs, err := s.repo.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]domain.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := domain.ConversationSummary{
			ID:           conv.ID,
			Status:       conv.Status,
			MessageCount: len(conv.Messages),
			ObjectiveID:  conv.ObjectiveID,
			UpdatedAt:    conv.UpdatedAt,
		}
		if last := conv.LastMessage(); last != nil {
			summary.LastMessagePreview = truncate(last.Content, previewLength)
		}
		if conv.ObjectiveID != "" {
			obj, err := s.repo.GetObjective(ctx, conv.ObjectiveID)
			if err != nil {
				slog.Warn("objective lookup failed for conversation list",
					"conversation_id", conv.ID, "objective_id", conv.ObjectiveID, "error", err)
			} else if obj != nil {
				summary.ObjectiveTitle = obj.Title
				summary.ObjectiveSteps = len(obj.SkillTree.Nodes)
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// DeleteConversation removes a conversation owned by the user.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.repo.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// truncate cuts s to at most n bytes, backing up so a multi-byte rune is
// never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
