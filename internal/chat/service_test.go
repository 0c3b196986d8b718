package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Repository) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return NewService(repo), repo
}

func TestCreateConversationReusesDraft(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateConversation(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	second, err := svc.CreateConversation(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to create conversation again: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("Expected draft reuse, got %s and %s", first.ID, second.ID)
	}
}

func TestCreateConversationNewAfterMessage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateConversation(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	if _, _, err := svc.AppendUserMessage(ctx, first.ID, "user-1", "I want to learn guitar"); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	second, err := svc.CreateConversation(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to create second conversation: %v", err)
	}
	if first.ID == second.ID {
		t.Error("Expected a fresh conversation once the draft has messages")
	}
}

func TestDraftsAreScopedPerUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, _ := svc.CreateConversation(ctx, "user-1")
	b, err := svc.CreateConversation(ctx, "user-2")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	if a.ID == b.ID {
		t.Error("Expected users to get distinct drafts")
	}
}

func TestAppendUserMessage(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "user-1")
	msgID, updated, err := svc.AppendUserMessage(ctx, conv.ID, "user-1", "I want to run a marathon")
	if err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	if msgID == "" {
		t.Error("Expected a correlation message id")
	}
	if updated.Status != domain.ConversationStatusWaiting {
		t.Errorf("Expected waiting status, got %s", updated.Status)
	}
	if updated.LastMessageID != msgID {
		t.Errorf("Expected last message id %s, got %s", msgID, updated.LastMessageID)
	}

	stored, err := repo.GetConversationByCorrelation(ctx, msgID)
	if err != nil {
		t.Fatalf("Failed to look up by correlation: %v", err)
	}
	if stored == nil || stored.ID != conv.ID {
		t.Error("Expected conversation findable by its pending message id")
	}
}

func TestAppendUserMessageOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "user-1")
	if _, _, err := svc.AppendUserMessage(ctx, conv.ID, "user-2", "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected not-found for foreign conversation, got %v", err)
	}
}

func TestAppendAssistantMessageFinal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "user-1")
	if _, _, err := svc.AppendUserMessage(ctx, conv.ID, "user-1", "hello"); err != nil {
		t.Fatalf("Failed to append user message: %v", err)
	}

	updated, err := svc.AppendAssistantMessage(ctx, conv.ID, "Here is your plan", true)
	if err != nil {
		t.Fatalf("Failed to append assistant message: %v", err)
	}
	if updated.Status != domain.ConversationStatusCompleted {
		t.Errorf("Expected completed status, got %s", updated.Status)
	}
	if len(updated.Messages) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(updated.Messages))
	}
	if updated.Messages[1].Role != domain.RoleAssistant {
		t.Errorf("Expected assistant role, got %s", updated.Messages[1].Role)
	}
}

func TestAppendAssistantMessageInterim(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "user-1")
	if _, _, err := svc.AppendUserMessage(ctx, conv.ID, "user-1", "hello"); err != nil {
		t.Fatalf("Failed to append user message: %v", err)
	}

	updated, err := svc.AppendAssistantMessage(ctx, conv.ID, "Which distance?", false)
	if err != nil {
		t.Fatalf("Failed to append assistant message: %v", err)
	}
	if updated.Status != domain.ConversationStatusWaiting {
		t.Errorf("Expected conversation to stay waiting, got %s", updated.Status)
	}
}

func TestListConversationsPreview(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "user-1")
	long := strings.Repeat("x", 150)
	if _, _, err := svc.AppendUserMessage(ctx, conv.ID, "user-1", long); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	summaries, err := svc.ListConversations(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Failed to list conversations: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("Expected 1 summary, got %d", len(summaries))
	}
	if got := len(summaries[0].LastMessagePreview); got != 100 {
		t.Errorf("Expected preview capped at 100 chars, got %d", got)
	}
	if summaries[0].MessageCount != 1 {
		t.Errorf("Expected message count 1, got %d", summaries[0].MessageCount)
	}
}

func TestListConversationsPreviewRuneBoundary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// 99 ASCII bytes followed by a 3-byte rune straddling the 100-byte cap.
	conv, _ := svc.CreateConversation(ctx, "user-1")
	msg := strings.Repeat("x", 99) + "日本語"
	if _, _, err := svc.AppendUserMessage(ctx, conv.ID, "user-1", msg); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	summaries, err := svc.ListConversations(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Failed to list conversations: %v", err)
	}
	preview := summaries[0].LastMessagePreview
	if !utf8.ValidString(preview) {
		t.Errorf("Expected valid UTF-8 preview, got %q", preview)
	}
	if len(preview) != 99 {
		t.Errorf("Expected preview cut back to 99 bytes, got %d", len(preview))
	}
}

func TestListConversationsObjectiveEnrichment(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "user-1")
	if _, _, err := svc.AppendUserMessage(ctx, conv.ID, "user-1", "teach me chess"); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	obj := &domain.Objective{
		ID:     "obj-1",
		UserID: "user-1",
		Title:  "Master chess basics",
		SkillTree: domain.SkillTree{Nodes: []domain.SkillNode{
			{ID: "rules", Title: "Learn the rules"},
			{ID: "tactics", Title: "Basic tactics", Dependencies: []string{"rules"}},
		}},
	}
	if err := repo.UpsertObjective(ctx, obj); err != nil {
		t.Fatalf("Failed to store objective: %v", err)
	}
	if err := svc.LinkObjective(ctx, conv.ID, "obj-1"); err != nil {
		t.Fatalf("Failed to link objective: %v", err)
	}

	summaries, err := svc.ListConversations(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Failed to list conversations: %v", err)
	}
	if summaries[0].ObjectiveTitle != "Master chess basics" {
		t.Errorf("Expected objective title, got %q", summaries[0].ObjectiveTitle)
	}
	if summaries[0].ObjectiveSteps != 2 {
		t.Errorf("Expected 2 objective steps, got %d", summaries[0].ObjectiveSteps)
	}
}

func TestDeleteConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "user-1")
	if err := svc.DeleteConversation(ctx, conv.ID, "user-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected not-found for foreign delete, got %v", err)
	}
	if err := svc.DeleteConversation(ctx, conv.ID, "user-1"); err != nil {
		t.Fatalf("Failed to delete conversation: %v", err)
	}
	if _, err := svc.GetConversation(ctx, conv.ID, "user-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected conversation gone, got %v", err)
	}
}
