package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkoval/questline/internal/chat"
	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/identity"
	"github.com/dkoval/questline/internal/skilltree"
	"github.com/dkoval/questline/internal/store"
	"github.com/go-chi/chi/v5"
)

type testAPI struct {
	router http.Handler
	repo   store.Repository
}

func newTestAPI(t *testing.T) *testAPI {
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

	handler := NewHandler(repo, chat.NewService(repo), skilltree.NewEngine(repo))
	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return &testAPI{router: router, repo: repo}
}

func (a *testAPI) do(t *testing.T, method, path, userID string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(identity.WithIdentity(req.Context(), userID, domain.ClassFree))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func seedUser(t *testing.T, repo store.Repository, id string) {
	t.Helper()

	now := time.Now()
	user := &domain.User{ID: id, Name: "Tester", CreatedAt: now, UpdatedAt: now}
	if err := repo.UpsertUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
}

func seedObjective(t *testing.T, repo store.Repository, userID string) {
	t.Helper()

	now := time.Now()
	obj := &domain.Objective{
		ID:     "obj-1",
		UserID: userID,
		Title:  "Learn to juggle",
		SkillTree: domain.SkillTree{Nodes: []domain.SkillNode{
			{ID: "one", Title: "One ball", XPReward: 10, Unlocked: true},
			{ID: "two", Title: "Two balls", XPReward: 20, Dependencies: []string{"one"}},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	obj.Recompute()
	if err := repo.UpsertObjective(context.Background(), obj); err != nil {
		t.Fatalf("Failed to seed objective: %v", err)
	}
}

func TestConversationLifecycle(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/conversations", "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var conv domain.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("Failed to decode conversation: %v", err)
	}
	if conv.Status != domain.ConversationStatusNew {
		t.Errorf("Expected new status, got %s", conv.Status)
	}

	rec = a.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "user-1")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on get, got %d", rec.Code)
	}

	// Foreign reads look like missing resources.
	rec = a.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "user-2")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign conversation, got %d", rec.Code)
	}

	rec = a.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "user-1")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on delete, got %d", rec.Code)
	}
	rec = a.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "user-1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rec.Code)
	}
}

func TestListConversationsEmpty(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/conversations", "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string][]domain.ConversationSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp["conversations"]) != 0 {
		t.Errorf("Expected empty list, got %d", len(resp["conversations"]))
	}
}

func TestCompleteStepEndpoint(t *testing.T) {
	a := newTestAPI(t)
	seedUser(t, a.repo, "user-1")
	seedObjective(t, a.repo, "user-1")

	rec := a.do(t, http.MethodPost, "/api/objectives/obj-1/steps/one/complete", "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result skilltree.CompleteResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.Progress != 50 {
		t.Errorf("Expected progress 50, got %d", result.Progress)
	}
	if len(result.NewlyUnlocked) != 1 || result.NewlyUnlocked[0] != "two" {
		t.Errorf("Expected step two unlocked, got %v", result.NewlyUnlocked)
	}

	// Completing the same step again conflicts.
	rec = a.do(t, http.MethodPost, "/api/objectives/obj-1/steps/one/complete", "user-1")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 on re-completion, got %d", rec.Code)
	}

	// Unknown steps and foreign objectives are both 404.
	rec = a.do(t, http.MethodPost, "/api/objectives/obj-1/steps/zzz/complete", "user-1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown step, got %d", rec.Code)
	}
	rec = a.do(t, http.MethodPost, "/api/objectives/obj-1/steps/two/complete", "user-2")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign objective, got %d", rec.Code)
	}
}

func TestUnlockStepEndpoint(t *testing.T) {
	a := newTestAPI(t)
	seedUser(t, a.repo, "user-1")
	seedObjective(t, a.repo, "user-1")

	rec := a.do(t, http.MethodPost, "/api/objectives/obj-1/steps/two/unlock", "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	obj, err := a.repo.GetObjective(context.Background(), "obj-1")
	if err != nil {
		t.Fatalf("Failed to reload objective: %v", err)
	}
	if !obj.SkillTree.Node("two").Unlocked {
		t.Error("Expected step two unlocked")
	}

	rec = a.do(t, http.MethodPost, "/api/objectives/obj-1/steps/two/unlock?unlocked=false", "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on re-lock, got %d", rec.Code)
	}
	obj, _ = a.repo.GetObjective(context.Background(), "obj-1")
	if obj.SkillTree.Node("two").Unlocked {
		t.Error("Expected step two locked again")
	}
}

func TestGetMe(t *testing.T) {
	a := newTestAPI(t)
	seedUser(t, a.repo, "user-1")

	rec := a.do(t, http.MethodGet, "/api/users/me", "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var user domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("Failed to decode user: %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("Expected user-1, got %s", user.ID)
	}

	rec = a.do(t, http.MethodGet, "/api/users/me", "user-unknown")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown user, got %d", rec.Code)
	}
}

func TestDeleteMeCascades(t *testing.T) {
	a := newTestAPI(t)
	seedUser(t, a.repo, "user-1")
	seedObjective(t, a.repo, "user-1")

	ctx := context.Background()
	conv := &domain.Conversation{
		ID:       "conv-1",
		UserID:   "user-1",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi", Timestamp: time.Now()}},
		Status:   domain.ConversationStatusWaiting,
	}
	if err := a.repo.UpsertConversation(ctx, conv); err != nil {
		t.Fatalf("Failed to seed conversation: %v", err)
	}

	rec := a.do(t, http.MethodDelete, "/api/users/me", "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["conversations"].(float64) != 1 || resp["objectives"].(float64) != 1 {
		t.Errorf("Expected cascade counts 1/1, got %v", resp)
	}

	if user, _ := a.repo.GetUser(ctx, "user-1"); user != nil {
		t.Error("Expected user gone")
	}
	if c, _ := a.repo.GetConversation(ctx, "conv-1"); c != nil {
		t.Error("Expected conversation gone")
	}
	if o, _ := a.repo.GetObjective(ctx, "obj-1"); o != nil {
		t.Error("Expected objective gone")
	}
}
