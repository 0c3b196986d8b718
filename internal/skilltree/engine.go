// Package skilltree maintains the dependency-graph invariants over an
// objective's steps: completion, cascade unlock, and XP aggregation.
package skilltree

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/store"
	"github.com/google/uuid"
)

// Engine runs the skill-tree state machine against stored objectives.
type Engine struct {
	repo store.Repository
	now  func() time.Time
}

// NewEngine creates a skill tree engine.
func NewEngine(repo store.Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// CompleteResult reports the aggregates after a step completion.
type CompleteResult struct {
	Progress       int      `json:"progress"`
	TotalXP        int      `json:"total_xp"`
	NewlyUnlocked  []string `json:"newly_unlocked"`
	CompletedSteps int      `json:"completed_steps"`
}

func (e *Engine) ownedObjective(ctx context.Context, objectiveID, userID string) (*domain.Objective, error) {
	obj, err := e.repo.GetObjective(ctx, objectiveID)
	if err != nil {
		return nil, fmt.Errorf("get objective: %w", err)
	}
	if obj == nil || obj.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return obj, nil
}

// CompleteStep marks a step completed, cascade-unlocks dependents, and
// recomputes the objective aggregates in a single document update.
//
// Cascade policy: only nodes whose dependency list is exactly the single
// completed step are unlocked here. Nodes with multiple dependencies are
// never re-evaluated by this path; clients use UnlockStep for those.
func (e *Engine) CompleteStep(ctx context.Context, objectiveID, stepID, userID string) (*CompleteResult, error) {
	obj, err := e.ownedObjective(ctx, objectiveID, userID)
	if err != nil {
		return nil, err
	}

	node := obj.SkillTree.Node(stepID)
	if node == nil {
		return nil, domain.ErrNotFound
	}
	if node.Completed {
		return nil, fmt.Errorf("step %s already completed: %w", stepID, domain.ErrConflict)
	}

	node.Completed = true

	var newlyUnlocked []string
	for i := range obj.SkillTree.Nodes {
		n := &obj.SkillTree.Nodes[i]
		if n.Unlocked {
			continue
		}
		if len(n.Dependencies) == 1 && n.Dependencies[0] == stepID {
			n.Unlocked = true
			newlyUnlocked = append(newlyUnlocked, n.ID)
		}
	}

	wasComplete := obj.Progress >= 100
	obj.Recompute()
	obj.UpdatedAt = e.now()

	if err := e.repo.UpsertObjective(ctx, obj); err != nil {
		return nil, fmt.Errorf("persist step completion: %w", err)
	}

	e.creditUser(ctx, userID, node.XPReward, !wasComplete && obj.Progress >= 100)

	return &CompleteResult{
		Progress:       obj.Progress,
		TotalXP:        obj.TotalXP,
		NewlyUnlocked:  newlyUnlocked,
		CompletedSteps: obj.CompletedSteps,
	}, nil
}

// creditUser increments the owner's gamification counters. The user write
// is a separate document from the objective; a failure here is logged and
// tolerated rather than rolling back the completed step.
func (e *Engine) creditUser(ctx context.Context, userID string, xp int, objectiveCompleted bool) {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil || user == nil {
		slog.Warn("failed to load user for stat credit", "user_id", userID, "error", err)
		return
	}

	user.Stats.TotalXP += xp
	user.Stats.CompletedSteps++
	if objectiveCompleted {
		user.Stats.GoalsCompleted++
	}
	user.Stats.RecordActivity(e.now())
	user.UpdatedAt = e.now()

	if err := e.repo.UpsertUser(ctx, user); err != nil {
		slog.Warn("failed to persist user stats", "user_id", userID, "error", err)
	}
}

// UnlockStep explicitly toggles a step's unlocked flag, with the same
// ownership checks as CompleteStep.
func (e *Engine) UnlockStep(ctx context.Context, objectiveID, stepID, userID string, unlocked bool) error {
	obj, err := e.ownedObjective(ctx, objectiveID, userID)
	if err != nil {
		return err
	}

	node := obj.SkillTree.Node(stepID)
	if node == nil {
		return domain.ErrNotFound
	}

	node.Unlocked = unlocked
	obj.UpdatedAt = e.now()

	if err := e.repo.UpsertObjective(ctx, obj); err != nil {
		return fmt.Errorf("persist unlock: %w", err)
	}
	return nil
}

// MaterializeObjective persists an AI-generated skill tree as a new
// objective: roots (empty dependency list) start unlocked, progress zero.
func (e *Engine) MaterializeObjective(ctx context.Context, userID, conversationID string, draft domain.SkillTreeDraft) (*domain.Objective, error) {
	if draft.Title == "" || len(draft.Nodes) == 0 {
		return nil, fmt.Errorf("skill tree draft requires a title and nodes: %w", domain.ErrValidation)
	}

	nodes := make([]domain.SkillNode, len(draft.Nodes))
	copy(nodes, draft.Nodes)
	for i := range nodes {
		nodes[i].Completed = false
		nodes[i].Unlocked = len(nodes[i].Dependencies) == 0
	}

	now := e.now()
	obj := &domain.Objective{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          draft.Title,
		Description:    draft.Description,
		Category:       draft.Category,
		Difficulty:     draft.Difficulty,
		SkillTree:      domain.SkillTree{Nodes: nodes, Edges: draft.Edges},
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	obj.Recompute()

	if err := e.repo.UpsertObjective(ctx, obj); err != nil {
		return nil, fmt.Errorf("persist objective: %w", err)
	}

	if user, err := e.repo.GetUser(ctx, userID); err == nil && user != nil {
		user.Stats.GoalsCreated++
		user.Stats.TotalSteps += len(nodes)
		user.UpdatedAt = now
		if err := e.repo.UpsertUser(ctx, user); err != nil {
			slog.Warn("failed to update goal counters", "user_id", userID, "error", err)
		}
	}

	return obj, nil
}

// GetObjective returns an objective owned by the user.
func (e *Engine) GetObjective(ctx context.Context, objectiveID, userID string) (*domain.Objective, error) {
	return e.ownedObjective(ctx, objectiveID, userID)
}

// ListObjectives returns the user's objectives, newest first.
func (e *Engine) ListObjectives(ctx context.Context, userID string) ([]*domain.Objective, error) {
	objs, err := e.repo.ListObjectives(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	return objs, nil
}

// DeleteObjective removes an objective owned by the user.
func (e *Engine) DeleteObjective(ctx context.Context, objectiveID, userID string) error {
	if _, err := e.ownedObjective(ctx, objectiveID, userID); err != nil {
		return err
	}
	if err := e.repo.DeleteObjective(ctx, objectiveID); err != nil {
		return fmt.Errorf("delete objective: %w", err)
	}
	return nil
}
