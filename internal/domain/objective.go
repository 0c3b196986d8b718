package domain

import (
	"math"
	"time"
)

// SkillNode is a single step in an objective's dependency graph.
type SkillNode struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	XPReward     int      `json:"xp_reward"`
	Dependencies []string `json:"dependencies"`
	Completed    bool     `json:"completed"`
	Unlocked     bool     `json:"unlocked"`
}

// SkillEdge is a rendered dependency edge between two nodes.
type SkillEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SkillTree is a directed acyclic dependency graph of steps.
type SkillTree struct {
	Nodes []SkillNode `json:"nodes"`
	Edges []SkillEdge `json:"edges,omitempty"`
}

// Node returns a pointer to the node with the given id, or nil.
func (t *SkillTree) Node(id string) *SkillNode {
	for i := range t.Nodes {
		if t.Nodes[i].ID == id {
			return &t.Nodes[i]
		}
	}
	return nil
}

// CompletedCount returns the number of completed nodes.
func (t *SkillTree) CompletedCount() int {
	n := 0
	for i := range t.Nodes {
		if t.Nodes[i].Completed {
			n++
		}
	}
	return n
}

// CompletedXP returns the XP sum over completed nodes.
func (t *SkillTree) CompletedXP() int {
	xp := 0
	for i := range t.Nodes {
		if t.Nodes[i].Completed {
			xp += t.Nodes[i].XPReward
		}
	}
	return xp
}

// Progress returns the completion percentage, 0 for an empty tree.
func (t *SkillTree) Progress() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	return int(math.Round(100 * float64(t.CompletedCount()) / float64(len(t.Nodes))))
}

// Objective represents a user goal decomposed into a skill tree.
type Objective struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Category       string    `json:"category,omitempty"`
	Difficulty     string    `json:"difficulty,omitempty"`
	SkillTree      SkillTree `json:"skill_tree"`
	Progress       int       `json:"progress"`
	CompletedSteps int       `json:"completed_steps"`
	TotalXP        int       `json:"total_xp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Recompute refreshes the progress, completed-step, and XP aggregates
// from the current node state.
func (o *Objective) Recompute() {
	o.CompletedSteps = o.SkillTree.CompletedCount()
	o.Progress = o.SkillTree.Progress()
	o.TotalXP = o.SkillTree.CompletedXP()
}

// SkillTreeDraft is the raw tree shape delivered by the AI workflow
// before it is materialized into a stored objective.
type SkillTreeDraft struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Category    string      `json:"category,omitempty"`
	Difficulty  string      `json:"difficulty,omitempty"`
	Nodes       []SkillNode `json:"nodes"`
	Edges       []SkillEdge `json:"edges,omitempty"`
}
