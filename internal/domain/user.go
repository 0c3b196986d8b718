package domain

import (
	"time"
)

// Subscription plans and identity classes.
const (
	PlanFree    = "free"
	PlanPremium = "premium"

	ClassAnon    = "anon"
	ClassFree    = "free"
	ClassPremium = "premium"
)

// UserStats aggregates a user's gamification counters.
type UserStats struct {
	GoalsCreated   int       `json:"goals_created"`
	GoalsCompleted int       `json:"goals_completed"`
	TotalSteps     int       `json:"total_steps"`
	CompletedSteps int       `json:"completed_steps"`
	TotalXP        int       `json:"total_xp"`
	StreakDays     int       `json:"streak_days"`
	LongestStreak  int       `json:"longest_streak"`
	LastActivity   time.Time `json:"last_activity"`
}

// RecordActivity updates the daily streak: same calendar day keeps the
// streak, the next day extends it, anything older restarts at one.
func (s *UserStats) RecordActivity(now time.Time) {
	today := now.UTC().Truncate(24 * time.Hour)
	last := s.LastActivity.UTC().Truncate(24 * time.Hour)

	switch {
	case s.LastActivity.IsZero() || today.Sub(last) > 24*time.Hour:
		s.StreakDays = 1
	case today.Sub(last) == 24*time.Hour:
		s.StreakDays++
	}
	if s.StreakDays > s.LongestStreak {
		s.LongestStreak = s.StreakDays
	}
	s.LastActivity = now
}

// Subscription holds the billing state written by the payment collaborator.
type Subscription struct {
	Plan   string `json:"plan"`
	Status string `json:"status,omitempty"`
}

// Preferences stores client-side settings the API round-trips untouched.
type Preferences map[string]any

// User represents an account, either registered or derived from an
// anonymous fingerprint.
type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email,omitempty"`
	Name         string       `json:"name,omitempty"`
	Stats        UserStats    `json:"stats"`
	Subscription Subscription `json:"subscription"`
	Preferences  Preferences  `json:"preferences,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Class maps the subscription plan to a rate-limit class. Anonymous
// visitors are classed at identity resolution, not here.
func (u *User) Class() string {
	if u.Subscription.Plan == PlanPremium {
		return ClassPremium
	}
	return ClassFree
}
