package pipeline

import (
	"testing"
	"time"
)

func TestCorrelationResolve(t *testing.T) {
	table := NewCorrelationTable(5 * time.Minute)

	table.Register("msg-1", "conv-1", "user-1")

	entry, ok := table.Resolve("msg-1")
	if !ok {
		t.Fatal("Expected correlation to resolve")
	}
	if entry.ConversationID != "conv-1" || entry.UserID != "user-1" {
		t.Errorf("Unexpected entry: %+v", entry)
	}

	if _, ok := table.Resolve("msg-unknown"); ok {
		t.Error("Expected unknown message id to miss")
	}
}

func TestCorrelationExpiry(t *testing.T) {
	table := NewCorrelationTable(5 * time.Minute)
	now := time.Now()
	table.now = func() time.Time { return now }

	table.Register("msg-1", "conv-1", "user-1")
	now = now.Add(6 * time.Minute)

	if _, ok := table.Resolve("msg-1"); ok {
		t.Error("Expected expired entry to miss")
	}
	if table.Len() != 0 {
		t.Errorf("Expected expired entry purged on resolve, len=%d", table.Len())
	}
}

func TestCorrelationRemove(t *testing.T) {
	table := NewCorrelationTable(5 * time.Minute)

	table.Register("msg-1", "conv-1", "user-1")
	table.Remove("msg-1")

	if _, ok := table.Resolve("msg-1"); ok {
		t.Error("Expected removed entry to miss")
	}
}

func TestCorrelationSweep(t *testing.T) {
	table := NewCorrelationTable(5 * time.Minute)
	now := time.Now()
	table.now = func() time.Time { return now }

	table.Register("old", "conv-1", "user-1")
	now = now.Add(6 * time.Minute)
	table.Register("fresh", "conv-2", "user-2")

	if removed := table.sweep(); removed != 1 {
		t.Errorf("Expected 1 entry swept, got %d", removed)
	}
	if table.Len() != 1 {
		t.Errorf("Expected 1 live entry, got %d", table.Len())
	}
	if _, ok := table.Resolve("fresh"); !ok {
		t.Error("Expected fresh entry to survive the sweep")
	}
}
