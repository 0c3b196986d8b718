// Package pipeline bridges synchronous client requests to the
// out-of-process AI workflow and reconciles its asynchronous replies back
// to waiting clients.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// Correlation resolves which conversation and user an eventual AI reply
// belongs to when the callback payload omits context.
type Correlation struct {
	ConversationID string
	UserID         string
	CreatedAt      time.Time
}

// CorrelationTable is the ephemeral side-table of outstanding requests,
// keyed by message id. Entries expire after a fixed TTL and are swept by
// a background goroutine.
type CorrelationTable struct {
	mu      sync.Mutex
	entries map[string]Correlation
	ttl     time.Duration
	now     func() time.Time
}

// NewCorrelationTable creates a correlation table with the given TTL.
func NewCorrelationTable(ttl time.Duration) *CorrelationTable {
	return &CorrelationTable{
		entries: make(map[string]Correlation),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register records an outstanding request.
func (t *CorrelationTable) Register(messageID, conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[messageID] = Correlation{
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      t.now(),
	}
}

// Resolve returns the correlation for a message id if it exists and has
// not expired.
func (t *CorrelationTable) Resolve(messageID string) (Correlation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[messageID]
	if !ok {
		return Correlation{}, false
	}
	if t.now().Sub(entry.CreatedAt) > t.ttl {
		delete(t.entries, messageID)
		return Correlation{}, false
	}
	return entry, true
}

// Remove deletes a resolved entry.
func (t *CorrelationTable) Remove(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, messageID)
}

// Len returns the number of live entries.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// StartSweep runs a background goroutine that garbage-collects expired
// entries until the context is cancelled.
func (t *CorrelationTable) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("Correlation sweep shutting down", "reason", ctx.Err())
				return
			case <-ticker.C:
				if removed := t.sweep(); removed > 0 {
					slog.Debug("Correlation sweep removed expired entries", "count", removed)
				}
			}
		}
	}()
}

func (t *CorrelationTable) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	removed := 0
	for id, entry := range t.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}
