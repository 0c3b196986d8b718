package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dkoval/questline/internal/domain"
)

// Event is the SSE payload shape pushed to waiting clients.
type Event struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	IsThinking bool   `json:"isThinking,omitempty"`
	Message    string `json:"message,omitempty"`
}

func streamKey(conversationID, messageID string) string {
	return conversationID + ":" + messageID
}

// StreamRegistry maps an outstanding (conversation, message) pair to its
// open SSE stream so the callback handler can push the reply without
// waiting for the next poll tick.
type StreamRegistry struct {
	mu      sync.Mutex
	handles map[string]chan Event
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{handles: make(map[string]chan Event)}
}

// Register opens a push channel for the pair and returns it with an
// unregister func the connection must defer. Registering over an existing
// handle replaces it; the previous connection falls back to polling.
func (r *StreamRegistry) Register(conversationID, messageID string) (<-chan Event, func()) {
	key := streamKey(conversationID, messageID)
	ch := make(chan Event, 8)

	r.mu.Lock()
	r.handles[key] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		if current, ok := r.handles[key]; ok && current == ch {
			delete(r.handles, key)
		}
		r.mu.Unlock()
	}
}

// Notify pushes an event to the stream waiting on the pair, if any. The
// send is non-blocking; a full buffer drops the push and the poll loop
// picks the state up on its next tick.
func (r *StreamRegistry) Notify(conversationID, messageID string, ev Event) bool {
	r.mu.Lock()
	ch, ok := r.handles[streamKey(conversationID, messageID)]
	r.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- ev:
		return true
	default:
		slog.Debug("SSE push buffer full, relying on poll",
			"conversation_id", conversationID, "message_id", messageID)
		return false
	}
}

// ActiveStreams returns the number of open stream handles.
func (r *StreamRegistry) ActiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func writeSSE(w io.Writer, event string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode SSE data: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, encoded)
	return err
}

// HandleSSE serves GET /api/ai/sse?conversationId&messageId: a long-lived
// one-way stream that resolves when the correlated AI reply lands. The
// reply is detected either by a push from the callback handler or by
// re-reading the conversation every poll tick. The stream is capped at
// the correlation TTL; expiry surfaces as an error event.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	userID := identityUserID(r)
	conversationID := r.URL.Query().Get("conversationId")
	messageID := r.URL.Query().Get("messageId")
	if conversationID == "" || messageID == "" {
		httpError(w, http.StatusBadRequest, "conversationId and messageId are required")
		return
	}

	conv, err := h.chat.GetConversation(r.Context(), conversationID, userID)
	if err != nil {
		httpError(w, http.StatusNotFound, "conversation not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	push, unregister := h.streams.Register(conversationID, messageID)
	defer unregister()

	if err := writeSSE(w, "connected", Event{Type: "connected"}); err != nil {
		return
	}
	flusher.Flush()

	slog.Info("SSE stream opened",
		"conversation_id", conversationID, "message_id", messageID, "user_id", userID)

	// Completed before the stream opened: emit and close immediately.
	if done, ev := replyEvent(conv); done {
		h.finishSSE(w, flusher, conversationID, messageID, ev)
		return
	}

	poll := time.NewTicker(h.cfg.PollInterval)
	defer poll.Stop()
	deadline := time.NewTimer(h.cfg.CorrelationTTL)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE client disconnected",
				"conversation_id", conversationID, "message_id", messageID)
			return

		case ev := <-push:
			if ev.Type == "complete" {
				h.finishSSE(w, flusher, conversationID, messageID, ev)
				return
			}
			if err := writeSSE(w, "message", ev); err != nil {
				return
			}
			flusher.Flush()

		case <-poll.C:
			conv, err := h.chat.GetConversation(r.Context(), conversationID, userID)
			if err != nil {
				_ = writeSSE(w, "error", Event{Type: "error", Message: "conversation read failed"})
				flusher.Flush()
				return
			}
			if done, ev := replyEvent(conv); done {
				h.finishSSE(w, flusher, conversationID, messageID, ev)
				return
			}
			if err := writeSSE(w, "message", Event{Type: "thinking", IsThinking: true}); err != nil {
				return
			}
			flusher.Flush()

		case <-deadline.C:
			slog.Warn("SSE stream expired without a reply",
				"conversation_id", conversationID, "message_id", messageID)
			_ = writeSSE(w, "error", Event{Type: "error", Message: "reply timed out"})
			flusher.Flush()
			return
		}
	}
}

func (h *Handler) finishSSE(w http.ResponseWriter, flusher http.Flusher, conversationID, messageID string, ev Event) {
	if err := writeSSE(w, "complete", ev); err != nil {
		slog.Warn("failed to write SSE complete event",
			"error", err, "conversation_id", conversationID)
		return
	}
	flusher.Flush()
	h.correlations.Remove(messageID)
	slog.Info("SSE stream completed",
		"conversation_id", conversationID, "message_id", messageID)
}

// replyEvent reports whether the conversation holds a finished AI reply
// and builds the completion event from its last assistant message.
func replyEvent(conv *domain.Conversation) (bool, Event) {
	if conv.Status != domain.ConversationStatusCompleted {
		return false, Event{}
	}
	last := conv.LastMessage()
	if last == nil || last.Role != domain.RoleAssistant {
		return false, Event{}
	}
	return true, Event{Type: "complete", Content: last.Content}
}
