package pipeline

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dkoval/questline/internal/chat"
	"github.com/dkoval/questline/internal/config"
	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/identity"
	"github.com/dkoval/questline/internal/skilltree"
	"github.com/dkoval/questline/internal/store"
)

// maxRequestBodySize bounds inbound JSON bodies (1MB).
const maxRequestBodySize = 1 << 20

// Notifier delivers a reconciled reply to out-of-band listeners, such as
// the WebSocket relay. Returns the number of connections reached.
type Notifier interface {
	Notify(conversationID string, data any) int
}

// Handler wires the async delivery pipeline's HTTP surface: chat
// dispatch, the inbound callback, and the SSE reconciliation channels.
type Handler struct {
	chat         *chat.Service
	engine       *skilltree.Engine
	repo         store.Repository
	dispatcher   *Dispatcher
	correlations *CorrelationTable
	streams      *StreamRegistry
	relay        Notifier
	cfg          config.PipelineConfig
}

// NewHandler creates the pipeline handler. relay may be nil when the
// WebSocket relay is not running.
func NewHandler(
	chatSvc *chat.Service,
	engine *skilltree.Engine,
	repo store.Repository,
	dispatcher *Dispatcher,
	correlations *CorrelationTable,
	streams *StreamRegistry,
	relay Notifier,
	cfg config.PipelineConfig,
) *Handler {
	return &Handler{
		chat:         chatSvc,
		engine:       engine,
		repo:         repo,
		dispatcher:   dispatcher,
		correlations: correlations,
		streams:      streams,
		relay:        relay,
		cfg:          cfg,
	}
}

func identityUserID(r *http.Request) string {
	return identity.UserIDFromContext(r.Context())
}

func httpError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// ChatRequest is the inbound body for POST /api/ai/chat.
type ChatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
	ObjectiveType  string `json:"objectiveType,omitempty"`
}

// HandleChat persists the user message, fires the webhook, and returns
// immediately with a processing acknowledgement. Dispatch failures are
// never surfaced here; the client watches a reconciliation channel.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identityUserID(r)
	if userID == "" {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := h.chat.CreateConversation(ctx, userID)
		if err != nil {
			slog.Error("Failed to create conversation", "error", err, "user_id", userID)
			httpError(w, http.StatusInternalServerError, "failed to create conversation")
			return
		}
		conversationID = conv.ID
	}

	messageID, conv, err := h.chat.AppendUserMessage(ctx, conversationID, userID, req.Message)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httpError(w, http.StatusNotFound, "conversation not found")
			return
		}
		slog.Error("Failed to append user message", "error", err, "conversation_id", conversationID)
		httpError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	user, err := h.repo.GetUser(ctx, userID)
	if err != nil {
		slog.Warn("User lookup failed for webhook context", "error", err, "user_id", userID)
	}

	h.correlations.Register(messageID, conversationID, userID)
	h.dispatcher.Dispatch(h.dispatcher.BuildPayload(conv, user, messageID, req.Message, req.ObjectiveType))

	slog.Info("Chat dispatched",
		"conversation_id", conversationID, "message_id", messageID, "user_id", userID)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"conversationId": conversationID,
		"messageId":      messageID,
		"status":         "processing",
	})
}

// CallbackRequest is the inbound body for POST /api/ai/webhook, sent by
// the AI workflow when a reply is ready.
type CallbackRequest struct {
	MessageID      string                 `json:"messageId"`
	ConversationID string                 `json:"conversationId"`
	Content        string                 `json:"content"`
	IsFinal        bool                   `json:"isFinal"`
	Objective      *domain.SkillTreeDraft `json:"objective,omitempty"`
}

// HandleCallback receives the asynchronous AI reply, appends it to the
// conversation, materializes an objective when one is attached, and
// notifies every reconciliation channel with a listener for the pair.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid callback body")
		return
	}
	if req.Content == "" && req.Objective == nil {
		httpError(w, http.StatusBadRequest, "content is required")
		return
	}

	// Resolve missing context through the correlation side-table, falling
	// back to the persisted pending-message id when the entry is gone
	// (process restart, TTL expiry).
	ctx := r.Context()
	conversationID := req.ConversationID
	userID := ""
	if entry, ok := h.correlations.Resolve(req.MessageID); ok {
		if conversationID == "" {
			conversationID = entry.ConversationID
		}
		userID = entry.UserID
	}
	if conversationID == "" && req.MessageID != "" {
		conv, err := h.repo.GetConversationByCorrelation(ctx, req.MessageID)
		if err != nil {
			slog.Warn("Correlation fallback lookup failed", "error", err, "message_id", req.MessageID)
		} else if conv != nil {
			conversationID = conv.ID
			userID = conv.UserID
		}
	}
	if conversationID == "" {
		httpError(w, http.StatusNotFound, "unknown correlation")
		return
	}
	conv, err := h.chat.AppendAssistantMessage(ctx, conversationID, req.Content, req.IsFinal)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httpError(w, http.StatusNotFound, "conversation not found")
			return
		}
		slog.Error("Failed to append assistant message", "error", err, "conversation_id", conversationID)
		httpError(w, http.StatusInternalServerError, "failed to persist reply")
		return
	}
	if userID == "" {
		userID = conv.UserID
	}

	var objectiveID string
	if req.Objective != nil {
		obj, err := h.engine.MaterializeObjective(ctx, userID, conversationID, *req.Objective)
		if err != nil {
			slog.Error("Failed to materialize objective",
				"error", err, "conversation_id", conversationID, "user_id", userID)
		} else {
			objectiveID = obj.ID
			if err := h.chat.LinkObjective(ctx, conversationID, obj.ID); err != nil {
				slog.Warn("Failed to link objective to conversation",
					"error", err, "conversation_id", conversationID, "objective_id", obj.ID)
			}
		}
	}

	if req.IsFinal {
		h.correlations.Remove(req.MessageID)
	}

	ev := Event{Type: "message", Content: req.Content}
	if req.IsFinal {
		ev.Type = "complete"
	}
	pushed := h.streams.Notify(conversationID, req.MessageID, ev)

	relayed := 0
	if h.relay != nil {
		relayed = h.relay.Notify(conversationID, map[string]any{
			"type":        ev.Type,
			"content":     req.Content,
			"messageId":   req.MessageID,
			"objectiveId": objectiveID,
			"isFinal":     req.IsFinal,
		})
	}

	slog.Info("Callback reconciled",
		"conversation_id", conversationID,
		"message_id", req.MessageID,
		"is_final", req.IsFinal,
		"objective_id", objectiveID,
		"sse_pushed", pushed,
		"relay_connections", relayed,
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "received",
		"objectiveId": objectiveID,
	})
}
