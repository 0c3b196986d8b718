// Package relay provides the WebSocket reconciliation channel: an
// always-on socket server that groups connections by conversation and
// broadcasts AI replies pushed to it by the callback handler.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const defaultHeartbeat = 30 * time.Second

// Relay manages active WebSocket connections grouped by conversation id.
type Relay struct {
	mu        sync.RWMutex
	groups    map[string]map[*websocket.Conn]struct{}
	heartbeat time.Duration
}

// New creates a relay. A zero heartbeat falls back to the default.
func New(heartbeat time.Duration) *Relay {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Relay{
		groups:    make(map[string]map[*websocket.Conn]struct{}),
		heartbeat: heartbeat,
	}
}

func (rl *Relay) register(conversationID string, conn *websocket.Conn) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if _, exists := rl.groups[conversationID]; !exists {
		rl.groups[conversationID] = make(map[*websocket.Conn]struct{})
	}
	rl.groups[conversationID][conn] = struct{}{}
	slog.Info("Relay connection registered", "conversation_id", conversationID)
}

func (rl *Relay) unregister(conversationID string, conn *websocket.Conn) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if conns, ok := rl.groups[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(rl.groups, conversationID)
		}
		slog.Info("Relay connection unregistered", "conversation_id", conversationID)
	}
}

// Notify broadcasts data to every connection in the conversation's group
// and returns how many were reached. Unknown group is a no-op.
func (rl *Relay) Notify(conversationID string, data any) int {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to encode relay payload", "error", err, "conversation_id", conversationID)
		return 0
	}

	rl.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(rl.groups[conversationID]))
	for conn := range rl.groups[conversationID] {
		conns = append(conns, conn)
	}
	rl.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			slog.Debug("Relay write failed", "error", err, "conversation_id", conversationID)
		} else {
			sent++
		}
		cancel()
	}
	return sent
}

// Counts returns the number of groups and total connections.
func (rl *Relay) Counts() (groups int, connections int) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	for _, conns := range rl.groups {
		connections += len(conns)
	}
	return len(rl.groups), connections
}

type wsFrame struct {
	Type string `json:"type"`
}

// ServeWS upgrades the connection and joins it to its conversation group
// until the client disconnects. There is no server-side timeout; cleanup
// is disconnect-driven.
func (rl *Relay) ServeWS(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		http.Error(w, `{"error":"conversationId is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept relay WebSocket", "error", err, "conversation_id", conversationID)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "relay closed"); closeErr != nil {
			slog.Debug("Failed to close relay socket", "error", closeErr)
		}
	}()

	rl.register(conversationID, conn)
	defer rl.unregister(conversationID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := rl.writeJSON(ctx, conn, map[string]string{"type": "connected", "conversationId": conversationID}); err != nil {
		return
	}

	// Heartbeats keep idle sockets alive through intermediaries.
	go func() {
		ticker := time.NewTicker(rl.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(ctx); err != nil {
					slog.Debug("Relay heartbeat failed", "error", err, "conversation_id", conversationID)
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Relay socket closed by client", "conversation_id", conversationID)
			} else if ctx.Err() == nil {
				slog.Warn("Relay socket read error", "error", err, "conversation_id", conversationID)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			if err := rl.writeJSON(ctx, conn, map[string]string{"type": "pong"}); err != nil {
				return
			}
		}
	}
}

func (rl *Relay) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// NotifyRequest is the body of the internal POST /notify endpoint.
type NotifyRequest struct {
	ConversationID string          `json:"conversationId"`
	Data           json.RawMessage `json:"data"`
}

// HandleNotify is the HTTP-only internal entry point used by the callback
// handler to broadcast a reply into a conversation's group.
func (rl *Relay) HandleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid notify body"}`, http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		http.Error(w, `{"error":"conversationId is required"}`, http.StatusBadRequest)
		return
	}

	sent := rl.Notify(req.ConversationID, req.Data)
	w.Header().Set("Content-Type", "application/json")
	if sent == 0 {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "no_active_connection", "delivered": 0})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "delivered", "delivered": sent})
}

// HandleStatus reports group and connection counts.
func (rl *Relay) HandleStatus(w http.ResponseWriter, r *http.Request) {
	groups, connections := rl.Counts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"groups":      groups,
		"connections": connections,
	})
}

// Routes returns the relay's HTTP surface: the WebSocket upgrade at the
// root plus the internal notify/status endpoints.
func (rl *Relay) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", rl.ServeWS)
	r.Post("/notify", rl.HandleNotify)
	r.Get("/status", rl.HandleStatus)
	return r
}
