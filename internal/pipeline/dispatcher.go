package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dkoval/questline/internal/domain"
)

// WebhookContext carries recent conversation history to the AI workflow.
type WebhookContext struct {
	UserName         string           `json:"userName,omitempty"`
	UserEmail        string           `json:"userEmail,omitempty"`
	PreviousMessages []domain.Message `json:"previousMessages"`
	IsFirstMessage   bool             `json:"isFirstMessage"`
}

// WebhookPayload is the outbound request body sent to the AI workflow.
type WebhookPayload struct {
	MessageID      string         `json:"messageId"`
	UserID         string         `json:"userId"`
	Message        string         `json:"message"`
	ConversationID string         `json:"conversationId"`
	ObjectiveType  string         `json:"objectiveType,omitempty"`
	MessageCount   int            `json:"messageCount"`
	CallbackURL    string         `json:"callbackUrl"`
	Context        WebhookContext `json:"context"`
}

// Dispatcher issues fire-and-forget calls to the AI workflow webhook.
type Dispatcher struct {
	client       *http.Client
	webhookURL   string
	callbackURL  string
	historyLimit int
}

// NewDispatcher creates a dispatcher for the configured webhook endpoint.
// An empty webhookURL disables dispatch; calls are logged and dropped.
func NewDispatcher(webhookURL, callbackBase string, historyLimit int, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client:       &http.Client{Timeout: timeout},
		webhookURL:   webhookURL,
		callbackURL:  callbackBase + "/api/ai/webhook",
		historyLimit: historyLimit,
	}
}

// BuildPayload assembles the webhook body for a freshly appended user
// message. The appended message is the last entry in the conversation, so
// the context history excludes it.
func (d *Dispatcher) BuildPayload(conv *domain.Conversation, user *domain.User, messageID, message, objectiveType string) WebhookPayload {
	history := conv.Messages
	if len(history) > 0 {
		history = history[:len(history)-1]
	}
	if len(history) > d.historyLimit {
		history = history[len(history)-d.historyLimit:]
	}
	if history == nil {
		history = []domain.Message{}
	}

	payload := WebhookPayload{
		MessageID:      messageID,
		UserID:         conv.UserID,
		Message:        message,
		ConversationID: conv.ID,
		ObjectiveType:  objectiveType,
		MessageCount:   len(conv.Messages),
		CallbackURL:    d.callbackURL,
		Context: WebhookContext{
			PreviousMessages: history,
			IsFirstMessage:   len(history) == 0,
		},
	}
	if user != nil {
		payload.Context.UserName = user.Name
		payload.Context.UserEmail = user.Email
	}
	return payload
}

// Dispatch sends the payload in a goroutine without surfacing the
// outcome: the client has already been told "processing", and the reply
// arrives via the callback whenever the workflow finishes. Network
// failures are logged only.
func (d *Dispatcher) Dispatch(payload WebhookPayload) {
	if d.webhookURL == "" {
		slog.Warn("AI webhook URL not configured, dropping dispatch",
			"conversation_id", payload.ConversationID, "message_id", payload.MessageID)
		return
	}

	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			slog.Error("Failed to encode webhook payload", "error", err, "message_id", payload.MessageID)
			return
		}

		resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			slog.Warn("Webhook dispatch failed, awaiting callback anyway",
				"error", err, "conversation_id", payload.ConversationID, "message_id", payload.MessageID)
			return
		}
		// The response body is not awaited beyond draining the connection.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		slog.Info("Webhook dispatched",
			"conversation_id", payload.ConversationID,
			"message_id", payload.MessageID,
			"status", resp.StatusCode,
		)
	}()
}

// OpenStream posts the raw body to the webhook with streaming enabled and
// returns the response for chunk-by-chunk relaying. The caller owns the
// response body.
func (d *Dispatcher) OpenStream(ctx context.Context, body map[string]any) (*http.Response, error) {
	if d.webhookURL == "" {
		return nil, fmt.Errorf("AI webhook URL not configured")
	}

	body["stream"] = true
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout here: the stream is open-ended and bounded by ctx.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return resp, nil
}
