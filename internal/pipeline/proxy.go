package pipeline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// HandleProxyStream serves POST /api/ai/stream: a direct relay of the AI
// workflow's streaming output for the "try it live" entry point. Chunks
// are forwarded as they arrive and the stream is terminated with a
// literal [DONE] sentinel. When the upstream does not stream, its whole
// body is relayed as a single buffered frame.
func (h *Handler) HandleProxyStream(w http.ResponseWriter, r *http.Request) {
	userID := identityUserID(r)
	if userID == "" {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body["userId"] = userID

	upstream, err := h.dispatcher.OpenStream(r.Context(), body)
	if err != nil {
		slog.Error("Failed to open upstream stream", "error", err, "user_id", userID)
		httpError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer func() {
		if closeErr := upstream.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close upstream body", "error", closeErr)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if !isStreamingResponse(upstream) {
		h.relayBuffered(w, flusher, upstream)
		return
	}

	reader := bufio.NewReader(upstream.Body)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if _, writeErr := io.WriteString(w, line); writeErr != nil {
				slog.Debug("Client disconnected from proxy stream", "error", writeErr)
				return
			}
			if strings.TrimSpace(line) == "" {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("Upstream stream read error", "error", err, "user_id", userID)
				_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", `{"error":"upstream stream failed"}`)
			}
			break
		}
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func isStreamingResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return true
	}
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

// relayBuffered forwards a non-streaming upstream reply as one data frame.
func (h *Handler) relayBuffered(w http.ResponseWriter, flusher http.Flusher, upstream *http.Response) {
	payload, err := io.ReadAll(io.LimitReader(upstream.Body, maxRequestBodySize))
	if err != nil {
		_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", `{"error":"upstream read failed"}`)
		flusher.Flush()
		return
	}

	if !json.Valid(payload) {
		encoded, _ := json.Marshal(map[string]string{"content": string(payload)})
		payload = encoded
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}
