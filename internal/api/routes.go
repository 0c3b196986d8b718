package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dkoval/questline/internal/domain"
	"github.com/dkoval/questline/internal/identity"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers conversation, objective, and account routes.
// All of them run behind the identity middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", h.CreateConversation)
		r.Get("/", h.ListConversations)
		r.Get("/{id}", h.GetConversation)
		r.Delete("/{id}", h.DeleteConversation)
	})

	r.Route("/api/objectives", func(r chi.Router) {
		r.Get("/", h.ListObjectives)
		r.Get("/{id}", h.GetObjective)
		r.Delete("/{id}", h.DeleteObjective)
		r.Post("/{id}/steps/{stepId}/complete", h.CompleteStep)
		r.Post("/{id}/steps/{stepId}/unlock", h.UnlockStep)
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Delete("/me", h.DeleteMe)
	})
}

// mapError translates domain errors to HTTP responses. Ownership failures
// arrive as ErrNotFound, so forbidden resources are indistinguishable
// from missing ones.
func mapError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrConflict):
		Error(w, http.StatusConflict, "conflict with current state")
	case errors.Is(err, domain.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, fallback)
	}
}

// CreateConversation returns a fresh or reused empty draft conversation.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conv, err := h.chat.CreateConversation(r.Context(), userID)
	if err != nil {
		mapError(w, err, "failed to create conversation")
		return
	}
	JSON(w, http.StatusOK, conv)
}

// ListConversations returns conversation summaries, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	summaries, err := h.chat.ListConversations(r.Context(), userID, limit)
	if err != nil {
		mapError(w, err, "failed to list conversations")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

// GetConversation returns a single conversation with its full message log.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conv, err := h.chat.GetConversation(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		mapError(w, err, "failed to load conversation")
		return
	}
	JSON(w, http.StatusOK, conv)
}

// DeleteConversation removes a conversation owned by the caller.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if err := h.chat.DeleteConversation(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		mapError(w, err, "failed to delete conversation")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListObjectives returns the caller's objectives.
func (h *Handler) ListObjectives(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	objs, err := h.engine.ListObjectives(r.Context(), userID)
	if err != nil {
		mapError(w, err, "failed to list objectives")
		return
	}
	if objs == nil {
		objs = []*domain.Objective{}
	}
	JSON(w, http.StatusOK, map[string]any{"objectives": objs})
}

// GetObjective returns a single objective with its skill tree.
func (h *Handler) GetObjective(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	obj, err := h.engine.GetObjective(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		mapError(w, err, "failed to load objective")
		return
	}
	JSON(w, http.StatusOK, obj)
}

// DeleteObjective removes an objective owned by the caller.
func (h *Handler) DeleteObjective(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if err := h.engine.DeleteObjective(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		mapError(w, err, "failed to delete objective")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// CompleteStep marks a step completed and returns the updated aggregates.
func (h *Handler) CompleteStep(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	result, err := h.engine.CompleteStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), userID)
	if err != nil {
		mapError(w, err, "failed to complete step")
		return
	}
	JSON(w, http.StatusOK, result)
}

// UnlockStep toggles a step's unlocked flag.
func (h *Handler) UnlockStep(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	unlocked := true
	if raw := r.URL.Query().Get("unlocked"); raw == "false" {
		unlocked = false
	}

	if err := h.engine.UnlockStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), userID, unlocked); err != nil {
		mapError(w, err, "failed to unlock step")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "ok", "unlocked": unlocked})
}

// GetMe returns the caller's profile with stats.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		mapError(w, err, "failed to load user")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "not found")
		return
	}
	JSON(w, http.StatusOK, user)
}

// DeleteMe removes the caller's account and cascades to all their
// conversations and objectives.
func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conversations, objectives, err := h.repo.DeleteUser(r.Context(), userID)
	if err != nil {
		mapError(w, err, "failed to delete account")
		return
	}

	slog.Info("Account deleted",
		"user_id", userID, "conversations", conversations, "objectives", objectives)
	JSON(w, http.StatusOK, map[string]any{
		"status":        "deleted",
		"conversations": conversations,
		"objectives":    objectives,
	})
}
