package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/servoice/internal/call"
	"github.com/ashureev/servoice/internal/domain"
	"github.com/ashureev/servoice/internal/ledger"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// RegisterRoutes registers the session and conversation routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Method(http.MethodPost, "/sessions/end", h.limited(h.EndAll))
		r.Method(http.MethodPost, "/sessions/{id}/end", h.limited(h.EndSession))
		r.Get("/conversations/{id}", h.GetConversation)
		if h.speech != nil {
			r.Method(http.MethodPost, "/tts", h.limited(h.Speak))
		}
	})
}

// RegisterHealth registers the health check route.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// ListSessions returns in-memory sessions filtered by ?status=.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	filter := ledger.FilterAll
	switch s := strings.ToLower(r.URL.Query().Get("status")); s {
	case "", string(ledger.FilterAll):
	case string(ledger.FilterActive), string(domain.StatusLive):
		filter = ledger.FilterActive
	case string(ledger.FilterClosed):
		filter = ledger.FilterClosed
	default:
		Error(w, http.StatusBadRequest, "status must be one of active, closed, all")
		return
	}

	sessions := h.sessions.List(filter)
	if sessions == nil {
		sessions = []domain.CallSession{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one session with its messages and analysis.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := h.sessions.History(id)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// EndSession ends one live call.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.calls.End(r.Context(), id); err != nil {
		if errors.Is(err, call.ErrNotLive) {
			Error(w, http.StatusNotFound, "call not live")
			return
		}
		h.logger.Error("Failed to end call", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to end call")
		return
	}
	h.logger.Info("Call ended by admin", "session_id", id)
	JSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "ended"})
}

// EndAll ends every live call.
func (h *Handler) EndAll(w http.ResponseWriter, r *http.Request) {
	ended, err := h.calls.EndAll(r.Context(), call.ReasonAdmin)
	if ended == nil {
		ended = []string{}
	}
	if err != nil {
		h.logger.Warn("Some calls could not be ended", "ended", len(ended), "error", err)
		JSON(w, http.StatusMultiStatus, map[string]interface{}{
			"ended": ended,
			"error": err.Error(),
		})
		return
	}
	h.logger.Info("All calls ended by admin", "count", len(ended))
	JSON(w, http.StatusOK, map[string]interface{}{"ended": ended})
}

// GetConversation returns the durable conversation and its messages.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := h.conversations.GetConversation(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load conversation", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgs, err := h.conversations.ListMessages(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load messages", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     msgs,
	})
}

// Health returns the health status of the API and its database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{"status": "healthy", "checks": checks}
	statusCode := http.StatusOK

	if err := h.conversations.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}
