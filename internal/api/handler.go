// Package api provides the admin and query HTTP handlers for Servoice.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/servoice/internal/domain"
	"github.com/ashureev/servoice/internal/ledger"
	"github.com/ashureev/servoice/internal/middleware"
	"github.com/ashureev/servoice/internal/tts"
)

// Sessions is the in-memory view of call sessions.
type Sessions interface {
	List(filter ledger.StatusFilter) []domain.CallSession
	History(sessionID string) (domain.CallSession, bool)
}

// Calls ends live calls.
type Calls interface {
	End(ctx context.Context, sessionID string) error
	EndAll(ctx context.Context, reason string) ([]string, error)
}

// Conversations is the durable read side.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	Ping(ctx context.Context) error
}

// Handler serves the admin API.
type Handler struct {
	sessions      Sessions
	calls         Calls
	conversations Conversations
	speech        tts.Provider
	limiter       *middleware.RateLimiter
	logger        *slog.Logger
}

// Options wires the handler's collaborators. Speech and Limiter are optional.
type Options struct {
	Sessions      Sessions
	Calls         Calls
	Conversations Conversations
	Speech        tts.Provider
	Limiter       *middleware.RateLimiter
	Logger        *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions:      opts.Sessions,
		calls:         opts.Calls,
		conversations: opts.Conversations,
		speech:        opts.Speech,
		limiter:       opts.Limiter,
		logger:        logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) limited(next http.HandlerFunc) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(next)
}
