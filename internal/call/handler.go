package call

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Handler accepts caller media websockets and runs one Engine per call.
type Handler struct {
	deps          Deps
	cfg           Config
	allowedOrigin string
	isDev         bool
	baseCtx       context.Context
}

// NewHandler creates the media handler. Calls run under baseCtx, not the
// request context, so shutdown can finalize them explicitly.
func NewHandler(baseCtx context.Context, deps Deps, cfg Config, allowedOrigin string, isDev bool) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{
		deps:          deps,
		cfg:           cfg,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		baseCtx:       baseCtx,
	}
}

// RegisterRoutes mounts the media endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/audio", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for the media websocket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.deps.Logger.Info("Media connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.deps.Logger.Error("Failed to accept media websocket", "error", err)
		return
	}
	// Audio frames can exceed the 32 KiB default.
	ws.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()
	engine := NewEngine(ws, h.deps, h.cfg)
	if err := engine.Run(ctx); err != nil {
		h.deps.Logger.Warn("Call ended with error", "session_id", engine.SessionID(), "error", err)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.deps.Logger.Warn("Media websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
