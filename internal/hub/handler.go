package hub

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// HandlerOptions configures the observer endpoints.
type HandlerOptions struct {
	// OriginPatterns are passed to websocket.Accept. Empty allows any origin.
	OriginPatterns    []string
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// Handler exposes the hub over websocket and server-sent events.
type Handler struct {
	hub     *Hub
	opts    HandlerOptions
	eventID atomic.Int64
	logger  *slog.Logger
}

// NewHandler creates the observer HTTP handler.
func NewHandler(h *Hub, opts HandlerOptions) *Handler {
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"*"}
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Handler{hub: h, opts: opts, logger: h.logger}
}

// RegisterRoutes mounts the observer endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/transcripts/stream", h.HandleStream)
	r.Get("/transcripts/events", h.HandleEvents)
}

// HandleStream upgrades to a websocket and registers it as an observer.
// Inbound frames are discarded; the connection lives until the peer leaves.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept observer websocket", "error", err)
		return
	}

	obs := NewWSObserver(uuid.NewString(), ws)
	h.hub.Register(obs)
	defer func() {
		h.hub.Unregister(obs)
		obs.Close("observer disconnected")
	}()

	ctx := r.Context()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("Observer websocket closed by client", "observer_id", obs.ID())
			} else {
				h.logger.Debug("Observer websocket read ended", "observer_id", obs.ID(), "error", err)
			}
			return
		}
	}
}

// HandleEvents streams broadcasts as server-sent events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.opts.RetryDelay.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err)
		return
	}

	obs := NewSSEObserver(uuid.NewString(), 0)
	h.hub.Register(obs)
	defer func() {
		h.hub.Unregister(obs)
		obs.Close("observer disconnected")
		h.logger.Info("SSE observer closed", "observer_id", obs.ID())
	}()

	connected := fmt.Sprintf(`{"status":"connected","observer_id":"%s"}`, obs.ID())
	if err := writeSSEWithID(w, h.eventID.Add(1), "connected", connected); err != nil {
		h.logger.Warn("failed to write SSE connected event", "error", err)
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-obs.Done():
			return
		case data := <-obs.Frames():
			if err := writeSSEWithID(w, h.eventID.Add(1), "message", string(data)); err != nil {
				h.logger.Warn("failed to write SSE frame", "error", err, "observer_id", obs.ID())
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "observer_id", obs.ID())
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
