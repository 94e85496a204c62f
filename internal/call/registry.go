package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry tracks the engines of live calls by session id.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Engine
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{active: make(map[string]*Engine), logger: logger}
}

// Register adds a started engine.
func (r *Registry) Register(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[e.SessionID()] = e
	r.logger.Info("Call registered", "session_id", e.SessionID())
}

// Unregister removes e if it is still the engine for its session.
func (r *Registry) Unregister(e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[e.SessionID()]; ok && current == e {
		delete(r.active, e.SessionID())
		r.logger.Info("Call unregistered", "session_id", e.SessionID())
	}
}

// Get returns the engine for a live session.
func (r *Registry) Get(sessionID string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.active[sessionID]
	return e, ok
}

// IDs returns the live session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// End finalizes one live call and waits for its flush.
func (r *Registry) End(ctx context.Context, sessionID string) error {
	e, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("end %s: %w", sessionID, ErrNotLive)
	}
	return e.End(ctx, ReasonAdmin)
}

// EndAll finalizes every live call concurrently and returns the ids that
// were ended. Every call gets the full ctx; one failure does not cut the
// others short.
func (r *Registry) EndAll(ctx context.Context, reason string) ([]string, error) {
	ids := r.IDs()
	ended := make([]bool, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			e, ok := r.Get(id)
			if !ok {
				return nil
			}
			if err := e.End(ctx, reason); err != nil {
				if errors.Is(err, ErrNotLive) {
					return nil
				}
				return fmt.Errorf("end %s: %w", id, err)
			}
			ended[i] = true
			return nil
		})
	}
	err := g.Wait()

	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if ended[i] {
			out = append(out, id)
		}
	}
	return out, err
}
