// Package hub fans out live call events to passive observers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSendTimeout bounds a single delivery to one observer.
const DefaultSendTimeout = 5 * time.Second

// Observer receives broadcast frames.
type Observer interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	Close(reason string)
}

// Hub holds the observer set. It is safe for concurrent use.
type Hub struct {
	mu          sync.RWMutex
	observers   map[string]Observer
	sendTimeout time.Duration
	logger      *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers:   make(map[string]Observer),
		sendTimeout: DefaultSendTimeout,
		logger:      logger,
	}
}

// SetSendTimeout overrides the per-observer delivery timeout.
func (h *Hub) SetSendTimeout(d time.Duration) {
	if d > 0 {
		h.mu.Lock()
		h.sendTimeout = d
		h.mu.Unlock()
	}
}

// Register adds an observer. An observer with the same id is replaced.
func (h *Hub) Register(o Observer) {
	h.mu.Lock()
	prev, exists := h.observers[o.ID()]
	h.observers[o.ID()] = o
	n := len(h.observers)
	h.mu.Unlock()

	if exists && prev != o {
		prev.Close("replaced")
	}
	h.logger.Info("Observer registered", "observer_id", o.ID(), "observers", n)
}

// Unregister removes an observer if it is still the registered one.
func (h *Hub) Unregister(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.observers[o.ID()]; ok && cur == o {
		delete(h.observers, o.ID())
		h.logger.Info("Observer unregistered", "observer_id", o.ID(), "observers", len(h.observers))
	}
}

// Len returns the number of registered observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast delivers v as JSON to every observer. Observers that fail to
// receive are dropped and closed; the rest are unaffected. The returned
// error is only for payloads that cannot be encoded.
func (h *Hub) Broadcast(ctx context.Context, v any) error {
	h.mu.RLock()
	if len(h.observers) == 0 {
		h.mu.RUnlock()
		return nil
	}
	// Snapshot so sends happen without the lock held.
	targets := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	timeout := h.sendTimeout
	h.mu.RUnlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}

	var wg sync.WaitGroup
	for _, o := range targets {
		wg.Add(1)
		go func(o Observer) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := o.Send(sendCtx, data); err != nil {
				h.logger.Warn("Observer send failed, dropping", "observer_id", o.ID(), "error", err)
				h.Unregister(o)
				o.Close("send failed")
			}
		}(o)
	}
	wg.Wait()
	return nil
}

// CloseAll closes and removes every observer.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	targets := h.observers
	h.observers = make(map[string]Observer)
	h.mu.Unlock()

	for _, o := range targets {
		o.Close(reason)
	}
}
