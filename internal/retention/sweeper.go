// Package retention sweeps closed call sessions out of memory.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/servoice/internal/domain"
	"github.com/ashureev/servoice/internal/ledger"
	"github.com/ashureev/servoice/internal/persist"
)

const (
	DefaultInterval  = time.Minute
	DefaultRetention = time.Hour
)

// Sessions is the ledger view the sweeper needs.
type Sessions interface {
	List(filter ledger.StatusFilter) []domain.CallSession
	Evict(sessionID string) bool
}

// Flusher persists a session's pending messages.
type Flusher interface {
	Flush(ctx context.Context, sessionID string) error
}

// Options configures Start.
type Options struct {
	Interval  time.Duration
	Retention time.Duration
	Logger    *slog.Logger
}

// Sweeper retries persistence for closed sessions still in memory and evicts
// them once they are durable, or once they have outlived Retention.
type Sweeper struct {
	sessions  Sessions
	flusher   Flusher
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a sweeper without starting it.
func New(sessions Sessions, flusher Flusher, opts Options) *Sweeper {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{
		sessions:  sessions,
		flusher:   flusher,
		retention: opts.Retention,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// Start runs a background goroutine that sweeps every Interval until ctx
// is cancelled.
func Start(ctx context.Context, sessions Sessions, flusher Flusher, opts Options) *Sweeper {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := New(sessions, flusher, opts)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Retention sweeper started", "interval", interval, "retention", s.retention)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("Retention sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return s
}

// Sweep makes one pass over closed sessions and returns how many were evicted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	closed := s.sessions.List(ledger.FilterClosed)
	if len(closed) == 0 {
		return 0
	}

	cutoff := s.now().Add(-s.retention)
	evicted := 0
	for _, sess := range closed {
		if ctx.Err() != nil {
			break
		}

		err := s.flusher.Flush(ctx, sess.ID)
		if err == nil {
			if s.sessions.Evict(sess.ID) {
				evicted++
			}
			continue
		}

		if sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
			var missing *persist.MissingTenantError
			if errors.As(err, &missing) {
				s.logger.Warn("Dropping session without tenant keys", "session_id", sess.ID, "missing", missing.Keys)
			} else {
				s.logger.Error("Dropping session after retention expired", "session_id", sess.ID, "error", err)
			}
			if s.sessions.Evict(sess.ID) {
				evicted++
			}
			continue
		}
		s.logger.Debug("Closed session still unpersisted", "session_id", sess.ID, "error", err)
	}

	if evicted > 0 {
		s.logger.Info("Retention sweep completed", "evicted", evicted, "closed", len(closed))
	}
	return evicted
}
