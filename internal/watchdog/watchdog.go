// Package watchdog closes calls that have gone quiet.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval  = 2 * time.Second
	DefaultThreshold = 10 * time.Second
)

// Config controls how often activity is checked and how much silence is tolerated.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	Logger    *slog.Logger
}

// Watchdog is a running inactivity monitor for one call.
type Watchdog struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	fired    atomic.Bool
}

// Start launches a monitor that calls onTimeout once when more than
// Threshold has passed since lastActivity. The monitor exits after firing,
// after Stop, or when ctx is cancelled.
func Start(ctx context.Context, cfg Config, lastActivity func() time.Time, onTimeout func()) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watchdog{cancel: cancel, done: make(chan struct{})}

	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				idle := time.Since(lastActivity())
				if idle <= cfg.Threshold {
					continue
				}
				// Stop may have raced the tick.
				if ctx.Err() != nil {
					return
				}
				cfg.Logger.Info("Inactivity timeout", "idle", idle.Round(time.Millisecond), "threshold", cfg.Threshold)
				w.fired.Store(true)
				onTimeout()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return w
}

// Stop cancels the monitor and waits for it to exit. Safe to call more
// than once, and from within onTimeout.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(w.cancel)
	if w.fired.Load() {
		// onTimeout may be the caller; waiting would deadlock.
		return
	}
	<-w.done
}

// Fired reports whether the timeout callback ran.
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}

// Done is closed once the monitor goroutine has exited.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}
