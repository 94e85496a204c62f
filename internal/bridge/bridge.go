// Package bridge moves transcription results from a provider's callback
// goroutine onto the call's own event loop.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/servoice/internal/policy"
	"github.com/ashureev/servoice/internal/stt"
)

// DefaultQueueSize bounds the number of provider events waiting for the call loop.
const DefaultQueueSize = 256

// DefaultActivityInterval limits how often audio frames are reported as
// caller activity.
const DefaultActivityInterval = time.Second

// Event is a transcription result handed to the call loop.
type Event struct {
	Transcript string
	IsFinal    bool
	Language   string
	At         time.Time
}

// Options configures a Bridge.
type Options struct {
	QueueSize int
	SessionID string
	Logger    *slog.Logger

	// OnActivity receives caller activity: every transcript, and audio
	// frames at most once per ActivityInterval.
	OnActivity       func(time.Time)
	ActivityInterval time.Duration
}

// Bridge owns one provider stream. OnProviderEvent only enqueues; the call
// loop drains Events in provider delivery order.
type Bridge struct {
	provider  stt.Provider
	sessionID string
	logger    *slog.Logger

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	stream  stt.Stream
	started bool
	stopped bool
	err     error

	stopOnce sync.Once
	doneOnce sync.Once

	onActivity       func(time.Time)
	activityInterval time.Duration
	lastReported     atomic.Int64

	now func() time.Time
}

// New creates a bridge for provider.
func New(provider stt.Provider, opts Options) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ActivityInterval <= 0 {
		opts.ActivityInterval = DefaultActivityInterval
	}
	return &Bridge{
		provider:  provider,
		sessionID: opts.SessionID,
		logger:    opts.Logger,
		events:    make(chan Event, opts.QueueSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,

		onActivity:       opts.OnActivity,
		activityInterval: opts.ActivityInterval,
	}
}

// Start opens the provider stream. It may be called once.
func (b *Bridge) Start(ctx context.Context, opts stt.Options) error {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return errors.New("bridge already started")
	}
	b.started = true
	b.mu.Unlock()

	stream, err := b.provider.Start(ctx, opts, b.OnProviderEvent)
	if err != nil {
		b.fail(fmt.Errorf("start %s stream: %w", b.provider.Name(), err))
		return err
	}

	b.mu.Lock()
	b.stream = stream
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		_ = stream.Finish()
		return nil
	}

	go b.watchStream(stream)
	b.logger.Info("Transcription stream started", "session_id", b.sessionID, "provider", b.provider.Name())
	return nil
}

// watchStream surfaces an unexpected provider end through Done.
func (b *Bridge) watchStream(stream stt.Stream) {
	select {
	case <-stream.Done():
	case <-b.stopCh:
		return
	}
	select {
	case <-b.stopCh:
		return
	default:
	}
	err := stream.Err()
	if err == nil {
		err = errors.New("transcription stream ended")
	}
	b.logger.Warn("Transcription stream ended unexpectedly", "session_id", b.sessionID, "error", err)
	b.fail(err)
}

func (b *Bridge) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.doneOnce.Do(func() { close(b.doneCh) })
}

// SubmitAudio forwards a frame to the provider. Frames arriving before
// Start or after Stop are dropped.
func (b *Bridge) SubmitAudio(frame []byte) {
	b.touch(false)

	b.mu.Lock()
	stream, stopped := b.stream, b.stopped
	b.mu.Unlock()
	if stream == nil || stopped {
		b.logger.Debug("Dropping audio frame, stream not running", "session_id", b.sessionID, "bytes", len(frame))
		return
	}
	if err := stream.Send(frame); err != nil {
		b.logger.Debug("Audio frame not sent", "session_id", b.sessionID, "error", err)
	}
}

// OnProviderEvent runs on the provider goroutine. It blocks while the
// queue is full so final results are never dropped.
func (b *Bridge) OnProviderEvent(t stt.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	at := b.touch(true)

	ev := Event{
		Transcript: text,
		IsFinal:    t.IsFinal,
		Language:   policy.DetectLanguage(text, t.Language),
		At:         at,
	}

	select {
	case b.events <- ev:
		return
	case <-b.stopCh:
		return
	default:
	}

	b.logger.Warn("Bridge queue full, waiting", "session_id", b.sessionID, "queue_len", len(b.events))
	select {
	case b.events <- ev:
	case <-b.stopCh:
	}
}

// Events is drained by the call loop only.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Done is closed when the provider stream fails.
func (b *Bridge) Done() <-chan struct{} {
	return b.doneCh
}

// Err reports why Done closed.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Stop finishes the provider stream and releases blocked callbacks. Safe
// to call more than once and before Start.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		stream := b.stream
		b.mu.Unlock()

		close(b.stopCh)
		if stream == nil {
			return
		}
		if err := stream.Finish(); err != nil && !errors.Is(err, stt.ErrStreamClosed) {
			b.logger.Debug("Finish transcription stream", "session_id", b.sessionID, "error", err)
		}
	})
}

// touch reports activity. Unforced reports inside the interval are skipped.
func (b *Bridge) touch(force bool) time.Time {
	now := b.now()
	if b.onActivity == nil {
		return now
	}
	n := now.UnixNano()
	if force {
		b.lastReported.Store(n)
	} else if last := b.lastReported.Load(); n-last < int64(b.activityInterval) || !b.lastReported.CompareAndSwap(last, n) {
		return now
	}
	b.onActivity(now)
	return now
}
