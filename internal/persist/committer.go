// Package persist commits call sessions from the ledger to durable storage.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/servoice/internal/domain"
	"github.com/ashureev/servoice/internal/events"
	"github.com/ashureev/servoice/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultBatchSize caps the number of messages written in one transaction.
const DefaultBatchSize = 1000

var (
	// ErrUnknownSession is returned when the ledger has no such session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrMissingTenant is returned when a session lacks tenant keys.
	ErrMissingTenant = errors.New("missing tenant keys")
)

// MissingTenantError lists the tenant keys that blocked a flush.
type MissingTenantError struct {
	SessionID string
	Keys      []string
}

func (e *MissingTenantError) Error() string {
	return fmt.Sprintf("session %s: %s: %s", e.SessionID, ErrMissingTenant, strings.Join(e.Keys, ", "))
}

func (e *MissingTenantError) Unwrap() error { return ErrMissingTenant }

// Sessions is the part of the ledger the committer reads and updates.
type Sessions interface {
	Unpersisted(sessionID string) (domain.CallSession, []domain.Message, bool)
	MarkPersisted(sessionID string, messageIDs []string) int
}

// Committer writes unpersisted ledger messages to the repository.
type Committer struct {
	sessions  Sessions
	repo      store.Repository
	publisher events.Publisher
	batchSize int
	logger    *slog.Logger
	tracer    trace.Tracer

	// inflight holds message ids claimed by a running flush.
	inflight sync.Map
}

// Options configures a Committer.
type Options struct {
	BatchSize int
	Publisher events.Publisher
	Logger    *slog.Logger
}

// New creates a committer.
func New(sessions Sessions, repo store.Repository, opts Options) *Committer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Committer{
		sessions:  sessions,
		repo:      repo,
		publisher: opts.Publisher,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		tracer:    otel.Tracer("github.com/ashureev/servoice/internal/persist"),
	}
}

// Flush upserts the conversation row and inserts every message not yet
// persisted. Calling it again for the same session writes nothing new.
func (c *Committer) Flush(ctx context.Context, sessionID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "persist.Flush", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sess, pending, ok := c.sessions.Unpersisted(sessionID)
	if !ok {
		return fmt.Errorf("flush %s: %w", sessionID, ErrUnknownSession)
	}
	if missing := sess.Tenant.Missing(); len(missing) > 0 {
		return &MissingTenantError{SessionID: sessionID, Keys: missing}
	}

	claimed := c.claim(pending)
	defer c.release(claimed)

	if err := c.repo.UpsertConversation(ctx, toConversation(sess)); err != nil {
		return fmt.Errorf("upsert conversation %s: %w", sessionID, err)
	}

	var written int64
	for start := 0; start < len(claimed); start += c.batchSize {
		end := start + c.batchSize
		if end > len(claimed) {
			end = len(claimed)
		}
		batch := claimed[start:end]

		n, err := c.repo.InsertMessages(ctx, sessionID, batch)
		if err != nil {
			c.logger.Error("Message batch failed", "session_id", sessionID, "batch_start", start, "error", err)
			return fmt.Errorf("insert messages %s [%d:%d]: %w", sessionID, start, end, err)
		}
		written += n

		ids := make([]string, len(batch))
		for i, m := range batch {
			ids[i] = m.ID
		}
		c.sessions.MarkPersisted(sessionID, ids)
	}

	span.SetAttributes(attribute.Int64("messages.written", written))
	c.logger.Info("Session flushed", "session_id", sessionID, "pending", len(pending), "written", written)

	if written > 0 {
		ev := events.CallEventFromSession(sess)
		ev.PersistedRows = written
		if err := c.publisher.Publish(ctx, events.KeyCallPersisted, events.NewCallEnvelope(events.KeyCallPersisted, ev)); err != nil {
			c.logger.Warn("Failed to publish persisted event", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// claim reserves messages for this flush. Messages already claimed by a
// concurrent flush are skipped.
func (c *Committer) claim(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, loaded := c.inflight.LoadOrStore(m.ID, struct{}{}); !loaded {
			out = append(out, m)
		}
	}
	return out
}

func (c *Committer) release(msgs []domain.Message) {
	for _, m := range msgs {
		c.inflight.Delete(m.ID)
	}
}

func toConversation(sess domain.CallSession) *domain.Conversation {
	callerID := sess.CallerNumber
	if callerID == "" {
		callerID = sess.CallerIdentity
	}
	lang := sess.PreferredLanguage
	if lang == "" {
		lang = "en"
		for i := len(sess.Messages) - 1; i >= 0; i-- {
			if l := sess.Messages[i].DetectedLanguage; l != "" {
				lang = l
				break
			}
		}
	}
	return &domain.Conversation{
		ID:            sess.ID,
		Tenant:        sess.Tenant,
		Direction:     "inbound",
		Status:        domain.ConversationStatus(sess.Status),
		Language:      lang,
		IntentSummary: sess.Analysis,
		CallerID:      callerID,
		StartedAt:     sess.StartedAt,
		EndedAt:       sess.EndedAt,
	}
}
