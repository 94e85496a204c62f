// Package ledger keeps the in-memory record of every call handled by the process.
package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/servoice/internal/domain"
	"github.com/google/uuid"
)

// UnknownCaller is the caller identity used when none was supplied.
const UnknownCaller = "unknown"

// StatusFilter selects sessions by status in List.
type StatusFilter string

const (
	FilterAll    StatusFilter = "all"
	FilterActive StatusFilter = "active"
	FilterClosed StatusFilter = "closed"
)

// StartParams describes a new call session.
type StartParams struct {
	CallerIdentity string
	CallerNumber   string
	ReceiverNumber string
	Tenant         domain.TenantKeys
}

// Ledger is a process-wide store of call sessions guarded by one mutex.
type Ledger struct {
	mu       sync.Mutex
	sessions map[string]*domain.CallSession
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an empty ledger.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		sessions: make(map[string]*domain.CallSession),
		now:      time.Now,
		logger:   logger,
	}
}

// Start creates a live session for the caller and returns its id.
func (l *Ledger) Start(callerIdentity string) string {
	return l.StartWith(StartParams{CallerIdentity: callerIdentity})
}

// StartWith creates a live session with call metadata attached.
func (l *Ledger) StartWith(p StartParams) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLocked(p)
}

func (l *Ledger) startLocked(p StartParams) string {
	if p.CallerIdentity == "" {
		p.CallerIdentity = UnknownCaller
	}
	now := l.now()
	id := uuid.NewString()
	l.sessions[id] = &domain.CallSession{
		ID:             id,
		CallerIdentity: p.CallerIdentity,
		CallerNumber:   p.CallerNumber,
		ReceiverNumber: p.ReceiverNumber,
		Tenant:         p.Tenant,
		Status:         domain.StatusLive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	l.logger.Info("Call session started", "session_id", id, "caller_id", p.CallerIdentity)
	return id
}

// AddMessage appends msg to the session and refreshes its analysis.
// When the id is unknown a new session is started and the message lands
// there; the returned id is the session that received the message.
func (l *Ledger) AddMessage(sessionID string, msg domain.Message) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[sessionID]
	if !ok {
		l.logger.Warn("AddMessage for unknown session, starting a new one", "session_id", sessionID)
		sessionID = l.startLocked(StartParams{})
		sess = l.sessions[sessionID]
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.now()
	}
	msg.SessionID = sessionID
	msg.Persisted = false

	sess.Messages = append(sess.Messages, msg)
	sess.LastActivityAt = l.now()
	a := Analyze(sess.Messages)
	sess.Analysis = &a
	return sessionID
}

// MergeSlots folds partial slot values into the session's memory.
func (l *Ledger) MergeSlots(sessionID string, partial domain.Slots) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[sessionID]
	if !ok {
		return false
	}
	sess.Slots.Merge(partial)
	return true
}

// Close moves a session to closed. closed is true only for the call that
// performed the transition; ok is false when the id is unknown.
func (l *Ledger) Close(sessionID string) (closed bool, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[sessionID]
	if !ok {
		return false, false
	}
	if sess.Status == domain.StatusClosed {
		return false, true
	}

	if sess.EndedAt == nil {
		ended := l.now()
		sess.EndedAt = &ended
	}
	sess.Status = domain.StatusClosed
	a := Analyze(sess.Messages)
	sess.Analysis = &a
	l.logger.Info("Call session closed", "session_id", sessionID, "closed_by", a.ClosedBy, "messages", len(sess.Messages))
	return true, true
}

// Touch records caller activity at t. Older times and closed sessions
// are ignored.
func (l *Ledger) Touch(sessionID string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess, ok := l.sessions[sessionID]; ok && sess.Status == domain.StatusLive && t.After(sess.LastActivityAt) {
		sess.LastActivityAt = t
	}
}

// LastActivity returns the last recorded activity time.
func (l *Ledger) LastActivity(sessionID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return sess.LastActivityAt, true
}

// SetLanguage pins the conversation language.
func (l *Ledger) SetLanguage(sessionID, lang string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess, ok := l.sessions[sessionID]; ok && lang != "" {
		sess.PreferredLanguage = lang
	}
}

// Get returns a snapshot of the session.
func (l *Ledger) Get(sessionID string) (domain.CallSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return domain.CallSession{}, false
	}
	return sess.Clone(), true
}

// History returns a snapshot with a freshly computed analysis when none is cached.
func (l *Ledger) History(sessionID string) (domain.CallSession, bool) {
	snap, ok := l.Get(sessionID)
	if !ok {
		return snap, false
	}
	if snap.Analysis == nil {
		a := Analyze(snap.Messages)
		snap.Analysis = &a
	}
	return snap, true
}

// List returns snapshots of the sessions matching filter, oldest first.
func (l *Ledger) List(filter StatusFilter) []domain.CallSession {
	l.mu.Lock()
	out := make([]domain.CallSession, 0, len(l.sessions))
	for _, sess := range l.sessions {
		switch filter {
		case FilterActive:
			if sess.Status != domain.StatusLive {
				continue
			}
		case FilterClosed:
			if sess.Status != domain.StatusClosed {
				continue
			}
		}
		out = append(out, sess.Clone())
	}
	l.mu.Unlock()

	sortByStart(out)
	for i := range out {
		if out[i].Analysis == nil {
			a := Analyze(out[i].Messages)
			out[i].Analysis = &a
		}
	}
	return out
}

// ActiveIDs returns the ids of all live sessions.
func (l *Ledger) ActiveIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.sessions))
	for id, sess := range l.sessions {
		if sess.Status == domain.StatusLive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Unpersisted returns a snapshot of the session together with the
// messages not yet written to durable storage, in conversation order.
func (l *Ledger) Unpersisted(sessionID string) (domain.CallSession, []domain.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return domain.CallSession{}, nil, false
	}
	var pending []domain.Message
	for _, m := range sess.Messages {
		if !m.Persisted {
			pending = append(pending, m)
		}
	}
	return sess.Clone(), pending, true
}

// MarkPersisted flags the given messages as durably written.
func (l *Ledger) MarkPersisted(sessionID string, messageIDs []string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return 0
	}
	want := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}
	marked := 0
	for i := range sess.Messages {
		if _, hit := want[sess.Messages[i].ID]; hit && !sess.Messages[i].Persisted {
			sess.Messages[i].Persisted = true
			marked++
		}
	}
	return marked
}

// Evict drops a closed session from memory. Live sessions are kept.
func (l *Ledger) Evict(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok || sess.Status == domain.StatusLive {
		return false
	}
	delete(l.sessions, sessionID)
	return true
}

// Len returns the number of sessions held in memory.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
