// Package events publishes call lifecycle events to downstream consumers.
package events

import (
	"time"

	"github.com/ashureev/servoice/internal/domain"
	"github.com/google/uuid"
)

// Routing keys used on the events exchange.
const (
	KeyCallStarted   = "call.started"
	KeyCallClosed    = "call.closed"
	KeyCallPersisted = "call.persisted"
)

// Meta carries envelope bookkeeping.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// Envelope wraps an event payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// CallEvent is the payload of every call lifecycle event.
type CallEvent struct {
	SessionID     string            `json:"session_id"`
	Tenant        domain.TenantKeys `json:"tenant"`
	CallerID      string            `json:"caller_id"`
	Status        string            `json:"status"`
	ClosedBy      string            `json:"closed_by,omitempty"`
	MessageCount  int               `json:"message_count"`
	PersistedRows int64             `json:"persisted_rows,omitempty"`
}

// NewCallEnvelope builds an envelope for a call event. The session id is
// used as correlation id so every event of one call can be joined.
func NewCallEnvelope(eventType string, ev CallEvent) Envelope {
	cid := ev.SessionID
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          eventType,
			OccurredAt:    time.Now().UTC(),
			CorrelationID: &cid,
		},
		Data: ev,
	}
}

// CallEventFromSession summarizes a session snapshot.
func CallEventFromSession(sess domain.CallSession) CallEvent {
	ev := CallEvent{
		SessionID:    sess.ID,
		Tenant:       sess.Tenant,
		CallerID:     sess.CallerIdentity,
		Status:       string(sess.Status),
		MessageCount: len(sess.Messages),
	}
	if sess.Analysis != nil {
		ev.ClosedBy = sess.Analysis.ClosedBy
	}
	return ev
}
