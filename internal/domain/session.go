// Package domain contains core domain types for the Servoice call engine.
package domain

import (
	"time"
)

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusLive   Status = "live"
	StatusClosed Status = "closed"
)

// TenantKeys identifies the company, office and inbound line a call belongs to.
type TenantKeys struct {
	CompanyID string `json:"company_id,omitempty"`
	OfficeID  string `json:"office_id,omitempty"`
	LineID    string `json:"phone_number_id,omitempty"`
}

// Missing returns the names of the tenant keys that are not set.
func (k TenantKeys) Missing() []string {
	var missing []string
	if k.CompanyID == "" {
		missing = append(missing, "company_id")
	}
	if k.OfficeID == "" {
		missing = append(missing, "office_id")
	}
	if k.LineID == "" {
		missing = append(missing, "phone_number_id")
	}
	return missing
}

// Complete reports whether all three keys are resolved.
func (k TenantKeys) Complete() bool {
	return len(k.Missing()) == 0
}

// CallSession is the in-memory record of one phone call.
type CallSession struct {
	ID                string     `json:"session_id"`
	CallerIdentity    string     `json:"caller_id"`
	CallerNumber      string     `json:"caller_number,omitempty"`
	ReceiverNumber    string     `json:"receiver_number,omitempty"`
	Tenant            TenantKeys `json:"tenant"`
	Status            Status     `json:"status"`
	StartedAt         time.Time  `json:"start_time"`
	EndedAt           *time.Time `json:"end_time,omitempty"`
	Messages          []Message  `json:"messages"`
	Slots             Slots      `json:"slots"`
	PreferredLanguage string     `json:"preferred_language,omitempty"`
	LastActivityAt    time.Time  `json:"last_activity"`
	Analysis          *Analysis  `json:"analysis,omitempty"`
}

// IsLive returns true while the session has not been closed.
func (s *CallSession) IsLive() bool {
	return s.Status == StatusLive
}

// RecentMessages returns the last n messages of the session.
func (s *CallSession) RecentMessages(n int) []Message {
	if n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *CallSession) Clone() CallSession {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	c.Slots = s.Slots.Clone()
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	if s.Analysis != nil {
		a := s.Analysis.Clone()
		c.Analysis = &a
	}
	return c
}
