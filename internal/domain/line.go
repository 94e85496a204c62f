package domain

import (
	"time"
)

// PhoneLine is an inbound number owned by a company office.
type PhoneLine struct {
	ID        string    `json:"id" koanf:"id"`
	E164      string    `json:"e164" koanf:"e164"`
	CompanyID string    `json:"company_id" koanf:"company_id"`
	OfficeID  string    `json:"office_id" koanf:"office_id"`
	CreatedAt time.Time `json:"created_at" koanf:"-"`
}

// Tenant returns the tenant keys implied by the line.
func (l PhoneLine) Tenant() TenantKeys {
	return TenantKeys{CompanyID: l.CompanyID, OfficeID: l.OfficeID, LineID: l.ID}
}

// Contact is a caller known by phone number.
type Contact struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation is the durable form of a finished or in-progress call.
type Conversation struct {
	ID            string     `json:"id"`
	Tenant        TenantKeys `json:"tenant"`
	Direction     string     `json:"direction"`
	Status        string     `json:"status"`
	Language      string     `json:"language"`
	IntentSummary *Analysis  `json:"intent_summary,omitempty"`
	CallerID      string     `json:"caller_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ConversationStatus maps a session status to its durable form.
func ConversationStatus(s Status) string {
	if s == StatusLive {
		return "open"
	}
	return "closed"
}
