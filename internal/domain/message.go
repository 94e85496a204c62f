package domain

import (
	"time"
)

// Intent categories produced by the dialogue policy.
const (
	IntentInquiry             = "inquiry"
	IntentMedical             = "medical"
	IntentCaregiverReschedule = "caregiver_reschedule"
	IntentAppointment         = "appointment"
	IntentEmergency           = "emergency"
	IntentAdminHandoff        = "admin_handoff"
	IntentJobApplication      = "job_application_followup"
	IntentPoliteClosure       = "polite_closure"
	IntentGoodbye             = "goodbye"
	IntentClarificationNeeded = "clarification_needed"
	IntentSystemError         = "system_error"
	IntentBackchannel         = "backchannel"
	IntentOther               = "other"
)

// Message roles as stored durably.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one caller turn and the reply produced for it.
type Message struct {
	ID                   string    `json:"id"`
	SessionID            string    `json:"session_id"`
	Transcript           string    `json:"transcript"`
	TranslatedTranscript string    `json:"translated_text"`
	DetectedLanguage     string    `json:"language"`
	Intent               string    `json:"intent"`
	Urgent               bool      `json:"urgent"`
	Reply                string    `json:"ai_response"`
	ReplyTranslated      string    `json:"ai_response_translated"`
	Timestamp            time.Time `json:"timestamp"`
	SessionClosed        bool      `json:"session_closed,omitempty"`

	// Persisted is set once the message has been written to durable storage.
	Persisted bool `json:"-"`
}

// Role returns assistant when the message carries a reply, user otherwise.
func (m Message) Role() string {
	if m.Reply != "" {
		return RoleAssistant
	}
	return RoleUser
}

// IsClosure reports whether the message ended the conversation.
func (m Message) IsClosure() bool {
	return m.Intent == IntentPoliteClosure || m.Intent == IntentGoodbye
}
