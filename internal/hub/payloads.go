package hub

import (
	"time"

	"github.com/ashureev/servoice/internal/domain"
)

// Payload type discriminators.
const (
	TypeTranscript = "transcript"
	TypeMessage    = "message"
	TypeSession    = "session"
)

// InterimPayload is broadcast for partial transcripts.
type InterimPayload struct {
	MessageID  string    `json:"message_id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Transcript string    `json:"transcript"`
	IsFinal    bool      `json:"is_final"`
	Language   string    `json:"language"`
	Timestamp  time.Time `json:"timestamp"`
}

// FinalPayload is broadcast once a turn has been processed.
type FinalPayload struct {
	Type                 string    `json:"type"`
	ID                   string    `json:"id"`
	SessionID            string    `json:"session_id"`
	Transcript           string    `json:"transcript"`
	TranslatedText       string    `json:"translated_text"`
	Intent               string    `json:"intent"`
	AIResponse           string    `json:"ai_response"`
	AIResponseTranslated string    `json:"ai_response_translated"`
	Urgent               bool      `json:"urgent"`
	Language             string    `json:"language"`
	IsFinal              bool      `json:"is_final"`
	Timestamp            time.Time `json:"timestamp"`
	SessionClosed        bool      `json:"session_closed,omitempty"`
}

// SessionPayload announces lifecycle changes.
type SessionPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	ClosedBy  string `json:"closed_by,omitempty"`
}

// Interim builds the payload for a partial transcript.
func Interim(messageID, sessionID, transcript, language string, at time.Time) InterimPayload {
	return InterimPayload{
		MessageID:  messageID,
		Type:       TypeTranscript,
		SessionID:  sessionID,
		Transcript: transcript,
		Language:   language,
		Timestamp:  at,
	}
}

// Final builds the payload for a stored message.
func Final(m domain.Message) FinalPayload {
	return FinalPayload{
		Type:                 TypeMessage,
		ID:                   m.ID,
		SessionID:            m.SessionID,
		Transcript:           m.Transcript,
		TranslatedText:       m.TranslatedTranscript,
		Intent:               m.Intent,
		AIResponse:           m.Reply,
		AIResponseTranslated: m.ReplyTranslated,
		Urgent:               m.Urgent,
		Language:             m.DetectedLanguage,
		IsFinal:              true,
		Timestamp:            m.Timestamp,
		SessionClosed:        m.SessionClosed,
	}
}

// Lifecycle builds a session status payload.
func Lifecycle(sessionID string, status domain.Status, closedBy string) SessionPayload {
	return SessionPayload{
		Type:      TypeSession,
		SessionID: sessionID,
		Status:    string(status),
		ClosedBy:  closedBy,
	}
}
