// Package policy decides what the receptionist says back to the caller.
package policy

import (
	"context"
	"time"

	"github.com/ashureev/servoice/internal/domain"
)

// Languages understood by the policy.
const (
	LangEnglish = "en"
	LangSpanish = "es"
)

// ContextMessage is one chat-style history entry sent upstream.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is everything the policy knows when a caller finishes speaking.
type Turn struct {
	SessionID  string
	Transcript string
	// Language is the resolved conversation language.
	Language  string
	Context   []ContextMessage
	History   []domain.Message
	Slots     domain.Slots
	FirstTurn bool
}

// Reply is the outcome of one turn.
type Reply struct {
	TranslatedText   string `json:"translated_text"`
	DetectedLanguage string `json:"detected_language"`
	Intent           string `json:"intent"`
	Urgent           bool   `json:"urgent"`
	Reply            string `json:"ai_response"`
	ReplyTranslated  string `json:"ai_response_translated"`
	SessionClosed    bool   `json:"-"`
}

// Policy produces the reply for a turn.
type Policy interface {
	Respond(ctx context.Context, turn Turn) (Reply, error)
}

// Responder is an upstream dialogue model.
type Responder interface {
	Complete(ctx context.Context, turn Turn) (Reply, error)
}

// Message converts the reply into a ledger message for transcript.
func (r Reply) Message(transcript string, at time.Time) domain.Message {
	translated := r.TranslatedText
	if translated == "" {
		translated = transcript
	}
	replyTranslated := r.ReplyTranslated
	if replyTranslated == "" {
		replyTranslated = r.Reply
	}
	intent := r.Intent
	if intent == "" {
		intent = domain.IntentInquiry
	}
	return domain.Message{
		Transcript:           transcript,
		TranslatedTranscript: translated,
		DetectedLanguage:     r.DetectedLanguage,
		Intent:               intent,
		Urgent:               r.Urgent,
		Reply:                r.Reply,
		ReplyTranslated:      replyTranslated,
		Timestamp:            at,
		SessionClosed:        r.SessionClosed,
	}
}

// Fallback is the reply used when the upstream model cannot answer.
func Fallback(transcript, language string) Reply {
	r := Reply{
		TranslatedText:   transcript,
		DetectedLanguage: language,
		Intent:           domain.IntentClarificationNeeded,
		Reply:            "I'm sorry, could you repeat that? I want to make sure I understand how I can help you.",
	}
	r.ReplyTranslated = r.Reply
	if language == LangSpanish {
		r.Reply = "Disculpe, ¿podría repetir eso? Quiero asegurarme de entender cómo puedo ayudarle."
	}
	return r
}
