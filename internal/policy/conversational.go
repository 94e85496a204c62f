package policy

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Conversational is the default Policy: closure phrases end the call,
// new contact numbers go to staff, everything else is answered upstream.
type Conversational struct {
	closure   ClosureDetector
	responder Responder
	logger    *slog.Logger
}

// Option customises a Conversational policy.
type Option func(*Conversational)

// WithClosureDetector replaces the phrase-based closure detector.
func WithClosureDetector(d ClosureDetector) Option {
	return func(c *Conversational) {
		if d != nil {
			c.closure = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conversational) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConversational wraps responder with closure, handoff and repeat handling.
func NewConversational(responder Responder, opts ...Option) *Conversational {
	c := &Conversational{
		closure:   NewPhraseClosure(),
		responder: responder,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Respond implements Policy. Upstream failures yield the fallback reply,
// so the only error returned is ctx's.
func (c *Conversational) Respond(ctx context.Context, turn Turn) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	if c.closure.IsClosure(turn.Transcript) {
		c.logger.Info("Closure detected", "session_id", turn.SessionID)
		return GoodbyeReply(turn.Transcript, turn.Language, turn.History), nil
	}

	if r, ok := handoff(turn); ok {
		c.logger.Info("Handing off to staff", "session_id", turn.SessionID, "intent", r.Intent)
		return r, nil
	}

	if c.responder == nil {
		return Fallback(turn.Transcript, turn.Language), nil
	}
	r, err := c.responder.Complete(ctx, turn)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		c.logger.Error("Responder failed, using fallback", "session_id", turn.SessionID, "error", err)
		return Fallback(turn.Transcript, turn.Language), nil
	}

	r.DetectedLanguage = turn.Language
	r.SessionClosed = false
	if r.TranslatedText == "" {
		r.TranslatedText = turn.Transcript
	}

	if r.Reply != "" && r.Reply == lastAssistant(turn.Context) {
		c.logger.Warn("Repeated reply, substituting", "session_id", turn.SessionID)
		r.ReplyTranslated = "I understand. Is there anything else I can help you with?"
		r.Reply = r.ReplyTranslated
		if turn.Language == LangSpanish {
			r.Reply = "Entiendo. ¿Hay algo más en lo que pueda ayudarle?"
		}
	}

	r.Reply = polish(r.Reply, turn.Transcript, turn.Language)
	if turn.Language != LangSpanish || r.ReplyTranslated == "" {
		r.ReplyTranslated = r.Reply
	}
	return r, nil
}

var formalOpeners = regexp.MustCompile(`^(?:Perfect(?:o)?[.!]*\s*[-—]?\s*|Got it[-—]\s*|Entendido[-—]\s*|Thank you for that information\.?\s*|Gracias por esa información\.?\s*)`)

// polish trims stock openers and acknowledges worry or thanks.
func polish(reply, transcript, language string) string {
	reply = formalOpeners.ReplaceAllString(reply, "")
	reply = strings.Join(strings.Fields(reply), " ")
	if reply == "" {
		if language == LangSpanish {
			return "¿En qué puedo ayudarle hoy?"
		}
		return "How can I help you today?"
	}
	reply = upperFirst(reply)

	user := strings.ToLower(transcript)
	switch {
	case containsAny(user, "worried", "concerned", "scared"):
		if language == LangSpanish {
			return "Entiendo su preocupación. " + reply
		}
		return "I understand your concern. " + reply
	case containsAny(user, "thank", "appreciate"):
		if language == LangSpanish {
			return "De nada, es un placer ayudarle. " + reply
		}
		return "You're very welcome. " + reply
	}
	return reply
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
