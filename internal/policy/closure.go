package policy

import (
	"strings"
	"unicode"

	"github.com/ashureev/servoice/internal/domain"
)

// ClosureDetector decides whether a transcript ends the conversation.
type ClosureDetector interface {
	IsClosure(transcript string) bool
}

// DefaultClosurePhrases is the built-in goodbye vocabulary. These close
// the call wherever they appear as whole words.
var DefaultClosurePhrases = []string{
	"goodbye", "good bye", "bye", "bye bye", "see you later", "talk to you later",
	"that's all", "that's it", "that is all", "nothing else", "all set",
	"thank you that's all", "thanks that's all",
	"not that i know of", "nothing that i know of", "no that's it", "no thanks",
	"have a good day", "have a great day",
	"i'll wait for your call", "call me back", "talk to you soon",
	"adiós", "hasta luego", "eso es todo", "nada más",
}

// DefaultTrailingClosurePhrases also show up inside ordinary requests
// ("take care of my mother", "gracias, necesito ayuda"). They close the
// call only when nothing but courtesy words follows them.
var DefaultTrailingClosurePhrases = []string{
	"take care", "gracias", "thank you so much", "thanks so much", "all good",
}

var bareThanks = map[string]struct{}{"thank you": {}, "thanks": {}, "gracias": {}}

// courtesyWords may follow a trailing phrase without turning the utterance
// into a request.
var courtesyWords = map[string]struct{}{
	"bye": {}, "goodbye": {}, "then": {}, "again": {}, "okay": {}, "ok": {},
	"you": {}, "too": {}, "now": {}, "for": {}, "your": {}, "the": {},
	"help": {}, "everything": {}, "very": {}, "much": {}, "so": {}, "and": {},
	"have": {}, "a": {}, "good": {}, "great": {}, "nice": {}, "day": {}, "night": {},
	"por": {}, "todo": {}, "su": {}, "ayuda": {}, "muchas": {}, "adiós": {},
	"hasta": {}, "luego": {}, "buen": {}, "día": {},
}

var negations = map[string]struct{}{"not": {}, "no": {}, "never": {}}

// PhraseClosure matches normalised transcripts against phrase lists on
// word boundaries.
type PhraseClosure struct {
	phrases  [][]string
	trailing [][]string
}

// NewPhraseClosure builds a detector. No phrases means DefaultClosurePhrases
// together with DefaultTrailingClosurePhrases; custom phrases match anywhere.
func NewPhraseClosure(phrases ...string) *PhraseClosure {
	p := &PhraseClosure{}
	if len(phrases) == 0 {
		phrases = DefaultClosurePhrases
		p.trailing = tokenizeAll(DefaultTrailingClosurePhrases)
	}
	p.phrases = tokenizeAll(phrases)
	return p
}

func tokenizeAll(phrases []string) [][]string {
	out := make([][]string, 0, len(phrases))
	for _, phrase := range phrases {
		if words := strings.Fields(Normalize(phrase)); len(words) > 0 {
			out = append(out, words)
		}
	}
	return out
}

// IsClosure implements ClosureDetector.
func (p *PhraseClosure) IsClosure(transcript string) bool {
	text := Normalize(transcript)
	if text == "" {
		return false
	}
	words := strings.Fields(text)
	for _, phrase := range p.phrases {
		for i := range words {
			if hasPrefixWords(words[i:], phrase) {
				return true
			}
		}
	}
	for _, phrase := range p.trailing {
		for i := range words {
			if hasPrefixWords(words[i:], phrase) && trailingClosure(words, i, len(phrase)) {
				return true
			}
		}
	}
	if _, ok := bareThanks[text]; ok && len(words) <= 2 {
		return true
	}
	return false
}

func hasPrefixWords(words, prefix []string) bool {
	if len(words) < len(prefix) {
		return false
	}
	for i, w := range prefix {
		if words[i] != w {
			return false
		}
	}
	return true
}

// trailingClosure reports whether the phrase at words[at:at+n] ends the
// utterance apart from courtesy words and is not negated.
func trailingClosure(words []string, at, n int) bool {
	if at > 0 {
		if _, ok := negations[words[at-1]]; ok {
			return false
		}
	}
	for _, w := range words[at+n:] {
		if _, ok := courtesyWords[w]; !ok {
			return false
		}
	}
	return true
}

// Normalize lower-cases text, drops punctuation other than apostrophes and
// collapses whitespace.
func Normalize(text string) string {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

var sharedInfoIntents = map[string]struct{}{
	domain.IntentInquiry:      {},
	domain.IntentAppointment:  {},
	domain.IntentAdminHandoff: {},
	"scheduling":              {},
}

// GoodbyeReply builds the closing reply. The wording depends on whether
// the caller thanked us and whether they already shared details.
func GoodbyeReply(transcript, language string, history []domain.Message) Reply {
	text := Normalize(transcript)
	hasInfo := false
	for _, m := range history {
		if _, ok := sharedInfoIntents[m.Intent]; ok {
			hasInfo = true
			break
		}
	}

	var reply, translated string
	if language == LangSpanish {
		thanked := strings.Contains(text, "gracias")
		switch {
		case thanked && hasInfo:
			reply = "¡De nada! Nuestro equipo se comunicará pronto para organizar todo. ¡Que tenga un buen día!"
		case thanked:
			reply = "¡De nada! Estamos aquí para cuando nos necesite. ¡Que tenga un buen día!"
		case hasInfo:
			reply = "¡Gracias por llamarnos! Nuestro equipo se comunicará muy pronto. ¡Que tenga un buen día!"
		default:
			reply = "¡Gracias por llamarnos! Estamos aquí cuando necesite apoyo. ¡Que tenga un buen día!"
		}
		translated = "Thank you for calling! Have a great day!"
	} else {
		thanked := strings.Contains(text, "thank you") || strings.Contains(text, "thanks")
		switch {
		case thanked && hasInfo:
			reply = "You're very welcome! Our team will follow up with you soon. Have a wonderful day!"
		case thanked:
			reply = "You're very welcome! We're here whenever you need us. Have a great day!"
		case hasInfo:
			reply = "Thank you for calling! Our team will be in touch soon. Have a wonderful day!"
		default:
			reply = "Thank you for calling! We're here whenever you need support. Have a great day!"
		}
		translated = reply
	}

	return Reply{
		TranslatedText:   transcript,
		DetectedLanguage: language,
		Intent:           domain.IntentPoliteClosure,
		Reply:            reply,
		ReplyTranslated:  translated,
		SessionClosed:    true,
	}
}
