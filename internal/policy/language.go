package policy

import (
	"regexp"
	"strings"
)

// spanishMarkers are common Spanish words; any whole-word hit marks a
// transcript as Spanish.
var spanishMarkers = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(hola|gracias|por favor|adiós|buenos días|buenas tardes|buenas noches|sí|con|para|que|como|donde|cuando|porque|necesito|ayuda|información)(?:[^\p{L}]|$)`)

// DetectLanguage returns "es" when the transcript carries Spanish marker
// words, otherwise hint (or "en" when hint is empty).
func DetectLanguage(transcript, hint string) string {
	if spanishMarkers.MatchString(transcript) {
		return LangSpanish
	}
	if hint == "" {
		return LangEnglish
	}
	return hint
}

// ResolveLanguage picks the conversation language for a turn. Explicit
// requests win, then the pinned language, then the detector hint.
func ResolveLanguage(transcript, pinned, hint string) string {
	text := strings.ToLower(transcript)
	switch {
	case strings.Contains(text, "english please"), strings.Contains(text, "speak english"):
		return LangEnglish
	case strings.Contains(text, "español por favor"), strings.Contains(text, "en español"):
		return LangSpanish
	case pinned != "":
		return pinned
	case hint == LangSpanish:
		return LangSpanish
	default:
		return LangEnglish
	}
}
