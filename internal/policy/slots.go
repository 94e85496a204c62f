package policy

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/ashureev/servoice/internal/domain"
)

// careKeywords maps care needs to the words that reveal them.
var careKeywords = []struct {
	need     string
	keywords []string
}{
	{"companionship", []string{"companionship", "company", "conversation"}},
	{"medication_reminders", []string{"medication", "medicine", "pills", "remind"}},
	{"light_housekeeping", []string{"housekeeping", "cleaning"}},
	{"meal_preparation", []string{"meal", "cooking", "food"}},
	{"walking_support", []string{"walking", "walk", "exercise"}},
}

var dayWords = map[string]string{
	"monday": "mon", "tuesday": "tue", "wednesday": "wed", "thursday": "thu",
	"friday": "fri", "saturday": "sat", "sunday": "sun",
	"lunes": "mon", "martes": "tue", "miércoles": "wed", "jueves": "thu",
	"viernes": "fri", "sábado": "sat", "domingo": "sun",
}

var timeOfDayWords = []struct {
	word  string
	value string
}{
	{"morning", "morning"},
	{"afternoon", "afternoon"},
	{"evening", "evening"},
	{"overnight", "overnight"},
	{"night", "night"},
	{"tarde", "afternoon"},
	{"noche", "night"},
}

var (
	hoursPattern = regexp.MustCompile(`(\d+)\s*hours?\s*(?:a\s+|per\s*)?week`)
	phonePattern = regexp.MustCompile(`\b(\d{3})[\s\-]?(\d{3})[\s\-]?(\d{4})\b`)
	namePattern  = regexp.MustCompile(`my name is ([a-z\s]+)`)
)

// nameStop ends a captured caller name.
var nameStop = map[string]struct{}{
	"and": {}, "my": {}, "i": {}, "i'm": {}, "im": {}, "the": {}, "from": {},
	"calling": {}, "here": {}, "to": {}, "for": {}, "about": {}, "but": {},
}

// ExtractSlots pulls structured details out of a single transcript.
func ExtractSlots(transcript string) domain.Slots {
	text := strings.ToLower(transcript)
	var s domain.Slots

	for _, ck := range careKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(text, kw) {
				s.AddNeed(ck.need)
				break
			}
		}
	}

	if m := hoursPattern.FindStringSubmatch(text); m != nil {
		s.HoursPerWeek = m[1]
	}

	words := strings.Fields(Normalize(text))
	for _, w := range words {
		if day, ok := dayWords[w]; ok {
			s.AddDay(day)
		}
	}
	switch {
	case strings.Contains(text, "weekday"):
		for _, d := range []string{"mon", "tue", "wed", "thu", "fri"} {
			s.AddDay(d)
		}
	case strings.Contains(text, "weekend"):
		s.AddDay("sat")
		s.AddDay("sun")
	}

	for _, tw := range timeOfDayWords {
		if containsWord(words, tw.word) {
			s.TimeOfDay = tw.value
			break
		}
	}

	if m := phonePattern.FindStringSubmatch(text); m != nil {
		s.ContactPhone = fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}

	if m := namePattern.FindStringSubmatch(text); m != nil {
		s.CallerName = cleanName(m[1])
	}
	return s
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

func cleanName(raw string) string {
	var parts []string
	for _, w := range strings.Fields(raw) {
		if _, stop := nameStop[w]; stop || len(parts) == 3 {
			break
		}
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		parts = append(parts, string(r))
	}
	return strings.Join(parts, " ")
}
