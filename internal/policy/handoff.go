package policy

import (
	"fmt"
	"strings"

	"github.com/ashureev/servoice/internal/domain"
)

var hiringPhrases = []string{
	"job application", "applied for", "caregiver job", "hiring",
	"application status", "follow up on my application", "i applied",
}

// handoff hands the call to staff once the caller shares a new phone
// number. ok is false when the turn does not warrant a handoff.
func handoff(turn Turn) (Reply, bool) {
	found := ExtractSlots(turn.Transcript)
	if found.ContactPhone == "" || found.ContactPhone == turn.Slots.ContactPhone {
		return Reply{}, false
	}

	name := found.CallerName
	if name == "" {
		name = turn.Slots.CallerName
	}

	var convo strings.Builder
	for _, m := range turn.Context {
		convo.WriteString(strings.ToLower(m.Content))
		convo.WriteByte(' ')
	}
	convo.WriteString(strings.ToLower(turn.Transcript))
	hiring := false
	for _, p := range hiringPhrases {
		if strings.Contains(convo.String(), p) {
			hiring = true
			break
		}
	}

	r := Reply{
		TranslatedText:   turn.Transcript,
		DetectedLanguage: turn.Language,
		Intent:           domain.IntentAdminHandoff,
	}
	es := turn.Language == LangSpanish
	phone := found.ContactPhone

	switch {
	case hiring:
		r.Intent = domain.IntentJobApplication
		if es {
			r.Reply = fmt.Sprintf("Gracias. Tengo su número %s. Nuestro equipo de contratación le llamará dentro de 1-2 días hábiles. ¿Algo más?", phone)
			r.ReplyTranslated = "Thank you. I'll forward this to our hiring team who will contact you within 1-2 business days."
		} else {
			r.Reply = fmt.Sprintf("Thank you. I have your number as %s. Our hiring team will call within 1-2 business days. Anything else?", phone)
		}
	case name != "":
		if es {
			r.Reply = fmt.Sprintf("Excelente, %s. Tengo su número %s. Voy a transferir esta información a nuestro equipo de admisiones. ¿Hay algo más en lo que pueda ayudarle?", name, phone)
			r.ReplyTranslated = fmt.Sprintf("Excellent, %s. I have your number as %s. I'm forwarding this to our intake team. Is there anything else?", name, phone)
		} else {
			r.Reply = fmt.Sprintf("Excellent, %s! I have your number as %s. I'm forwarding this to our intake team. Is there anything else?", name, phone)
		}
	default:
		if es {
			r.Reply = fmt.Sprintf("Perfecto, tengo su número %s. Voy a transferir esto a nuestro equipo de admisiones. ¿Hay algo más?", phone)
			r.ReplyTranslated = fmt.Sprintf("I have your number as %s. I'm forwarding this to our intake team. Is there anything else?", phone)
		} else {
			r.Reply = fmt.Sprintf("I have your number as %s. I'm forwarding this to our intake team. Is there anything else?", phone)
		}
	}
	if r.ReplyTranslated == "" {
		r.ReplyTranslated = r.Reply
	}
	return r, true
}
