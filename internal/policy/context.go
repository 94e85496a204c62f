package policy

import (
	"strings"

	"github.com/ashureev/servoice/internal/domain"
)

// DefaultContextTurns is how many ledger messages feed the context window.
const DefaultContextTurns = 16

// BuildContext turns the last n messages into user/assistant pairs.
// Messages without both sides, system errors and backchannels are skipped.
func BuildContext(messages []domain.Message, n int) []ContextMessage {
	if n <= 0 {
		n = DefaultContextTurns
	}
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}

	out := make([]ContextMessage, 0, 2*len(messages))
	for _, m := range messages {
		if m.Intent == domain.IntentSystemError || m.Intent == domain.IntentBackchannel {
			continue
		}
		transcript := strings.TrimSpace(m.Transcript)
		reply := strings.TrimSpace(m.Reply)
		if transcript == "" || reply == "" {
			continue
		}
		out = append(out,
			ContextMessage{Role: domain.RoleUser, Content: transcript},
			ContextMessage{Role: domain.RoleAssistant, Content: reply},
		)
	}
	return out
}

// lastAssistant returns the most recent assistant content in ctx.
func lastAssistant(ctx []ContextMessage) string {
	if len(ctx) == 0 {
		return ""
	}
	last := ctx[len(ctx)-1]
	if last.Role != domain.RoleAssistant {
		return ""
	}
	return last.Content
}
