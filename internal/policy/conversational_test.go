package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/servoice/internal/domain"
)

type fakeResponder struct {
	reply Reply
	err   error
	calls int
}

func (f *fakeResponder) Complete(_ context.Context, _ Turn) (Reply, error) {
	f.calls++
	return f.reply, f.err
}

func TestConversationalClosureSkipsResponder(t *testing.T) {
	t.Parallel()

	fr := &fakeResponder{}
	p := NewConversational(fr)
	r, err := p.Respond(context.Background(), Turn{Transcript: "Thanks, bye!", Language: LangEnglish})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !r.SessionClosed || r.Intent != domain.IntentPoliteClosure {
		t.Errorf("expected closing reply, got %+v", r)
	}
	if fr.calls != 0 {
		t.Errorf("responder called %d times on closure", fr.calls)
	}
}

func TestConversationalHandoffOnNewPhone(t *testing.T) {
	t.Parallel()

	fr := &fakeResponder{}
	p := NewConversational(fr)

	r, err := p.Respond(context.Background(), Turn{
		Transcript: "my name is maria, you can reach me at 555-222-3333",
		Language:   LangEnglish,
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if r.Intent != domain.IntentAdminHandoff {
		t.Errorf("intent = %q, want admin_handoff", r.Intent)
	}
	if !strings.Contains(r.Reply, "Maria") || !strings.Contains(r.Reply, "555-222-3333") {
		t.Errorf("unexpected reply %q", r.Reply)
	}
	if fr.calls != 0 {
		t.Error("responder should not be consulted on handoff")
	}

	// Same number already on file goes upstream.
	fr.reply = Reply{Intent: domain.IntentInquiry, Reply: "Sure."}
	slots := domain.Slots{ContactPhone: "555-222-3333"}
	r, _ = p.Respond(context.Background(), Turn{Transcript: "again it's 555 222 3333", Language: LangEnglish, Slots: slots})
	if r.Intent != domain.IntentInquiry || fr.calls != 1 {
		t.Errorf("expected upstream reply, got %+v (calls=%d)", r, fr.calls)
	}
}

func TestConversationalJobApplicationHandoff(t *testing.T) {
	t.Parallel()

	p := NewConversational(nil)
	r, _ := p.Respond(context.Background(), Turn{
		Transcript: "I applied for the caregiver job, my number is 555 444 1212",
		Language:   LangEnglish,
	})
	if r.Intent != domain.IntentJobApplication {
		t.Errorf("intent = %q, want job_application_followup", r.Intent)
	}
}

func TestConversationalFallbackOnError(t *testing.T) {
	t.Parallel()

	p := NewConversational(&fakeResponder{err: errors.New("upstream down")})
	r, err := p.Respond(context.Background(), Turn{Transcript: "hola necesito ayuda", Language: LangSpanish})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if r.Intent != domain.IntentClarificationNeeded {
		t.Errorf("intent = %q, want clarification_needed", r.Intent)
	}
	if !strings.HasPrefix(r.Reply, "Disculpe") {
		t.Errorf("expected spanish fallback, got %q", r.Reply)
	}
}

func TestConversationalCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewConversational(&fakeResponder{})
	if _, err := p.Respond(ctx, Turn{Transcript: "hi"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConversationalRepeatGuard(t *testing.T) {
	t.Parallel()

	prev := "How many hours a week were you thinking?"
	p := NewConversational(&fakeResponder{reply: Reply{Intent: domain.IntentInquiry, Reply: prev}})
	r, _ := p.Respond(context.Background(), Turn{
		Transcript: "not sure yet",
		Language:   LangEnglish,
		Context: []ContextMessage{
			{Role: domain.RoleUser, Content: "my dad needs company"},
			{Role: domain.RoleAssistant, Content: prev},
		},
	})
	if r.Reply == prev {
		t.Fatal("repeated reply was not replaced")
	}
	if r.Reply != "I understand. Is there anything else I can help you with?" {
		t.Errorf("unexpected substitute %q", r.Reply)
	}
}

func TestConversationalPolish(t *testing.T) {
	t.Parallel()

	p := NewConversational(&fakeResponder{reply: Reply{Intent: domain.IntentInquiry, Reply: "Perfect! we can send someone on mondays."}})
	r, _ := p.Respond(context.Background(), Turn{Transcript: "I'm worried about my mom", Language: LangEnglish})
	want := "I understand your concern. We can send someone on mondays."
	if r.Reply != want {
		t.Errorf("reply = %q, want %q", r.Reply, want)
	}
	if r.ReplyTranslated != r.Reply {
		t.Errorf("english reply_translated should mirror reply, got %q", r.ReplyTranslated)
	}
	if r.TranslatedText != "I'm worried about my mom" {
		t.Errorf("translated text = %q", r.TranslatedText)
	}
}

func TestConversationalEmptyReply(t *testing.T) {
	t.Parallel()

	p := NewConversational(&fakeResponder{reply: Reply{Intent: domain.IntentOther}})
	r, _ := p.Respond(context.Background(), Turn{Transcript: "hmm", Language: LangSpanish})
	if r.Reply != "¿En qué puedo ayudarle hoy?" {
		t.Errorf("reply = %q", r.Reply)
	}
}

func TestBuildContext(t *testing.T) {
	t.Parallel()

	msgs := []domain.Message{
		{Transcript: "hi", Reply: "hello"},
		{Transcript: "oops", Reply: "error", Intent: domain.IntentSystemError},
		{Transcript: "uh", Intent: domain.IntentBackchannel, Reply: "mm"},
		{Transcript: "", Reply: "greeting only"},
		{Transcript: "need care", Reply: "sure"},
	}
	got := BuildContext(msgs, 0)
	if len(got) != 4 {
		t.Fatalf("context has %d entries, want 4: %+v", len(got), got)
	}
	if got[2].Role != domain.RoleUser || got[2].Content != "need care" || got[3].Content != "sure" {
		t.Errorf("unexpected tail %+v", got[2:])
	}
	if lastAssistant(got) != "sure" {
		t.Errorf("lastAssistant = %q", lastAssistant(got))
	}

	if got := BuildContext(msgs, 1); len(got) != 2 || got[0].Content != "need care" {
		t.Errorf("window of 1 = %+v", got)
	}
}
