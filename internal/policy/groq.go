package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/servoice/internal/domain"
)

const (
	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "llama-3.1-8b-instant"

	maxTranscriptRunes = 800
	maxContextMessages = 12
)

// GroqOption configures a GroqResponder.
type GroqOption func(*GroqResponder)

// WithGroqBaseURL sets a custom base URL.
func WithGroqBaseURL(baseURL string) GroqOption {
	return func(g *GroqResponder) {
		if baseURL != "" {
			g.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithGroqModel sets the model name.
func WithGroqModel(model string) GroqOption {
	return func(g *GroqResponder) {
		if model != "" {
			g.model = model
		}
	}
}

// WithGroqHTTPClient sets a custom HTTP client.
func WithGroqHTTPClient(c *http.Client) GroqOption {
	return func(g *GroqResponder) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// WithGroqRetry sets how many times transient failures are retried and the base backoff.
func WithGroqRetry(retries int, backoff time.Duration) GroqOption {
	return func(g *GroqResponder) {
		g.retries = retries
		g.backoff = backoff
	}
}

// WithGroqLogger sets the logger.
func WithGroqLogger(l *slog.Logger) GroqOption {
	return func(g *GroqResponder) {
		if l != nil {
			g.logger = l
		}
	}
}

// GroqResponder answers turns with an OpenAI-compatible chat completion.
type GroqResponder struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	retries     int
	backoff     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewGroq creates a responder.
func NewGroq(apiKey string, opts ...GroqOption) *GroqResponder {
	g := &GroqResponder{
		apiKey:      apiKey,
		baseURL:     DefaultGroqBaseURL,
		model:       DefaultGroqModel,
		temperature: 0.3,
		maxTokens:   300,
		retries:     2,
		backoff:     2 * time.Second,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// StatusError is returned for non-200 upstream responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("groq API error (status %d): %s", e.Code, e.Body)
}

// Transient reports whether the request may succeed on retry.
func (e *StatusError) Transient() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Complete implements Responder.
func (g *GroqResponder) Complete(ctx context.Context, turn Turn) (Reply, error) {
	text := strings.TrimSpace(turn.Transcript)
	if text == "" {
		return Reply{}, errors.New("empty transcript")
	}
	if utf8.RuneCountInString(text) > maxTranscriptRunes {
		text = string([]rune(text)[:maxTranscriptRunes])
	}

	lang := turn.Language
	if lang == "" {
		lang = LangEnglish
	}

	msgs := []chatMessage{{Role: "system", Content: systemPrompt(lang, turn.FirstTurn)}}
	history := turn.Context
	if len(history) > maxContextMessages {
		history = history[len(history)-maxContextMessages:]
	}
	for _, m := range history {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: domain.RoleUser, Content: text})

	body, err := json.Marshal(chatRequest{
		Model:          g.model,
		Messages:       msgs,
		Temperature:    g.temperature,
		MaxTokens:      g.maxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := g.postWithRetry(ctx, body)
	if err != nil {
		return Reply{}, err
	}

	return parseCompletion(raw)
}

func (g *GroqResponder) postWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		raw, err := g.post(ctx, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		var se *StatusError
		transient := !errors.As(err, &se) || se.Transient()
		if attempt == g.retries || !transient || ctx.Err() != nil {
			break
		}

		wait := g.backoff*time.Duration(1<<attempt) + time.Duration(rand.Int64N(int64(g.backoff)/4+1))
		g.logger.Warn("Groq request failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (g *GroqResponder) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("groq request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(raw) > 500 {
			raw = raw[:500]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

func parseCompletion(raw []byte) (Reply, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Reply{}, fmt.Errorf("unmarshal completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, errors.New("completion has no choices")
	}
	content := resp.Choices[0].Message.Content

	var out struct {
		TranslatedText       string `json:"translated_text"`
		DetectedLanguage     string `json:"detected_language"`
		Intent               string `json:"intent"`
		Urgent               any    `json:"urgent"`
		AIResponse           string `json:"ai_response"`
		AIResponseTranslated string `json:"ai_response_translated"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		embedded := jsonObject.FindString(content)
		if embedded == "" {
			return Reply{}, fmt.Errorf("no JSON object in completion: %w", err)
		}
		if err := json.Unmarshal([]byte(embedded), &out); err != nil {
			return Reply{}, fmt.Errorf("unmarshal embedded JSON: %w", err)
		}
	}

	intent := out.Intent
	if intent == "" {
		intent = domain.IntentOther
	}
	detected := out.DetectedLanguage
	if detected == "" {
		detected = LangEnglish
	}
	return Reply{
		TranslatedText:   out.TranslatedText,
		DetectedLanguage: detected,
		Intent:           intent,
		Urgent:           truthy(out.Urgent),
		Reply:            out.AIResponse,
		ReplyTranslated:  out.AIResponseTranslated,
	}, nil
}

// truthy accepts the booleans and "true"/"false" strings models emit.
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(strings.TrimSpace(x), "true")
	}
	return false
}

func systemPrompt(lang string, firstTurn bool) string {
	langName, replyIn := "English", "English"
	translatedHint := "English translation if needed, otherwise same as original"
	if lang == LangSpanish {
		langName, replyIn = "Spanish", "español"
		translatedHint = "traducción al inglés si es necesario, o igual que el original"
	}

	var b strings.Builder
	b.WriteString(`You are a warm, professional receptionist for a caregiving agency. Have natural, helpful conversations with callers who need care services.

PRINCIPLES:
1. Respond to what the caller actually says; do not force a script.
2. Match their tone and energy.
3. Gather details naturally with follow-up questions.
4. Acknowledge their specific situation.
5. When they show interest, guide them toward concrete next steps.

SERVICES:
- Companionship and conversation
- Medication reminders
- Light housekeeping
- Meal preparation
- Walking and light exercise support
- Personal care assistance

`)
	fmt.Fprintf(&b, "LANGUAGE: Respond ONLY in %s.\n\n", langName)
	if firstTurn {
		b.WriteString("This is their first turn. Welcome them warmly and understand their situation before logistics.\n\n")
	}
	fmt.Fprintf(&b, `Return JSON with exactly these keys:
{
  "original_text": "<caller input>",
  "translated_text": "%s",
  "detected_language": "%s",
  "intent": "inquiry|appointment|emergency|medical|caregiver_reschedule|polite_closure|other",
  "urgent": true or false,
  "ai_response": "<your reply in %s>",
  "ai_response_translated": "<your reply in English>"
}

Mark "urgent": true ONLY for real emergencies such as a caregiver no-show or a medical emergency.
If they want to end the conversation, use intent "polite_closure" and keep the reply brief.`, translatedHint, lang, replyIn)
	return b.String()
}
