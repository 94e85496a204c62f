package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DeepgramSpeakURL = "https://api.deepgram.com/v1/speak"

// Voice models per language.
const (
	VoiceEnglish = "aura-2-thalia-en"
	VoiceSpanish = "aura-2-estrella-es"
)

// maxAudioBytes caps a single synthesised reply (about two minutes of 8 kHz mu-law).
const maxAudioBytes = 1 << 20

// Deepgram implements Provider using Deepgram's speak API.
type Deepgram struct {
	apiKey     string
	speakURL   string
	httpClient *http.Client
}

// NewDeepgram creates a Deepgram speech client.
func NewDeepgram(apiKey string) *Deepgram {
	return NewDeepgramWithClient(apiKey, DeepgramSpeakURL, &http.Client{Timeout: 30 * time.Second})
}

// NewDeepgramWithClient creates a client with a custom endpoint and HTTP client.
func NewDeepgramWithClient(apiKey, speakURL string, client *http.Client) *Deepgram {
	if speakURL == "" {
		speakURL = DeepgramSpeakURL
	}
	return &Deepgram{apiKey: apiKey, speakURL: speakURL, httpClient: client}
}

// VoiceFor picks the voice model for a language code.
func VoiceFor(language string) string {
	if strings.HasPrefix(strings.ToLower(language), "es") {
		return VoiceSpanish
	}
	return VoiceEnglish
}

// Synthesize implements Provider.
func (d *Deepgram) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	u, err := url.Parse(d.speakURL)
	if err != nil {
		return nil, fmt.Errorf("parse speak URL: %w", err)
	}
	q := u.Query()
	q.Set("model", VoiceFor(language))
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("container", "none")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram speak request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("deepgram speak error %d: %s", resp.StatusCode, string(msg))
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}
