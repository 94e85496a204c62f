// Package tts synthesises reply audio for the caller.
package tts

import "context"

// Provider turns text into telephony audio.
type Provider interface {
	// Synthesize returns 8 kHz mu-law audio for text in the given language.
	// Empty text yields nil audio and no error.
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}
