// Package stt provides streaming speech-to-text clients.
package stt

import (
	"context"
)

// Provider opens streaming transcription sessions.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Start opens a stream. onTranscript is invoked on the provider's own
	// goroutine for every recognised segment, in delivery order.
	Start(ctx context.Context, opts Options, onTranscript func(Transcript)) (Stream, error)
}

// Stream is a live transcription session.
type Stream interface {
	// Send forwards one audio frame.
	Send(frame []byte) error

	// Finish flushes pending audio and closes the stream. Safe to call twice.
	Finish() error

	// Done is closed once the stream has ended for any reason.
	Done() <-chan struct{}

	// Err reports why the stream ended. Nil after a clean Finish.
	Err() error
}

// Options configures a transcription stream.
type Options struct {
	Model       string // default: nova-2-general
	Language    string // empty lets the provider decide
	Encoding    string // default: mulaw
	SampleRate  int    // default: 8000
	Channels    int    // default: 1
	EndpointMS  int    // default: 300
	Interim     bool
	SmartFormat bool
}

// DefaultOptions matches telephony audio: 8 kHz mono mu-law.
func DefaultOptions() Options {
	return Options{
		Model:       "nova-2-general",
		Encoding:    "mulaw",
		SampleRate:  8000,
		Channels:    1,
		EndpointMS:  300,
		Interim:     true,
		SmartFormat: true,
	}
}

// Transcript is one recognised segment.
type Transcript struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Language    string
	Confidence  float64
}
