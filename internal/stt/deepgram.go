package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DeepgramListenURL = "wss://api.deepgram.com/v1/listen"

	defaultKeepAlive   = 8 * time.Second
	finishDrainTimeout = 3 * time.Second
)

// ErrStreamClosed is returned by Send after the stream has finished.
var ErrStreamClosed = errors.New("stream closed")

// Deepgram implements Provider against Deepgram's live listen API.
type Deepgram struct {
	apiKey    string
	listenURL string
	dialer    *websocket.Dialer
	keepAlive time.Duration
	logger    *slog.Logger
}

// DeepgramOption customises the client.
type DeepgramOption func(*Deepgram)

// WithListenURL points the client at another endpoint.
func WithListenURL(u string) DeepgramOption {
	return func(d *Deepgram) {
		if u != "" {
			d.listenURL = u
		}
	}
}

// WithKeepAlive sets how often idle streams are pinged.
func WithKeepAlive(interval time.Duration) DeepgramOption {
	return func(d *Deepgram) { d.keepAlive = interval }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DeepgramOption {
	return func(d *Deepgram) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDeepgram creates a Deepgram streaming client.
func NewDeepgram(apiKey string, opts ...DeepgramOption) *Deepgram {
	d := &Deepgram{
		apiKey:    apiKey,
		listenURL: DeepgramListenURL,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		keepAlive: defaultKeepAlive,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the provider identifier.
func (d *Deepgram) Name() string {
	return "deepgram"
}

// Start implements Provider.
func (d *Deepgram) Start(ctx context.Context, opts Options, onTranscript func(Transcript)) (Stream, error) {
	u, err := d.buildURL(opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := d.dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("deepgram connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("deepgram connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram connect: %w", err)
	}

	s := &deepgramStream{
		conn:         conn,
		onTranscript: onTranscript,
		done:         make(chan struct{}),
		stopPing:     make(chan struct{}),
		logger:       d.logger,
	}
	go s.readLoop()
	if d.keepAlive > 0 {
		go s.keepAliveLoop(d.keepAlive)
	}
	return s, nil
}

func (d *Deepgram) buildURL(opts Options) (string, error) {
	u, err := url.Parse(d.listenURL)
	if err != nil {
		return "", fmt.Errorf("parse listen URL: %w", err)
	}
	def := DefaultOptions()
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if opts.Encoding == "" {
		opts.Encoding = def.Encoding
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.Channels == 0 {
		opts.Channels = def.Channels
	}
	if opts.EndpointMS == 0 {
		opts.EndpointMS = def.EndpointMS
	}

	q := u.Query()
	q.Set("model", opts.Model)
	q.Set("encoding", opts.Encoding)
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", strconv.Itoa(opts.Channels))
	q.Set("endpointing", strconv.Itoa(opts.EndpointMS))
	q.Set("interim_results", strconv.FormatBool(opts.Interim))
	q.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	q.Set("punctuate", "true")
	q.Set("vad_events", "true")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type deepgramStream struct {
	conn         *websocket.Conn
	onTranscript func(Transcript)
	writeMu      sync.Mutex
	finished     atomic.Bool
	done         chan struct{}
	stopPing     chan struct{}
	pingOnce     sync.Once
	errMu        sync.Mutex
	err          error
	logger       *slog.Logger
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
}

func (s *deepgramStream) readLoop() {
	defer close(s.done)
	defer s.pingOnce.Do(func() { close(s.stopPing) })

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.finished.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.setErr(fmt.Errorf("deepgram read: %w", err))
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("Ignoring undecodable deepgram frame", "error", err)
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			t := Transcript{
				Text:        alt.Transcript,
				IsFinal:     msg.IsFinal,
				SpeechFinal: msg.SpeechFinal,
				Confidence:  alt.Confidence,
			}
			if len(alt.Languages) > 0 {
				t.Language = alt.Languages[0]
			}
			if s.onTranscript != nil {
				s.onTranscript(t)
			}
		case "Error":
			s.setErr(fmt.Errorf("deepgram error: %s", msg.Description))
			return
		}
	}
}

func (s *deepgramStream) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.writeText(`{"type":"KeepAlive"}`); err != nil {
				return
			}
		case <-s.stopPing:
			return
		}
	}
}

func (s *deepgramStream) writeText(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Send implements Stream.
func (s *deepgramStream) Send(frame []byte) error {
	if s.finished.Load() {
		return ErrStreamClosed
	}
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Finish implements Stream. It asks Deepgram to flush, waits briefly for
// the remaining results, then closes the socket.
func (s *deepgramStream) Finish() error {
	if s.finished.Swap(true) {
		return nil
	}
	s.pingOnce.Do(func() { close(s.stopPing) })

	select {
	case <-s.done:
	default:
		if err := s.writeText(`{"type":"CloseStream"}`); err != nil {
			s.logger.Debug("CloseStream write failed", "error", err)
		}
		select {
		case <-s.done:
		case <-time.After(finishDrainTimeout):
		}
	}

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// Done implements Stream.
func (s *deepgramStream) Done() <-chan struct{} {
	return s.done
}

// Err implements Stream.
func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
