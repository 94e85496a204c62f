// Package call runs the per-call session engine behind the caller media
// websocket.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/servoice/internal/bridge"
	"github.com/ashureev/servoice/internal/domain"
	"github.com/ashureev/servoice/internal/events"
	"github.com/ashureev/servoice/internal/hub"
	"github.com/ashureev/servoice/internal/ledger"
	"github.com/ashureev/servoice/internal/policy"
	"github.com/ashureev/servoice/internal/stt"
	"github.com/ashureev/servoice/internal/tts"
	"github.com/ashureev/servoice/internal/watchdog"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultGreeting is spoken as soon as the call starts.
const DefaultGreeting = "Hello, welcome to Servoice. How may I help you?"

// ErrNotLive is returned when ending a call that is not running.
var ErrNotLive = errors.New("call not live")

// State is the engine lifecycle state.
type State int32

const (
	StateAwaitingStart State = iota
	StateActive
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reasons a call ends.
const (
	ReasonStop      = "stop"
	ReasonClosure   = "closure"
	ReasonTimeout   = "inactivity"
	ReasonProvider  = "provider_error"
	ReasonTransport = "transport_error"
	ReasonAdmin     = "admin"
	ReasonShutdown  = "shutdown"
)

// Transport is the caller media connection. *websocket.Conn satisfies it.
type Transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Directory resolves dialed lines and callers. store.Repository satisfies it.
type Directory interface {
	ResolveLine(ctx context.Context, e164 string) (*domain.PhoneLine, error)
	FindOrCreateContact(ctx context.Context, phoneNumber string) (*domain.Contact, error)
}

// Flusher commits a session to durable storage.
type Flusher interface {
	Flush(ctx context.Context, sessionID string) error
}

// Broadcaster fans payloads out to observers.
type Broadcaster interface {
	Broadcast(ctx context.Context, v any) error
}

// Deps are the collaborators shared by every call.
type Deps struct {
	Ledger    *ledger.Ledger
	Directory Directory
	Committer Flusher
	Hub       Broadcaster
	Policy    policy.Policy
	STT       stt.Provider
	TTS       tts.Provider
	Publisher events.Publisher
	Registry  *Registry
	Logger    *slog.Logger
}

// Config tunes one call.
type Config struct {
	Greeting     string
	ContextTurns int
	QueueSize    int
	FlushTimeout time.Duration
	Watchdog     watchdog.Config
	STT          stt.Options

	// ActivityInterval throttles audio activity writes to the ledger.
	// Zero picks one second, or a quarter of the watchdog threshold when
	// that is shorter.
	ActivityInterval time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Greeting:     DefaultGreeting,
		ContextTurns: policy.DefaultContextTurns,
		QueueSize:    bridge.DefaultQueueSize,
		FlushTimeout: 30 * time.Second,
		Watchdog: watchdog.Config{
			Interval:  watchdog.DefaultInterval,
			Threshold: watchdog.DefaultThreshold,
		},
		STT: stt.DefaultOptions(),
	}
}

// Engine drives one call from the start frame to the final flush.
type Engine struct {
	deps   Deps
	cfg    Config
	conn   Transport
	logger *slog.Logger
	tracer trace.Tracer

	sessionID string
	state     atomic.Int32
	writeMu   sync.Mutex

	bridge *bridge.Bridge
	dog    *watchdog.Watchdog

	turns   chan bridge.Event
	turnWG  sync.WaitGroup
	bg      sync.WaitGroup
	closing atomic.Bool

	endCh        chan string
	finalizeOnce sync.Once
	closed       chan struct{}
}

// NewEngine prepares an engine for conn. Run drives it.
func NewEngine(conn Transport, deps Deps, cfg Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = bridge.DefaultQueueSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if cfg.STT.Encoding == "" {
		cfg.STT = stt.DefaultOptions()
	}
	if cfg.ActivityInterval <= 0 {
		cfg.ActivityInterval = bridge.DefaultActivityInterval
		if q := cfg.Watchdog.Threshold / 4; q > 0 && q < cfg.ActivityInterval {
			cfg.ActivityInterval = q
		}
	}
	cfg.Watchdog.Logger = deps.Logger

	return &Engine{
		deps:   deps,
		cfg:    cfg,
		conn:   conn,
		logger: deps.Logger,
		tracer: otel.Tracer("github.com/ashureev/servoice/internal/call"),
		turns:  make(chan bridge.Event, cfg.QueueSize),
		endCh:  make(chan string, 1),
		closed: make(chan struct{}),
	}
}

// SessionID is empty until the call has started.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Closed is closed once the call is fully torn down.
func (e *Engine) Closed() <-chan struct{} {
	return e.closed
}

// End asks the call to finalize and waits until it has.
func (e *Engine) End(ctx context.Context, reason string) error {
	if e.State() != StateActive {
		return ErrNotLive
	}
	e.requestEnd(reason)
	select {
	case <-e.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) requestEnd(reason string) {
	select {
	case e.endCh <- reason:
	default:
	}
}

// Run serves the call until it closes. Cleanup runs on every exit path.
func (e *Engine) Run(ctx context.Context) error {
	defer e.bg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first, err := e.awaitStart(ctx)
	if err != nil {
		e.state.Store(int32(StateClosed))
		close(e.closed)
		_ = e.conn.Close(websocket.StatusNormalClosure, "no start")
		return err
	}

	reason := ReasonTransport
	defer func() { e.finalize(ctx, reason) }()

	if err := e.begin(ctx, first); err != nil {
		reason = ReasonProvider
		return err
	}

	ctrl := make(chan error, 1)
	go e.readLoop(ctx, ctrl)

	reason = e.loop(ctx, ctrl)
	return nil
}

// awaitStart reads until a start or init frame arrives.
func (e *Engine) awaitStart(ctx context.Context) (Frame, error) {
	for {
		typ, data, err := e.conn.Read(ctx)
		if err != nil {
			return Frame{}, fmt.Errorf("read before start: %w", err)
		}
		if typ != websocket.MessageText {
			e.logger.Warn("Media received before start, dropping", "bytes", len(data))
			continue
		}
		f, err := DecodeText(data)
		if err != nil {
			e.logger.Warn("Undecodable frame before start", "error", err)
			continue
		}
		switch f.Kind {
		case FrameStart, FrameInit:
			return f, nil
		case FrameStop:
			return Frame{}, errors.New("stop before start")
		case FrameMedia:
			e.logger.Warn("Media received before start, dropping", "bytes", len(f.Audio))
		}
	}
}

// begin performs the AwaitingStart to Active transition.
func (e *Engine) begin(ctx context.Context, f Frame) error {
	params := ledger.StartParams{
		CallerIdentity: f.Caller,
		CallerNumber:   f.Caller,
		ReceiverNumber: f.Receiver,
	}
	if f.Kind == FrameStart {
		e.resolve(ctx, f, &params)
	} else {
		e.logger.Info("Call started from init payload, tenant lookup skipped", "caller", f.Caller)
	}
	if params.CallerIdentity == "" {
		params.CallerIdentity = ledger.UnknownCaller
	}

	e.sessionID = e.deps.Ledger.StartWith(params)
	e.logger = e.logger.With("session_id", e.sessionID)
	e.state.Store(int32(StateActive))
	if e.deps.Registry != nil {
		e.deps.Registry.Register(e)
	}

	e.bridge = bridge.New(e.deps.STT, bridge.Options{
		QueueSize:        e.cfg.QueueSize,
		SessionID:        e.sessionID,
		Logger:           e.logger,
		OnActivity:       e.touch,
		ActivityInterval: e.cfg.ActivityInterval,
	})
	if err := e.bridge.Start(ctx, e.cfg.STT); err != nil {
		e.logger.Error("Failed to start transcription", "error", err)
		return fmt.Errorf("start transcription: %w", err)
	}

	e.dog = watchdog.Start(ctx, e.cfg.Watchdog, e.lastActivity, func() {
		e.bridge.Stop()
		e.requestEnd(ReasonTimeout)
	})

	e.turnWG.Add(1)
	go e.turnWorker(ctx)

	if sess, ok := e.deps.Ledger.Get(e.sessionID); ok {
		e.publish(ctx, events.KeyCallStarted, sess)
	}
	e.broadcast(ctx, hub.Lifecycle(e.sessionID, domain.StatusLive, ""))

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.speak(ctx, e.cfg.Greeting, policy.LangEnglish)
	}()
	return nil
}

// touch and lastActivity share the session's activity clock with the
// admin API.
func (e *Engine) touch(t time.Time) {
	e.deps.Ledger.Touch(e.sessionID, t)
}

func (e *Engine) lastActivity() time.Time {
	t, _ := e.deps.Ledger.LastActivity(e.sessionID)
	return t
}

// resolve fills tenant keys and the caller contact. Lookup failures are
// logged; the flush reports the missing keys later.
func (e *Engine) resolve(ctx context.Context, f Frame, p *ledger.StartParams) {
	if e.deps.Directory == nil {
		return
	}
	if f.Receiver != "" {
		line, err := e.deps.Directory.ResolveLine(ctx, f.Receiver)
		switch {
		case err != nil:
			e.logger.Error("Line lookup failed", "receiver", f.Receiver, "error", err)
		case line == nil:
			e.logger.Warn("Receiver number not found", "receiver", f.Receiver)
		default:
			p.Tenant = line.Tenant()
		}
	}
	if f.Caller != "" {
		contact, err := e.deps.Directory.FindOrCreateContact(ctx, f.Caller)
		if err != nil {
			e.logger.Error("Contact lookup failed", "caller", f.Caller, "error", err)
		} else {
			p.CallerIdentity = contact.ID
		}
	}
}

// readLoop forwards audio to the bridge and reports stop, read errors and
// undecodable media. Malformed JSON is skipped.
func (e *Engine) readLoop(ctx context.Context, ctrl chan<- error) {
	report := func(err error) {
		select {
		case ctrl <- err:
		case <-ctx.Done():
		}
	}
	for {
		typ, data, err := e.conn.Read(ctx)
		if err != nil {
			report(err)
			return
		}
		if typ == websocket.MessageBinary {
			e.bridge.SubmitAudio(data)
			continue
		}
		f, err := DecodeText(data)
		if errors.Is(err, ErrBadPayload) {
			report(err)
			return
		}
		if err != nil {
			e.logger.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		switch f.Kind {
		case FrameMedia:
			e.bridge.SubmitAudio(f.Audio)
		case FrameStop:
			report(nil)
			return
		}
	}
}

// loop is the Active state. It returns the reason the call ends.
func (e *Engine) loop(ctx context.Context, ctrl <-chan error) string {
	for {
		select {
		case ev := <-e.bridge.Events():
			if !ev.IsFinal {
				e.broadcast(ctx, hub.Interim(uuid.NewString(), e.sessionID, ev.Transcript, ev.Language, ev.At))
				continue
			}
			select {
			case e.turns <- ev:
			case <-ctx.Done():
				return ReasonShutdown
			}
		case err := <-ctrl:
			if err == nil {
				e.logger.Info("Caller stream stopped")
				return ReasonStop
			}
			switch {
			case errors.Is(err, ErrBadPayload):
				e.logger.Warn("Undecodable media from caller", "error", err)
			case websocket.CloseStatus(err) != -1:
				e.logger.Info("Caller disconnected")
			default:
				e.logger.Warn("Caller connection error", "error", err)
			}
			return ReasonTransport
		case <-e.bridge.Done():
			e.logger.Error("Transcription stream failed", "error", e.bridge.Err())
			return ReasonProvider
		case reason := <-e.endCh:
			return reason
		case <-ctx.Done():
			return ReasonShutdown
		}
	}
}

func (e *Engine) turnWorker(ctx context.Context) {
	defer e.turnWG.Done()
	for ev := range e.turns {
		if e.closing.Load() {
			continue
		}
		e.handleTurn(ctx, ev)
	}
}

// handleTurn runs the pipeline for one final transcript.
func (e *Engine) handleTurn(ctx context.Context, ev bridge.Event) {
	ctx, span := e.tracer.Start(ctx, "call.turn", trace.WithAttributes(attribute.String("session.id", e.sessionID)))
	defer span.End()

	sess, _ := e.deps.Ledger.Get(e.sessionID)
	lang := policy.ResolveLanguage(ev.Transcript, sess.PreferredLanguage, ev.Language)
	turn := policy.Turn{
		SessionID:  e.sessionID,
		Transcript: ev.Transcript,
		Language:   lang,
		Context:    policy.BuildContext(sess.Messages, e.cfg.ContextTurns),
		History:    sess.Messages,
		Slots:      sess.Slots,
		FirstTurn:  len(sess.Messages) == 0,
	}

	var msg domain.Message
	reply, err := e.deps.Policy.Respond(ctx, turn)
	if err != nil {
		e.logger.Error("Policy failed, recording transcript only", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msg = domain.Message{
			Transcript:           ev.Transcript,
			TranslatedTranscript: ev.Transcript,
			DetectedLanguage:     lang,
			Intent:               domain.IntentSystemError,
			Timestamp:            time.Now(),
		}
	} else {
		msg = reply.Message(ev.Transcript, time.Now())
	}
	msg.ID = uuid.NewString()
	span.SetAttributes(attribute.String("turn.intent", msg.Intent), attribute.Bool("turn.closed", msg.SessionClosed))

	if got := e.deps.Ledger.AddMessage(e.sessionID, msg); got != e.sessionID {
		e.logger.Warn("Message landed in a new session", "new_session_id", got)
	}
	msg.SessionID = e.sessionID
	e.deps.Ledger.MergeSlots(e.sessionID, policy.ExtractSlots(ev.Transcript))
	if sess.PreferredLanguage != lang {
		e.deps.Ledger.SetLanguage(e.sessionID, lang)
	}

	if msg.SessionClosed {
		e.closing.Store(true)
	}
	if msg.Reply != "" {
		e.speak(ctx, msg.Reply, lang)
	}
	e.broadcast(ctx, hub.Final(msg))

	if msg.SessionClosed {
		e.logger.Info("Closure detected, ending call")
		e.requestEnd(ReasonClosure)
	}
}

// speak synthesizes text and writes one media frame. Failures are logged.
func (e *Engine) speak(ctx context.Context, text, lang string) {
	if e.deps.TTS == nil || text == "" {
		return
	}
	audio, err := e.deps.TTS.Synthesize(ctx, text, lang)
	if err != nil {
		e.logger.Error("Synthesis failed", "error", err)
		return
	}
	if len(audio) == 0 {
		return
	}
	if err := e.sendAudio(ctx, audio); err != nil {
		e.logger.Warn("Failed to send audio to caller", "error", err)
	}
}

func (e *Engine) sendAudio(ctx context.Context, audio []byte) error {
	data, err := EncodeMedia(audio)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.Write(ctx, websocket.MessageText, data)
}

func (e *Engine) broadcast(ctx context.Context, v any) {
	if e.deps.Hub == nil {
		return
	}
	if err := e.deps.Hub.Broadcast(ctx, v); err != nil {
		e.logger.Warn("Broadcast failed", "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, key string, sess domain.CallSession) {
	if err := e.deps.Publisher.Publish(ctx, key, events.NewCallEnvelope(key, events.CallEventFromSession(sess))); err != nil {
		e.logger.Warn("Failed to publish call event", "event", key, "error", err)
	}
}

// finalize tears the call down exactly once: Finalizing then Closed.
func (e *Engine) finalize(ctx context.Context, reason string) {
	e.finalizeOnce.Do(func() {
		e.state.Store(int32(StateFinalizing))
		e.logger.Info("Finalizing call", "reason", reason)

		if e.dog != nil {
			e.dog.Stop()
		}
		if e.bridge != nil {
			e.bridge.Stop()
		}
		close(e.turns)
		e.turnWG.Wait()

		// Teardown outlives a cancelled call context.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FlushTimeout)
		defer cancel()

		e.deps.Ledger.Close(e.sessionID)
		flushErr := e.deps.Committer.Flush(fctx, e.sessionID)
		if flushErr != nil {
			e.logger.Error("Flush failed, session kept in memory", "error", flushErr)
		}

		closedBy := ""
		if sess, ok := e.deps.Ledger.Get(e.sessionID); ok {
			e.publish(fctx, events.KeyCallClosed, sess)
			if sess.Analysis != nil {
				closedBy = sess.Analysis.ClosedBy
			}
		}
		e.broadcast(fctx, hub.Lifecycle(e.sessionID, domain.StatusClosed, closedBy))

		if flushErr == nil {
			e.deps.Ledger.Evict(e.sessionID)
		}
		if e.deps.Registry != nil {
			e.deps.Registry.Unregister(e)
		}

		e.writeMu.Lock()
		_ = e.conn.Close(websocket.StatusNormalClosure, reason)
		e.writeMu.Unlock()

		e.state.Store(int32(StateClosed))
		close(e.closed)
		e.logger.Info("Call closed", "reason", reason, "closed_by", closedBy)
	})
}
