package call

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/servoice/internal/domain"
	"github.com/ashureev/servoice/internal/hub"
	"github.com/ashureev/servoice/internal/ledger"
	"github.com/ashureev/servoice/internal/persist"
	"github.com/ashureev/servoice/internal/policy"
	"github.com/ashureev/servoice/internal/store"
	"github.com/ashureev/servoice/internal/stt"
	"github.com/ashureev/servoice/internal/watchdog"
	"github.com/coder/websocket"
)

var errTransportClosed = errors.New("transport closed")

type inFrame struct {
	typ  websocket.MessageType
	data []byte
}

type fakeTransport struct {
	in        chan inFrame
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	writes      [][]byte
	closeReason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan inFrame, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.typ, fr.data, nil
	case <-f.closed:
		return 0, nil, errTransportClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, p)
	return nil
}

func (f *fakeTransport) Close(_ websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeReason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) sendText(v any) {
	data, _ := json.Marshal(v)
	f.in <- inFrame{typ: websocket.MessageText, data: data}
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeReason
}

type fakeStream struct {
	mu       sync.Mutex
	frames   int
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func (s *fakeStream) Send([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *fakeStream) Finish() error {
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type fakeSTT struct {
	mu       sync.Mutex
	stream   *fakeStream
	callback func(stt.Transcript)
	startErr error
}

func (p *fakeSTT) Name() string { return "fake" }

func (p *fakeSTT) Start(_ context.Context, _ stt.Options, cb func(stt.Transcript)) (stt.Stream, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = &fakeStream{done: make(chan struct{})}
	p.callback = cb
	return p.stream, nil
}

func (p *fakeSTT) started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callback != nil
}

func (p *fakeSTT) say(text string, final bool) {
	p.mu.Lock()
	cb := p.callback
	p.mu.Unlock()
	cb(stt.Transcript{Text: text, IsFinal: final})
}

type fakeTTS struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTTS) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("audio:" + text), nil
}

type recordingHub struct {
	mu       sync.Mutex
	payloads []any
}

func (h *recordingHub) Broadcast(_ context.Context, v any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, v)
	return nil
}

func (h *recordingHub) finals() []hub.FinalPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hub.FinalPayload
	for _, p := range h.payloads {
		if f, ok := p.(hub.FinalPayload); ok {
			out = append(out, f)
		}
	}
	return out
}

func (h *recordingHub) snapshot() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.payloads...)
}

type scriptedResponder struct {
	replies map[string]policy.Reply
}

func (s scriptedResponder) Complete(_ context.Context, turn policy.Turn) (policy.Reply, error) {
	if r, ok := s.replies[turn.Transcript]; ok {
		return r, nil
	}
	return policy.Reply{Intent: domain.IntentOther, Reply: "Could you tell me more?"}, nil
}

type countingFlusher struct {
	calls  atomic.Int32
	ledger *ledger.Ledger
	status atomic.Value
	next   Flusher
}

func (c *countingFlusher) Flush(ctx context.Context, id string) error {
	c.calls.Add(1)
	if sess, ok := c.ledger.Get(id); ok {
		c.status.Store(sess.Status)
	}
	if c.next != nil {
		return c.next.Flush(ctx, id)
	}
	return nil
}

type harness struct {
	ledger    *ledger.Ledger
	store     *store.SQLiteStore
	hub       *recordingHub
	stt       *fakeSTT
	tts       *fakeTTS
	flusher   *countingFlusher
	registry  *Registry
	transport *fakeTransport
	engine    *Engine
	done      chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.UpsertLine(context.Background(), &domain.PhoneLine{ID: "ln-1", E164: "+15559990000", CompanyID: "co-1", OfficeID: "of-1"}); err != nil {
		t.Fatalf("UpsertLine failed: %v", err)
	}

	l := ledger.New(nil)
	h := &harness{
		ledger:    l,
		store:     st,
		hub:       &recordingHub{},
		stt:       &fakeSTT{},
		tts:       &fakeTTS{},
		registry:  NewRegistry(nil),
		transport: newFakeTransport(),
		done:      make(chan error, 1),
	}
	h.flusher = &countingFlusher{ledger: l, next: persist.New(l, st, persist.Options{})}

	responder := scriptedResponder{replies: map[string]policy.Reply{
		"20 hours a week": {Intent: domain.IntentInquiry, Reply: "Great, 20 hours a week works for us."},
	}}
	h.engine = NewEngine(h.transport, Deps{
		Ledger:    l,
		Directory: st,
		Committer: h.flusher,
		Hub:       h.hub,
		Policy:    policy.NewConversational(responder),
		STT:       h.stt,
		TTS:       h.tts,
		Registry:  h.registry,
	}, cfg)
	return h
}

func (h *harness) run(ctx context.Context) {
	go func() { h.done <- h.engine.Run(ctx) }()
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.transport.sendText(map[string]any{
		"event": "start",
		"start": map[string]any{"customParameters": map[string]string{"caller": "5550001111", "receiver": "5559990000"}},
	})
	waitFor(t, time.Second, h.stt.started)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Watchdog = watchdog.Config{Interval: time.Hour, Threshold: time.Hour}
	return cfg
}

func TestEngineTwoTurnGoodbye(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.run(context.Background())
	h.start(t)

	id := h.engine.SessionID()
	if h.engine.State() != StateActive {
		t.Fatalf("state = %s, want active", h.engine.State())
	}
	if _, ok := h.registry.Get(id); !ok {
		t.Fatal("engine not registered")
	}
	waitFor(t, time.Second, func() bool { return h.transport.writeCount() == 1 })

	h.stt.say("20 hours", false)
	h.stt.say("20 hours a week", true)
	waitFor(t, time.Second, func() bool { return len(h.hub.finals()) == 1 })

	sess, ok := h.ledger.Get(id)
	if !ok || sess.Slots.HoursPerWeek != "20" {
		t.Errorf("slots not merged: %+v", sess.Slots)
	}

	h.stt.say("thanks, bye", true)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	finals := h.hub.finals()
	if len(finals) != 2 {
		t.Fatalf("got %d messages, want 2", len(finals))
	}
	if finals[0].Intent != domain.IntentInquiry || finals[0].SessionClosed {
		t.Errorf("first message = %+v", finals[0])
	}
	if finals[1].Intent != domain.IntentPoliteClosure || !finals[1].SessionClosed {
		t.Errorf("second message = %+v", finals[1])
	}

	conv, err := h.store.GetConversation(context.Background(), id)
	if err != nil || conv == nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	if conv.Tenant.LineID != "ln-1" || conv.Status != "closed" {
		t.Errorf("conversation = %+v", conv)
	}
	msgs, err := h.store.ListMessages(context.Background(), id)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("stored %d messages (err %v), want 2", len(msgs), err)
	}
	if h.flusher.calls.Load() != 1 {
		t.Errorf("flush called %d times, want 1", h.flusher.calls.Load())
	}

	// greeting plus one reply per turn
	if got := h.transport.writeCount(); got != 3 {
		t.Errorf("caller got %d media frames, want 3", got)
	}
	if h.transport.reason() != ReasonClosure {
		t.Errorf("close reason = %q", h.transport.reason())
	}
	if _, ok := h.ledger.Get(id); ok {
		t.Error("flushed session should be evicted")
	}
	if h.registry.Len() != 0 {
		t.Error("engine still registered")
	}
	if h.engine.State() != StateClosed {
		t.Errorf("state = %s, want closed", h.engine.State())
	}
}

func TestEngineInterimBroadcastBeforeFinal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.run(context.Background())
	h.start(t)

	h.stt.say("I need", false)
	h.stt.say("I need help", false)
	h.stt.say("I need help for my mom", true)
	waitFor(t, time.Second, func() bool { return len(h.hub.finals()) == 1 })

	var kinds []string
	for _, p := range h.hub.snapshot() {
		switch p.(type) {
		case hub.InterimPayload:
			kinds = append(kinds, "interim")
		case hub.FinalPayload:
			kinds = append(kinds, "final")
		}
	}
	want := []string{"interim", "interim", "final"}
	if len(kinds) != len(want) {
		t.Fatalf("broadcast order = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("broadcast order = %v, want %v", kinds, want)
		}
	}

	sess, _ := h.ledger.Get(h.engine.SessionID())
	if len(sess.Messages) != 1 {
		t.Errorf("ledger has %d messages, want 1", len(sess.Messages))
	}

	h.transport.sendText(map[string]string{"event": "stop"})
	h.wait(t)
	if h.transport.reason() != ReasonStop {
		t.Errorf("close reason = %q, want stop", h.transport.reason())
	}
}

func TestEngineWatchdogTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Watchdog = watchdog.Config{Interval: 10 * time.Millisecond, Threshold: 150 * time.Millisecond}
	h := newHarness(t, cfg)
	h.run(context.Background())
	h.start(t)

	h.stt.say("20 hours a week", true)
	h.wait(t)

	if h.flusher.calls.Load() != 1 {
		t.Fatalf("flush called %d times, want 1", h.flusher.calls.Load())
	}
	if got := h.flusher.status.Load(); got != domain.StatusClosed {
		t.Errorf("session status at flush = %v, want closed", got)
	}
	if h.transport.reason() != ReasonTimeout {
		t.Errorf("close reason = %q, want %q", h.transport.reason(), ReasonTimeout)
	}
	msgs, _ := h.store.ListMessages(context.Background(), h.engine.SessionID())
	if len(msgs) != 1 {
		t.Errorf("stored %d messages, want 1", len(msgs))
	}
}

func TestEngineForwardsAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.run(context.Background())
	h.start(t)

	h.transport.sendText(map[string]any{"event": "media", "media": map[string]string{"payload": "AAEC"}})
	h.transport.in <- inFrame{typ: websocket.MessageBinary, data: []byte{1, 2, 3}}
	waitFor(t, time.Second, func() bool {
		h.stt.stream.mu.Lock()
		defer h.stt.stream.mu.Unlock()
		return h.stt.stream.frames == 2
	})

	h.transport.sendText(map[string]string{"event": "stop"})
	h.wait(t)
}

func TestEngineProviderFailureFinalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.run(context.Background())
	h.start(t)

	s := h.stt.stream
	s.mu.Lock()
	s.err = errors.New("socket reset")
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })

	h.wait(t)
	if h.transport.reason() != ReasonProvider {
		t.Errorf("close reason = %q, want %q", h.transport.reason(), ReasonProvider)
	}
	if h.flusher.calls.Load() != 1 {
		t.Errorf("flush called %d times, want 1", h.flusher.calls.Load())
	}
}

func TestEngineProviderStartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.stt.startErr = errors.New("401 unauthorized")
	h.run(context.Background())
	h.transport.sendText(map[string]any{"event": "start", "start": map[string]any{"customParameters": map[string]string{"caller": "5550001111", "receiver": "5559990000"}}})

	if err := h.wait(t); err == nil {
		t.Fatal("expected start error")
	}
	if h.transport.reason() != ReasonProvider {
		t.Errorf("close reason = %q", h.transport.reason())
	}
	if h.engine.State() != StateClosed {
		t.Errorf("state = %s", h.engine.State())
	}
}

func TestEngineInitPayloadKeepsSessionOnMissingTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.run(context.Background())
	h.transport.sendText(map[string]string{"from": "555-000-1111"})
	waitFor(t, time.Second, h.stt.started)
	id := h.engine.SessionID()

	h.stt.say("hello there", true)
	waitFor(t, time.Second, func() bool { return len(h.hub.finals()) == 1 })
	h.transport.sendText(map[string]string{"event": "stop"})
	h.wait(t)

	sess, ok := h.ledger.Get(id)
	if !ok {
		t.Fatal("session with failed flush must stay in memory")
	}
	if sess.Status != domain.StatusClosed {
		t.Errorf("status = %q, want closed", sess.Status)
	}
	if conv, _ := h.store.GetConversation(context.Background(), id); conv != nil {
		t.Error("nothing may be written without tenant keys")
	}
}

func TestEngineTTSFailureStillBroadcasts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.tts.err = errors.New("speak down")
	h.run(context.Background())
	h.start(t)

	h.stt.say("20 hours a week", true)
	waitFor(t, time.Second, func() bool { return len(h.hub.finals()) == 1 })
	if h.transport.writeCount() != 0 {
		t.Errorf("caller got %d frames despite synthesis failure", h.transport.writeCount())
	}

	h.transport.sendText(map[string]string{"event": "stop"})
	h.wait(t)
}

func TestEngineEndBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	if err := h.engine.End(context.Background(), ReasonAdmin); !errors.Is(err, ErrNotLive) {
		t.Fatalf("End before start = %v, want ErrNotLive", err)
	}
}

type slowFlusher struct {
	delay time.Duration
	next  Flusher
}

func (s slowFlusher) Flush(ctx context.Context, id string) error {
	time.Sleep(s.delay)
	return s.next.Flush(ctx, id)
}

func TestRegistryEndAll(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	reg := NewRegistry(slog.New(slog.NewTextHandler(&logs, nil)))
	var hs []*harness
	for i := 0; i < 3; i++ {
		h := newHarness(t, testConfig())
		h.engine.deps.Registry = reg
		if i == 0 {
			h.flusher.next = slowFlusher{delay: 200 * time.Millisecond, next: h.flusher.next}
		}
		h.run(context.Background())
		h.start(t)
		hs = append(hs, h)
	}
	if reg.Len() != 3 {
		t.Fatalf("registry has %d calls, want 3", reg.Len())
	}

	ended, err := reg.EndAll(context.Background(), ReasonShutdown)
	if err != nil {
		t.Fatalf("EndAll failed: %v", err)
	}
	if len(ended) != 3 {
		t.Errorf("ended %v, want 3 ids", ended)
	}
	for i, h := range hs {
		select {
		case <-h.engine.Closed():
		default:
			t.Errorf("call %d still open after EndAll returned", i)
		}
	}
	for _, h := range hs {
		h.wait(t)
		if h.flusher.calls.Load() != 1 {
			t.Errorf("flush called %d times, want 1", h.flusher.calls.Load())
		}
	}
	if reg.Len() != 0 {
		t.Errorf("registry still has %d calls", reg.Len())
	}

	if err := reg.End(context.Background(), "missing"); !errors.Is(err, ErrNotLive) {
		t.Errorf("End(missing) = %v, want ErrNotLive", err)
	}

	out := logs.String()
	if n := strings.Count(out, "Call registered"); n != 3 {
		t.Errorf("registry logged %d registrations, want 3", n)
	}
	if n := strings.Count(out, "Call unregistered"); n != 3 {
		t.Errorf("registry logged %d unregistrations, want 3", n)
	}
}

func TestEngineAudioAdvancesSessionActivity(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ActivityInterval = time.Millisecond
	h := newHarness(t, cfg)
	h.run(context.Background())
	h.start(t)
	id := h.engine.SessionID()

	started, ok := h.ledger.LastActivity(id)
	if !ok {
		t.Fatal("session has no activity clock")
	}
	time.Sleep(5 * time.Millisecond)
	h.transport.in <- inFrame{typ: websocket.MessageBinary, data: []byte{1, 2, 3}}
	waitFor(t, time.Second, func() bool {
		sess, _ := h.ledger.Get(id)
		return sess.LastActivityAt.After(started)
	})

	h.transport.sendText(map[string]string{"event": "stop"})
	h.wait(t)
}

func TestEngineAudioKeepsWatchdogQuiet(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Watchdog = watchdog.Config{Interval: 10 * time.Millisecond, Threshold: 150 * time.Millisecond}
	h := newHarness(t, cfg)
	h.run(context.Background())
	h.start(t)

	for i := 0; i < 16; i++ {
		h.transport.in <- inFrame{typ: websocket.MessageBinary, data: []byte{byte(i)}}
		time.Sleep(25 * time.Millisecond)
	}
	if st := h.engine.State(); st != StateActive {
		t.Fatalf("state = %s after steady audio, want active", st)
	}

	h.transport.sendText(map[string]string{"event": "stop"})
	h.wait(t)
	if h.transport.reason() != ReasonStop {
		t.Errorf("close reason = %q, want stop", h.transport.reason())
	}
}

func TestEngineBadMediaPayloadFinalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.run(context.Background())
	h.start(t)
	id := h.engine.SessionID()

	h.stt.say("20 hours a week", true)
	waitFor(t, time.Second, func() bool { return len(h.hub.finals()) == 1 })

	h.transport.in <- inFrame{typ: websocket.MessageText, data: []byte("not json")}
	h.transport.sendText(map[string]any{"event": "media", "media": map[string]string{"payload": "%%%"}})
	h.wait(t)

	if h.transport.reason() != ReasonTransport {
		t.Errorf("close reason = %q, want %q", h.transport.reason(), ReasonTransport)
	}
	if h.flusher.calls.Load() != 1 {
		t.Errorf("flush called %d times, want 1", h.flusher.calls.Load())
	}
	msgs, err := h.store.ListMessages(context.Background(), id)
	if err != nil || len(msgs) != 1 {
		t.Errorf("stored %d messages (err %v), want 1", len(msgs), err)
	}
}
