package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/servoice/internal/stt"
)

type fakeStream struct {
	mu       sync.Mutex
	frames   [][]byte
	finished int
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{})}
}

func (s *fakeStream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeStream) Finish() error {
	s.mu.Lock()
	s.finished++
	n := s.finished
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	if n > 1 {
		return stt.ErrStreamClosed
	}
	return nil
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) breakWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

type fakeProvider struct {
	stream   *fakeStream
	startErr error
	callback func(stt.Transcript)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Start(_ context.Context, _ stt.Options, cb func(stt.Transcript)) (stt.Stream, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.callback = cb
	return p.stream, nil
}

func startBridge(t *testing.T, queue int) (*Bridge, *fakeProvider) {
	t.Helper()
	p := &fakeProvider{stream: newFakeStream()}
	b := New(p, Options{QueueSize: queue, SessionID: "s1"})
	if err := b.Start(context.Background(), stt.DefaultOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, p
}

func recv(t *testing.T, b *Bridge) Event {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBridgeDeliversInterimBeforeFinal(t *testing.T) {
	t.Parallel()

	b, p := startBridge(t, 0)
	p.callback(stt.Transcript{Text: "I need"})
	p.callback(stt.Transcript{Text: "   "})
	p.callback(stt.Transcript{Text: "I need help", IsFinal: true})

	first, second := recv(t, b), recv(t, b)
	if first.IsFinal || first.Transcript != "I need" {
		t.Errorf("first event = %+v, want interim", first)
	}
	if !second.IsFinal || second.Transcript != "I need help" {
		t.Errorf("second event = %+v, want final", second)
	}
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestBridgeFullQueueBlocksWithoutDropping(t *testing.T) {
	t.Parallel()

	b, p := startBridge(t, 2)
	const total = 10

	produced := make(chan struct{})
	go func() {
		defer close(produced)
		for i := 0; i < total; i++ {
			p.callback(stt.Transcript{Text: string(rune('a' + i)), IsFinal: true})
		}
	}()

	select {
	case <-produced:
		t.Fatal("producer should block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < total; i++ {
		ev := recv(t, b)
		if want := string(rune('a' + i)); ev.Transcript != want {
			t.Fatalf("event %d = %q, want %q", i, ev.Transcript, want)
		}
	}
	<-produced
}

func TestBridgeStopReleasesBlockedProducer(t *testing.T) {
	t.Parallel()

	b, p := startBridge(t, 1)
	p.callback(stt.Transcript{Text: "one", IsFinal: true})

	released := make(chan struct{})
	go func() {
		p.callback(stt.Transcript{Text: "two", IsFinal: true})
		close(released)
	}()

	b.Stop()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Stop did not release the blocked callback")
	}
	b.Stop()
	if p.stream.finished != 1 {
		t.Errorf("Finish called %d times, want 1", p.stream.finished)
	}
}

func TestBridgeSubmitAudio(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{stream: newFakeStream()}
	b := New(p, Options{})
	b.SubmitAudio([]byte{1}) // before start

	if err := b.Start(context.Background(), stt.DefaultOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.SubmitAudio([]byte{2})
	b.SubmitAudio([]byte{3})
	b.Stop()
	b.SubmitAudio([]byte{4})

	p.stream.mu.Lock()
	defer p.stream.mu.Unlock()
	if len(p.stream.frames) != 2 || p.stream.frames[0][0] != 2 || p.stream.frames[1][0] != 3 {
		t.Errorf("frames = %v, want [[2] [3]]", p.stream.frames)
	}
}

type activityLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (a *activityLog) record(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.times = append(a.times, t)
}

func (a *activityLog) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.times)
}

func TestBridgeReportsActivityThrottled(t *testing.T) {
	t.Parallel()

	var log activityLog
	p := &fakeProvider{stream: newFakeStream()}
	b := New(p, Options{OnActivity: log.record, ActivityInterval: time.Second})
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	if err := b.Start(context.Background(), stt.DefaultOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)

	b.SubmitAudio([]byte{1})
	clock = clock.Add(200 * time.Millisecond)
	b.SubmitAudio([]byte{2})
	clock = clock.Add(200 * time.Millisecond)
	b.SubmitAudio([]byte{3})
	if n := log.count(); n != 1 {
		t.Fatalf("reports after three frames inside one interval = %d, want 1", n)
	}

	clock = clock.Add(time.Second)
	b.SubmitAudio([]byte{4})
	if n := log.count(); n != 2 {
		t.Fatalf("reports after interval elapsed = %d, want 2", n)
	}

	// Transcripts always count.
	clock = clock.Add(10 * time.Millisecond)
	p.callback(stt.Transcript{Text: "hello"})
	if n := log.count(); n != 3 {
		t.Fatalf("reports after transcript = %d, want 3", n)
	}
	if ev := recv(t, b); !ev.At.Equal(clock) {
		t.Errorf("event time = %v, want %v", ev.At, clock)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if !log.times[2].Equal(clock) {
		t.Errorf("last report = %v, want %v", log.times[2], clock)
	}
}

func TestBridgeProviderFailureClosesDone(t *testing.T) {
	t.Parallel()

	b, p := startBridge(t, 0)
	boom := errors.New("socket reset")
	p.stream.breakWith(boom)

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after provider failure")
	}
	if !errors.Is(b.Err(), boom) {
		t.Errorf("Err = %v, want %v", b.Err(), boom)
	}
}

func TestBridgeStopIsNotAFailure(t *testing.T) {
	t.Parallel()

	b, _ := startBridge(t, 0)
	b.Stop()
	select {
	case <-b.Done():
		t.Fatal("Done closed after a deliberate Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBridgeStartFailure(t *testing.T) {
	t.Parallel()

	b := New(&fakeProvider{startErr: errors.New("401")}, Options{})
	if err := b.Start(context.Background(), stt.DefaultOptions()); err == nil {
		t.Fatal("expected start error")
	}
	select {
	case <-b.Done():
	default:
		t.Fatal("Done should be closed after a failed start")
	}
	b.Stop()
}

func TestBridgeSpanishHint(t *testing.T) {
	t.Parallel()

	b, p := startBridge(t, 0)
	p.callback(stt.Transcript{Text: "hola, necesito ayuda", IsFinal: true})
	if ev := recv(t, b); ev.Language != "es" {
		t.Errorf("language = %q, want es", ev.Language)
	}
}
