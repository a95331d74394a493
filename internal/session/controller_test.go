package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/echopad/echopad/internal/audio"
	"github.com/echopad/echopad/internal/transcription"
	"github.com/echopad/echopad/pkg/logger"
)

type fakeStream struct {
	mu         sync.Mutex
	events     chan transcription.Event
	sent       [][]byte
	terminated bool
	closed     bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan transcription.Event, 16)}
}

func (s *fakeStream) SendAudio(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chunk)
}

func (s *fakeStream) Events() <-chan transcription.Event {
	return s.events
}

func (s *fakeStream) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// closeRemote ends the event stream the way a provider-side disconnect would,
// without marking the stream terminated by its consumer.
func (s *fakeStream) closeRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *fakeStream) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *fakeStream) emit(ev transcription.Event) {
	s.events <- ev
}

type fakeCapture struct {
	mu       sync.Mutex
	stopped  bool
	recorded []byte
}

func (c *fakeCapture) Stop() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return c.recorded, nil
}

type fakeSource struct {
	mu      sync.Mutex
	err     error
	capture *fakeCapture
	lastCfg audio.Config
}

func (s *fakeSource) Start(ctx context.Context, cfg audio.Config) (audio.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.lastCfg = cfg
	s.capture = &fakeCapture{recorded: []byte("pcm")}
	return s.capture, nil
}

type fakeStore struct {
	mu      sync.Mutex
	records []Record
}

func (s *fakeStore) StoreSession(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

type testRig struct {
	controller *Controller
	store      *fakeStore
	source     *fakeSource
	streams    chan *fakeStream
}

func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()

	rig := &testRig{
		store:   &fakeStore{},
		source:  &fakeSource{},
		streams: make(chan *fakeStream, 4),
	}

	cfg := Config{
		Transcription: transcription.ChannelConfig{SampleRate: 16000},
		Audio:         audio.Config{SampleRate: 16000, Channels: 1, ChunkMs: 100},
		Credential:    func() string { return "test-key" },
		Dialer: DialerFunc(func(ctx context.Context, _ transcription.ChannelConfig) (Stream, error) {
			s := newFakeStream()
			rig.streams <- s
			return s, nil
		}),
		Source: rig.source,
		Store:  rig.store,
		Logger: logger.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	rig.controller = NewController(cfg)
	return rig
}

func (r *testRig) stream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-r.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream was dialed")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestControllerStartStopLifecycle(t *testing.T) {
	rig := newTestRig(t, nil)
	c := rig.controller

	if got := c.Status().State; got != "idle" {
		t.Fatalf("initial state = %q, want idle", got)
	}

	if err := c.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	stream := rig.stream(t)

	st := c.Status()
	if st.State != "active" {
		t.Errorf("state after start = %q, want active", st.State)
	}
	if st.Owner != "cli" {
		t.Errorf("owner = %q, want cli", st.Owner)
	}
	if st.SessionID == "" {
		t.Error("session ID not assigned")
	}

	stream.emit(transcription.Event{Type: transcription.EventUpdate, Text: "Hello world.", Final: true, EndOfTurn: true, Formatted: true})
	waitFor(t, "turn commit", func() bool { return c.Reconciler().FinalizedText() != "" })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	st = c.Status()
	if st.State != "idle" {
		t.Errorf("state after stop = %q, want idle", st.State)
	}
	if st.SessionID != "" || !st.StartedAt.IsZero() {
		t.Errorf("idle status still reports session %q started at %v", st.SessionID, st.StartedAt)
	}
	if !stream.isTerminated() {
		t.Error("stream was not terminated on stop")
	}
	if !rig.source.capture.stopped {
		t.Error("capture was not stopped")
	}

	records := rig.store.all()
	if len(records) != 1 {
		t.Fatalf("store received %d records, want 1", len(records))
	}
	if got, want := records[0].Text, "Hello world. "; got != want {
		t.Errorf("stored text = %q, want %q", got, want)
	}
	if records[0].AudioBytes != len("pcm") {
		t.Errorf("stored audio bytes = %d, want %d", records[0].AudioBytes, len("pcm"))
	}
}

func TestControllerStopFlushesPendingTail(t *testing.T) {
	rig := newTestRig(t, nil)
	c := rig.controller

	if err := c.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	stream := rig.stream(t)

	stream.emit(transcription.Event{Type: transcription.EventUpdate, Text: "last words", EndOfTurn: true})
	waitFor(t, "partial delivery", func() bool { return c.Reconciler().Preview() != "" })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	records := rig.store.all()
	if len(records) != 1 {
		t.Fatalf("store received %d records, want 1", len(records))
	}
	if got, want := records[0].Text, "last words "; got != want {
		t.Errorf("stored text = %q, want %q", got, want)
	}
}

func TestControllerOwnerArbitration(t *testing.T) {
	rig := newTestRig(t, nil)
	c := rig.controller

	if err := c.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	rig.stream(t)

	// same owner is a no-op
	if err := c.Start(context.Background(), "alice"); err != nil {
		t.Errorf("same-owner Start() = %v, want nil", err)
	}

	// different owner is rejected
	err := c.Start(context.Background(), "bob")
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("different-owner Start() = %v, want BusyError", err)
	}
	if busy.Owner != "alice" {
		t.Errorf("BusyError.Owner = %q, want alice", busy.Owner)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestControllerRequiresCredential(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.Credential = func() string { return "" }
	})

	err := rig.controller.Start(context.Background(), "cli")
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Start() = %v, want ErrNoCredential", err)
	}
	if got := rig.controller.Status().State; got != "idle" {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestControllerDialFailure(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.Dialer = DialerFunc(func(ctx context.Context, _ transcription.ChannelConfig) (Stream, error) {
			return nil, fmt.Errorf("connection refused")
		})
	})

	err := rig.controller.Start(context.Background(), "cli")
	if err == nil {
		t.Fatal("Start() should fail when dial fails")
	}
	if got := rig.controller.Status().State; got != "idle" {
		t.Errorf("state = %q, want idle", got)
	}

	// a fresh start must be possible after the failure
	if err := rig.controller.Start(context.Background(), "cli"); err != nil {
		var busy *BusyError
		if errors.As(err, &busy) {
			t.Errorf("controller still busy after failed start")
		}
	}
}

func TestControllerCaptureFailureTearsDownStream(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.source.err = fmt.Errorf("no such device")

	err := rig.controller.Start(context.Background(), "cli")
	if err == nil {
		t.Fatal("Start() should fail when capture fails")
	}

	stream := rig.stream(t)
	if !stream.isTerminated() {
		t.Error("stream was not terminated after capture failure")
	}
	if got := rig.controller.Status().State; got != "idle" {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestControllerStopWhileIdleIsNoop(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.controller.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() while idle = %v, want nil", err)
	}
	if got := len(rig.store.all()); got != 0 {
		t.Errorf("store received %d records, want 0", got)
	}
}

func TestControllerToggle(t *testing.T) {
	rig := newTestRig(t, nil)
	c := rig.controller

	started, err := c.Toggle(context.Background(), "cli")
	if err != nil || !started {
		t.Fatalf("first Toggle() = (%v, %v), want (true, nil)", started, err)
	}
	rig.stream(t)

	started, err = c.Toggle(context.Background(), "cli")
	if err != nil || started {
		t.Fatalf("second Toggle() = (%v, %v), want (false, nil)", started, err)
	}
	if got := c.Status().State; got != "idle" {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestControllerAudioChunksReachStream(t *testing.T) {
	rig := newTestRig(t, nil)
	c := rig.controller

	if err := c.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	stream := rig.stream(t)

	rig.source.lastCfg.OnChunk([]byte{0xAA, 0xBB})

	stream.mu.Lock()
	sent := len(stream.sent)
	stream.mu.Unlock()
	if sent != 1 {
		t.Errorf("stream received %d chunks, want 1", sent)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestControllerRemoteTermination(t *testing.T) {
	rig := newTestRig(t, nil)
	c := rig.controller

	if err := c.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	stream := rig.stream(t)

	stream.emit(transcription.Event{Type: transcription.EventUpdate, Text: "Remote.", Final: true, EndOfTurn: true, Formatted: true})
	stream.emit(transcription.Event{Type: transcription.EventSessionTerminated})
	stream.closeRemote()

	waitFor(t, "return to idle", func() bool { return c.Status().State == "idle" })
	waitFor(t, "stream teardown", stream.isTerminated)

	records := rig.store.all()
	if len(records) != 1 {
		t.Fatalf("store received %d records, want 1", len(records))
	}
	if got, want := records[0].Text, "Remote. "; got != want {
		t.Errorf("stored text = %q, want %q", got, want)
	}
}

func TestControllerDiscardsStaleConnect(t *testing.T) {
	release := make(chan struct{})
	rig := newTestRig(t, nil)
	stale := newFakeStream()
	rig.controller.cfg.Dialer = DialerFunc(func(ctx context.Context, _ transcription.ChannelConfig) (Stream, error) {
		<-release
		return stale, nil
	})
	c := rig.controller

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background(), "cli") }()

	waitFor(t, "connecting state", func() bool { return c.Status().State == "connecting" })

	// stop while the dial is still in flight
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	close(release)

	if err := <-startErr; err != nil {
		t.Fatalf("superseded Start() = %v, want nil", err)
	}

	waitFor(t, "stale stream teardown", stale.isTerminated)
	if got := c.Status().State; got != "idle" {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestControllerFatalErrorStopsSession(t *testing.T) {
	var fatalMsg string
	var fatalMu sync.Mutex
	rig := newTestRig(t, func(cfg *Config) {
		cfg.Sinks = transcription.Sinks{
			OnFatalError: func(message string) {
				fatalMu.Lock()
				fatalMsg = message
				fatalMu.Unlock()
			},
		}
	})
	c := rig.controller

	if err := c.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	stream := rig.stream(t)

	stream.emit(transcription.Event{Type: transcription.EventError, Message: "not authorized"})

	waitFor(t, "session stop after fatal error", func() bool { return c.Status().State == "idle" })
	waitFor(t, "stream teardown", stream.isTerminated)

	fatalMu.Lock()
	got := fatalMsg
	fatalMu.Unlock()
	if got != "not authorized" {
		t.Errorf("fatal sink got %q, want %q", got, "not authorized")
	}
}

func TestControllerCredentialRotation(t *testing.T) {
	var keys []string
	var mu sync.Mutex
	current := "key-1"

	rig := newTestRig(t, func(cfg *Config) {
		cfg.Credential = func() string { return current }
		cfg.Dialer = DialerFunc(func(ctx context.Context, chCfg transcription.ChannelConfig) (Stream, error) {
			mu.Lock()
			keys = append(keys, chCfg.APIKey)
			mu.Unlock()
			return newFakeStream(), nil
		})
	})
	c := rig.controller

	if err := c.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	current = "key-2"
	if err := c.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"key-1", "key-2"}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("dialed keys = %v, want %v", keys, want)
	}
}

func TestControllerKeytermSupplier(t *testing.T) {
	var gotTerms []string
	rig := newTestRig(t, func(cfg *Config) {
		cfg.Transcription.Keyterms = []string{"base"}
		cfg.Keyterms = func(ctx context.Context) ([]string, error) {
			return []string{"extra"}, nil
		}
		cfg.Dialer = DialerFunc(func(ctx context.Context, chCfg transcription.ChannelConfig) (Stream, error) {
			gotTerms = chCfg.Keyterms
			return newFakeStream(), nil
		})
	})

	if err := rig.controller.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rig.controller.Stop(context.Background())

	if len(gotTerms) != 2 || gotTerms[0] != "base" || gotTerms[1] != "extra" {
		t.Errorf("keyterms = %v, want [base extra]", gotTerms)
	}
}

func TestControllerKeytermSupplierFailureIsNonFatal(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.Keyterms = func(ctx context.Context) ([]string, error) {
			return nil, fmt.Errorf("vocabulary service down")
		}
	})

	if err := rig.controller.Start(context.Background(), "cli"); err != nil {
		t.Fatalf("Start() should succeed without keyterms, got: %v", err)
	}
	rig.stream(t)
	if err := rig.controller.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}
