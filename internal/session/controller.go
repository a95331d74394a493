package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echopad/echopad/internal/audio"
	"github.com/echopad/echopad/internal/transcription"
	"github.com/echopad/echopad/pkg/logger"
)

var (
	String = logger.String
	Error  = logger.Error
)

// State is the recording lifecycle state
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// BusyError is returned when a start request arrives while another owner
// holds the recording session.
type BusyError struct {
	Owner string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("recording already in progress (owner %s)", e.Owner)
}

// ErrNoCredential is returned when no transcription API key is available
var ErrNoCredential = errors.New("no transcription API key configured")

// CredentialSupplier returns the current transcription API key. It is
// consulted on every start so rotated keys take effect without restart.
type CredentialSupplier func() string

// KeytermSupplier returns extra keyterms to bias transcription with.
// Failures are non-fatal; the session starts without the extra terms.
type KeytermSupplier func(ctx context.Context) ([]string, error)

// Stream is the consumer side of a live transcription connection
type Stream interface {
	SendAudio(chunk []byte)
	Events() <-chan transcription.Event
	Terminate()
}

// Dialer opens transcription streams
type Dialer interface {
	Dial(ctx context.Context, cfg transcription.ChannelConfig) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, cfg transcription.ChannelConfig) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, cfg transcription.ChannelConfig) (Stream, error) {
	return f(ctx, cfg)
}

// Record is a completed recording session as persisted to storage
type Record struct {
	ID         string
	Owner      string
	StartedAt  time.Time
	EndedAt    time.Time
	Text       string
	AudioBytes int
}

// Store persists completed sessions
type Store interface {
	StoreSession(ctx context.Context, rec Record) error
}

// Status is a snapshot of the controller state
type Status struct {
	State     string    `json:"state"`
	Owner     string    `json:"owner,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Preview   string    `json:"preview,omitempty"`
}

// Config wires the controller's collaborators
type Config struct {
	Transcription transcription.ChannelConfig
	Audio         audio.Config
	Credential    CredentialSupplier
	Keyterms      KeytermSupplier
	Dialer        Dialer
	Source        audio.Source
	Store         Store
	Sinks         transcription.Sinks
	Logger        *logger.Logger

	// OnStateChange, if set, is notified after every state transition
	OnStateChange func(state State)
}

// Controller arbitrates the single recording session: Idle -> Connecting ->
// Active -> Stopping -> Idle. At most one owner holds the session at a time.
type Controller struct {
	cfg    Config
	rec    *transcription.Reconciler
	logger *logger.Logger

	mu        sync.Mutex
	state     State
	owner     string
	sessionID string
	startedAt time.Time
	gen       uint64
	stream    Stream
	capture   audio.Capture
}

// NewController creates a session controller. Fatal transcription errors
// (auth rejection) tear the session down in addition to the configured sink.
func NewController(cfg Config) *Controller {
	c := &Controller{
		cfg:    cfg,
		logger: cfg.Logger.Named("session"),
	}

	sinks := cfg.Sinks
	userFatal := sinks.OnFatalError
	sinks.OnFatalError = func(message string) {
		if userFatal != nil {
			userFatal(message)
		}
		go func() {
			if err := c.Stop(context.Background()); err != nil {
				c.logger.Error("Stop after fatal transcription error failed", Error(err))
			}
		}()
	}
	c.rec = transcription.NewReconciler(sinks, cfg.Logger)

	return c
}

// Reconciler exposes the transcript reconciler for reads (preview, finalized
// text).
func (c *Controller) Reconciler() *transcription.Reconciler {
	return c.rec
}

// Status returns a snapshot of the current session
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:     c.state.String(),
		Owner:     c.owner,
		SessionID: c.sessionID,
		StartedAt: c.startedAt,
	}
	c.mu.Unlock()
	st.Preview = c.rec.Preview()
	return st
}

// Start begins a recording session for owner. Starting while the same owner
// already holds the session is a no-op; a different owner gets a BusyError.
func (c *Controller) Start(ctx context.Context, owner string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		if c.owner == owner {
			c.mu.Unlock()
			return nil
		}
		current := c.owner
		c.mu.Unlock()
		return &BusyError{Owner: current}
	}

	key := ""
	if c.cfg.Credential != nil {
		key = c.cfg.Credential()
	}
	if key == "" {
		c.mu.Unlock()
		return ErrNoCredential
	}

	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.owner = owner
	c.sessionID = uuid.New().String()
	c.startedAt = time.Now()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.notify(StateConnecting)
	c.rec.Reset()
	c.logger.Info("Starting recording session",
		String("session_id", sessionID),
		String("owner", owner))

	chCfg := c.cfg.Transcription
	chCfg.APIKey = key
	if c.cfg.Keyterms != nil {
		terms, err := c.cfg.Keyterms(ctx)
		if err != nil {
			c.logger.Warn("Keyterm supplier failed, starting without extra terms", Error(err))
		} else {
			chCfg.Keyterms = append(chCfg.Keyterms, terms...)
		}
	}

	stream, err := c.cfg.Dialer.Dial(ctx, chCfg)

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// superseded while connecting; discard the late connection
		c.mu.Unlock()
		if err == nil {
			stream.Terminate()
		}
		return nil
	}
	if err != nil {
		c.resetLocked()
		c.mu.Unlock()
		c.notify(StateIdle)
		return fmt.Errorf("transcription connect failed: %w", err)
	}
	c.stream = stream
	c.mu.Unlock()

	audioCfg := c.cfg.Audio
	userChunk := audioCfg.OnChunk
	audioCfg.OnChunk = func(chunk []byte) {
		stream.SendAudio(chunk)
		if userChunk != nil {
			userChunk(chunk)
		}
	}

	capture, err := c.cfg.Source.Start(ctx, audioCfg)

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		stream.Terminate()
		if err == nil {
			_, _ = capture.Stop()
		}
		return nil
	}
	if err != nil {
		c.resetLocked()
		c.mu.Unlock()
		stream.Terminate()
		c.notify(StateIdle)
		return fmt.Errorf("audio capture failed to start: %w", err)
	}
	c.capture = capture
	c.state = StateActive
	c.mu.Unlock()

	c.notify(StateActive)
	c.logger.Info("Recording session active", String("session_id", sessionID))

	go c.pump(gen, stream)
	return nil
}

// pump feeds transcription events into the reconciler until the stream's
// event channel closes.
func (c *Controller) pump(gen uint64, stream Stream) {
	for ev := range stream.Events() {
		c.rec.HandleEvent(ev)
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	// remote ended the session while we were active
	capture := c.capture
	sessionID, owner, startedAt := c.sessionID, c.owner, c.startedAt
	c.resetLocked()
	c.mu.Unlock()

	c.notify(StateIdle)
	c.logger.Info("Transcription stream ended remotely", String("session_id", sessionID))

	// close our side of the connection; Terminate is idempotent
	stream.Terminate()

	var recorded []byte
	if capture != nil {
		recorded, _ = capture.Stop()
	}
	c.persist(context.Background(), sessionID, owner, startedAt, recorded)
}

// Stop ends the current session, flushing any pending transcript before the
// network teardown can race it away. Stopping while idle is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateStopping {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	gen := c.gen
	stream, capture := c.stream, c.capture
	sessionID, owner, startedAt := c.sessionID, c.owner, c.startedAt
	c.mu.Unlock()

	c.notify(StateStopping)

	// flush before teardown so a pending turn cannot be lost to the close
	c.rec.FlushPending()

	if stream != nil {
		stream.Terminate()
	}
	var recorded []byte
	if capture != nil {
		var err error
		recorded, err = capture.Stop()
		if err != nil {
			c.logger.Warn("Audio capture stop reported error", Error(err))
		}
	}

	c.mu.Lock()
	if c.gen == gen {
		c.resetLocked()
	}
	c.mu.Unlock()

	c.notify(StateIdle)
	c.logger.Info("Recording session stopped", String("session_id", sessionID))

	c.persist(ctx, sessionID, owner, startedAt, recorded)
	return nil
}

// Toggle starts a session when idle, stops it otherwise. Returns true when a
// session was started.
func (c *Controller) Toggle(ctx context.Context, owner string) (bool, error) {
	c.mu.Lock()
	idle := c.state == StateIdle
	c.mu.Unlock()

	if idle {
		return true, c.Start(ctx, owner)
	}
	return false, c.Stop(ctx)
}

func (c *Controller) notify(state State) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state)
	}
}

// resetLocked returns the controller to Idle. Caller holds c.mu.
func (c *Controller) resetLocked() {
	c.state = StateIdle
	c.owner = ""
	c.sessionID = ""
	c.startedAt = time.Time{}
	c.stream = nil
	c.capture = nil
}

func (c *Controller) persist(ctx context.Context, sessionID, owner string, startedAt time.Time, recorded []byte) {
	if c.cfg.Store == nil || sessionID == "" {
		return
	}
	rec := Record{
		ID:         sessionID,
		Owner:      owner,
		StartedAt:  startedAt,
		EndedAt:    time.Now(),
		Text:       c.rec.FinalizedText(),
		AudioBytes: len(recorded),
	}
	if rec.Text == "" && rec.AudioBytes == 0 {
		// nothing was captured, e.g. a stop during connect
		return
	}
	if err := c.cfg.Store.StoreSession(ctx, rec); err != nil {
		c.logger.Error("Failed to persist session",
			String("session_id", sessionID),
			Error(err))
	}
}
