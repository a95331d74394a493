package transcription

import (
	"strings"
	"sync"

	"github.com/echopad/echopad/pkg/logger"
)

// Sinks receives the reconciler's output. All fields are optional; nil sinks
// are skipped. Sinks are invoked synchronously, in event order, from the
// goroutine delivering events to the reconciler.
type Sinks struct {
	// OnFinal receives each committed turn exactly once, in turn order,
	// with the provider's raw text (trimming is the renderer's concern).
	OnFinal func(text string)
	// OnPartial receives the in-progress turn's latest text; an empty string
	// clears the partial display after a commit.
	OnPartial func(text string)
	// OnPreview receives the full live preview (finalized + in-progress),
	// trimmed, after every update.
	OnPreview func(text string)
	// OnError receives provider error messages for user-visible reporting.
	OnError func(message string)
	// OnFatalError is invoked when an error cannot self-recover and the
	// session must be stopped (e.g., authorization revoked mid-session).
	OnFatalError func(message string)
}

// DefaultFatalErr reports whether a provider error message indicates an
// unrecoverable authorization failure.
func DefaultFatalErr(message string) bool {
	return strings.Contains(strings.ToLower(message), "not authorized")
}

// Reconciler turns the channel's event stream into a single monotonically
// growing transcript. It guarantees exactly-once, in-order commits, never
// loses the unformatted tail of a session, and maintains an ephemeral
// preview of finalized plus in-progress text.
//
// State is guarded by a mutex so that FlushPending may be called from the
// stop path while events are still being delivered; all mutation remains
// serialized.
type Reconciler struct {
	mu sync.Mutex

	// finalized is the concatenation of all committed turns, each followed
	// by a single trailing space. Append-only within a session.
	finalized string
	// partial is the latest non-final text for the in-progress turn,
	// replaced wholesale on every partial update.
	partial string
	// pendingUnformatted holds the most recent end-of-turn-but-unformatted
	// partial: some sessions end a turn without ever sending the formatted
	// final, and this is the fallback net.
	pendingUnformatted string
	// flushed records that the termination flush already ran; the flush
	// happens at most once per stop/termination.
	flushed bool

	sinks Sinks
	// FatalErr classifies error messages as unrecoverable. Defaults to
	// DefaultFatalErr when nil.
	FatalErr func(message string) bool
	logger   *logger.Logger
}

// NewReconciler creates a reconciler delivering output to the given sinks
func NewReconciler(sinks Sinks, log *logger.Logger) *Reconciler {
	return &Reconciler{
		sinks:  sinks,
		logger: log.Named("reconciler"),
	}
}

// Reset clears all transcript state for a new session
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finalized = ""
	r.partial = ""
	r.pendingUnformatted = ""
	r.flushed = false
}

// FinalizedText returns the committed transcript so far
func (r *Reconciler) FinalizedText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// Preview returns the current live preview (finalized + in-progress, trimmed)
func (r *Reconciler) Preview() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimSpace(r.finalized + r.partial)
}

// HandleEvent processes one channel event, updating transcript state and
// invoking sinks. Events must be delivered in arrival order.
func (r *Reconciler) HandleEvent(ev Event) {
	switch ev.Type {
	case EventSessionBegin:
		r.logger.Debug("Session began", String("session_id", ev.SessionID))

	case EventUpdate:
		r.handleUpdate(ev)

	case EventSessionTerminated:
		r.FlushPending()

	case EventError:
		r.logger.Warn("Provider error", String("message", ev.Message))
		if r.sinks.OnError != nil {
			r.sinks.OnError(ev.Message)
		}
		fatal := r.FatalErr
		if fatal == nil {
			fatal = DefaultFatalErr
		}
		if fatal(ev.Message) {
			r.logger.Error("Unrecoverable provider error, stopping session", String("message", ev.Message))
			if r.sinks.OnFatalError != nil {
				r.sinks.OnFatalError(ev.Message)
			}
		}
	}
}

func (r *Reconciler) handleUpdate(ev Event) {
	r.mu.Lock()
	if ev.Final {
		r.commitLocked(ev.Text)
	} else {
		r.partial = ev.Text
		if ev.EndOfTurn && !ev.Formatted {
			r.pendingUnformatted = ev.Text
		}
		r.mu.Unlock()
		if r.sinks.OnPartial != nil {
			r.sinks.OnPartial(ev.Text)
		}
	}
	r.emitPreview()
}

// commitLocked appends a turn to the finalized transcript and fires the
// commit sink. The caller must hold r.mu; the lock is released before sinks
// run so a sink may safely read reconciler state.
func (r *Reconciler) commitLocked(text string) {
	r.finalized += strings.TrimSpace(text) + " "
	r.partial = ""
	r.pendingUnformatted = ""
	r.mu.Unlock()

	if r.sinks.OnFinal != nil {
		r.sinks.OnFinal(text)
	}
	if r.sinks.OnPartial != nil {
		r.sinks.OnPartial("")
	}
}

// emitPreview recomputes the live preview and delivers it. An empty preview
// is delivered as-is; substituting a "listening" placeholder is the
// display layer's concern.
func (r *Reconciler) emitPreview() {
	if r.sinks.OnPreview == nil {
		return
	}
	r.sinks.OnPreview(r.Preview())
}

// FlushPending commits whatever text remains when a session ends: the most
// recent unformatted end-of-turn partial if one exists, otherwise the
// current partial. This guarantees words spoken right before a stop or
// disconnect are never silently dropped even if the provider never sent a
// matching final. The flush runs at most once per stop/termination.
func (r *Reconciler) FlushPending() {
	r.mu.Lock()

	if r.flushed {
		r.mu.Unlock()
		return
	}
	r.flushed = true

	text := r.pendingUnformatted
	if text == "" {
		text = r.partial
	}
	if strings.TrimSpace(text) == "" {
		r.mu.Unlock()
		return
	}

	r.logger.Debug("Flushing pending transcript tail", Int("length", len(text)))
	r.commitLocked(text)
	r.emitPreview()
}
