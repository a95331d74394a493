package transcription

import "time"

// EventType identifies the kind of a streaming transcription event
type EventType int

const (
	// EventSessionBegin is emitted once when the provider opens a session
	EventSessionBegin EventType = iota
	// EventUpdate carries partial or final transcript text for the current turn
	EventUpdate
	// EventSessionTerminated is emitted when the provider session ends
	EventSessionTerminated
	// EventError carries a provider-reported error message
	EventError
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventSessionBegin:
		return "session_begin"
	case EventUpdate:
		return "update"
	case EventSessionTerminated:
		return "session_terminated"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the internal vocabulary the streaming channel translates provider
// wire messages into. At most one non-final Update is live at a time; a final
// Update supersedes the prior partial text for that turn.
type Event struct {
	Type      EventType
	SessionID string    // set on EventSessionBegin
	Text      string    // set on EventUpdate
	Final     bool      // authoritative, immutable text for the turn
	EndOfTurn bool      // provider detected the end of the turn
	Formatted bool      // provider applied punctuation/casing
	Message   string    // set on EventError
	Timestamp time.Time // when the event was received
}

// ChannelConfig contains the parameters for opening a streaming session
type ChannelConfig struct {
	APIKey  string
	BaseURL string // optional override; defaults to DefaultStreamingURL

	SampleRate int
	Encoding   string // "pcm_s16le" or "pcm_mulaw"

	// FormatTurns asks the provider to follow each end-of-turn transcript with
	// a formatted (punctuated/cased) final. When false, the first end-of-turn
	// transcript is treated as final.
	FormatTurns                  bool
	EndOfTurnConfidenceThreshold float64
	MinEndOfTurnSilenceMs        int
	MaxTurnSilenceMs             int

	// Keyterms biases recognition toward domain vocabulary. Entries beyond
	// MaxKeyterms or longer than MaxKeytermLen are dropped.
	Keyterms []string

	HandshakeTimeout time.Duration
}
