package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echopad/echopad/pkg/logger"
)

// Import the logger package's exported functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

// DefaultStreamingURL is the provider's realtime transcription endpoint
const DefaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"

const (
	// MaxKeyterms is the provider's cap on vocabulary hint entries
	MaxKeyterms = 100
	// MaxKeytermLen is the provider's cap on a single hint's length
	MaxKeytermLen = 50
)

// Channel owns a live websocket session with the streaming transcription
// provider and translates its wire messages into Events. Audio sends are
// fire-and-forget: chunks written while the channel is not open are dropped,
// never queued, because stale realtime audio is worthless.
type Channel struct {
	conn       *websocket.Conn
	events     chan Event
	mu         sync.Mutex
	open       bool
	terminated bool
	logger     *logger.Logger

	// formatTurns mirrors the connect option; a turn is only final once the
	// provider formats it or the caller opted out of waiting for formatting.
	formatTurns bool
}

// wireMessage is the provider's message envelope. Fields not relevant to the
// message type are simply absent.
type wireMessage struct {
	Type               string  `json:"type"`
	ID                 string  `json:"id,omitempty"`
	Transcript         string  `json:"transcript,omitempty"`
	EndOfTurn          bool    `json:"end_of_turn,omitempty"`
	TurnIsFormatted    bool    `json:"turn_is_formatted,omitempty"`
	Error              string  `json:"error,omitempty"`
	AudioDurationSec   float64 `json:"audio_duration_seconds,omitempty"`
	SessionDurationSec float64 `json:"session_duration_seconds,omitempty"`
}

// Dial opens a streaming session. Callers must not send audio unless Dial
// returned successfully.
func Dial(ctx context.Context, cfg ChannelConfig, log *logger.Logger) (*Channel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("streaming provider API key is required")
	}

	endpoint, err := buildStreamingURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build streaming URL: %w", err)
	}

	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	headers := http.Header{}
	headers.Set("Authorization", cfg.APIKey)

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to streaming provider (status %s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to streaming provider: %w", err)
	}

	c := &Channel{
		conn:        conn,
		events:      make(chan Event, 64),
		open:        true,
		logger:      log.Named("stream-channel"),
		formatTurns: cfg.FormatTurns,
	}

	go c.readLoop()

	return c, nil
}

// buildStreamingURL assembles the websocket URL with the session parameters
func buildStreamingURL(cfg ChannelConfig) (string, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultStreamingURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	if cfg.Encoding != "" {
		q.Set("encoding", cfg.Encoding)
	}
	q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns))
	if cfg.EndOfTurnConfidenceThreshold > 0 {
		q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(cfg.EndOfTurnConfidenceThreshold, 'f', -1, 64))
	}
	if cfg.MinEndOfTurnSilenceMs > 0 {
		q.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(cfg.MinEndOfTurnSilenceMs))
	}
	if cfg.MaxTurnSilenceMs > 0 {
		q.Set("max_turn_silence", strconv.Itoa(cfg.MaxTurnSilenceMs))
	}
	if terms := capKeyterms(cfg.Keyterms); len(terms) > 0 {
		encoded, err := json.Marshal(terms)
		if err != nil {
			return "", err
		}
		q.Set("keyterms_prompt", string(encoded))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// capKeyterms drops empty, over-long, and excess vocabulary hints
func capKeyterms(terms []string) []string {
	capped := make([]string, 0, len(terms))
	for _, t := range terms {
		if t == "" || len(t) > MaxKeytermLen {
			continue
		}
		capped = append(capped, t)
		if len(capped) == MaxKeyterms {
			break
		}
	}
	return capped
}

// Events returns the channel's event stream. It is closed when the
// connection ends, after a final SessionTerminated event.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// SendAudio forwards a binary PCM chunk to the provider. Chunks sent while
// the channel is not open are silently dropped.
func (c *Channel) SendAudio(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Debug("Failed to send audio chunk", Error(err))
		}
		// The read loop will observe the broken connection and report it;
		// a failing send is just dropped.
		c.open = false
	}
}

// Terminate requests a graceful close and tears down the connection.
// It is idempotent and safe to call at any time.
func (c *Channel) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return
	}
	c.terminated = true

	if c.open {
		msg, err := json.Marshal(wireMessage{Type: "Terminate"})
		if err == nil {
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("Failed to send termination message", Error(err))
			}
		}
		c.open = false
	}

	c.conn.Close()
}

// readLoop reads provider messages until the connection ends, translating
// each into an Event. It closes the event stream on exit.
func (c *Channel) readLoop() {
	defer close(c.events)

	terminationSeen := false
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			requested := c.terminated
			c.open = false
			c.mu.Unlock()

			if !requested {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Text != "" {
					c.events <- Event{Type: EventError, Message: closeErr.Text, Timestamp: time.Now().UTC()}
				}
				c.logger.Debug("Streaming connection closed", Error(err))
			}
			if !terminationSeen {
				c.events <- Event{Type: EventSessionTerminated, Timestamp: time.Now().UTC()}
			}
			return
		}

		ev, ok := c.translate(data)
		if !ok {
			continue
		}
		if ev.Type == EventSessionTerminated {
			terminationSeen = true
		}
		c.events <- ev
	}
}

// translate maps a raw provider message to an Event. Unparseable or
// irrelevant messages return ok=false and are dropped without surfacing an
// error: transient wire noise must not interrupt a running session.
func (c *Channel) translate(data []byte) (Event, bool) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("Ignoring unparseable provider message", Error(err))
		return Event{}, false
	}

	now := time.Now().UTC()

	// Error field takes precedence regardless of message type
	if msg.Error != "" {
		return Event{Type: EventError, Message: msg.Error, Timestamp: now}, true
	}

	switch msg.Type {
	case "Begin":
		c.logger.Info("Streaming session started", String("session_id", msg.ID))
		return Event{Type: EventSessionBegin, SessionID: msg.ID, Timestamp: now}, true

	case "Turn":
		if msg.Transcript == "" {
			return Event{}, false
		}
		return Event{
			Type:      EventUpdate,
			Text:      msg.Transcript,
			Final:     msg.EndOfTurn && (msg.TurnIsFormatted || !c.formatTurns),
			EndOfTurn: msg.EndOfTurn,
			Formatted: msg.TurnIsFormatted,
			Timestamp: now,
		}, true

	case "Termination":
		c.logger.Info("Streaming session terminated",
			String("audio_duration", fmt.Sprintf("%.2fs", msg.AudioDurationSec)),
			String("session_duration", fmt.Sprintf("%.2fs", msg.SessionDurationSec)))
		return Event{Type: EventSessionTerminated, Timestamp: now}, true
	}

	return Event{}, false
}
