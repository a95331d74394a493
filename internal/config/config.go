package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server        ServerConfig        `toml:"server"`        // HTTP server settings
	Logging       LoggingConfig       `toml:"logging"`       // Application logging settings
	Storage       StorageConfig       `toml:"storage"`       // Transcript persistence settings
	Transcription TranscriptionConfig `toml:"transcription"` // Streaming transcription provider settings
	Audio         AudioConfig         `toml:"audio"`         // Microphone capture settings
	Rewrite       RewriteConfig       `toml:"rewrite"`       // AI transcript rewrite settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for streaming)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains transcript persistence configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // Storage backend type (currently only "sqlite" is supported)
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for SQLite database files (actual filename is generated per day)
}

// TranscriptionConfig contains settings for the streaming transcription provider
type TranscriptionConfig struct {
	// Provider API settings
	APIKey  string `toml:"api_key"`  // Streaming provider API key
	BaseURL string `toml:"base_url"` // Optional override for the streaming endpoint (defaults to the provider's realtime URL)

	// Audio format settings
	SampleRate int    `toml:"sample_rate"` // Audio sample rate in Hz (typically 16000)
	Encoding   string `toml:"encoding"`    // Audio encoding: "pcm_s16le" or "pcm_mulaw"

	// Turn detection and formatting settings
	FormatTurns                  bool    `toml:"format_turns"`                     // Wait for formatted (punctuated/cased) finals before committing a turn
	EndOfTurnConfidenceThreshold float64 `toml:"end_of_turn_confidence_threshold"` // Confidence required to end a turn (0.0-1.0)
	MinEndOfTurnSilenceMs        int     `toml:"min_end_of_turn_silence_ms"`       // Minimum silence before a confident end of turn (milliseconds)
	MaxTurnSilenceMs             int     `toml:"max_turn_silence_ms"`              // Silence after which a turn ends regardless of confidence (milliseconds)

	// Vocabulary boosting
	Keyterms []string `toml:"keyterms"` // Domain terms to bias recognition toward (max 100 entries, 50 chars each)

	// Connection settings
	HandshakeTimeoutSecs int `toml:"handshake_timeout_seconds"` // WebSocket handshake timeout in seconds
}

// AudioConfig contains microphone capture configuration
type AudioConfig struct {
	FFmpegPath      string `toml:"ffmpeg_path"`       // Path to FFmpeg executable
	InputDevice     string `toml:"input_device"`      // Capture device or stream URL passed to ffmpeg -i
	InputFormat     string `toml:"input_format"`      // ffmpeg input format (e.g., "pulse", "avfoundation"; empty = autodetect)
	SampleRate      int    `toml:"sample_rate"`       // Capture sample rate in Hz (must match transcription.sample_rate)
	Channels        int    `toml:"channels"`          // Number of audio channels (1 for mono)
	ChunkMs         int    `toml:"chunk_ms"`          // Size of audio chunks forwarded to the provider in milliseconds
	AmplitudeEveryN int    `toml:"amplitude_every_n"` // Emit an amplitude frame every N chunks (0 = disabled)
}

// RewriteConfig contains settings for AI transcript rewriting
type RewriteConfig struct {
	Enabled        bool   `toml:"enabled"`         // Enable or disable the rewrite endpoint
	Provider       string `toml:"provider"`        // Rewrite provider: "openai" or "gemini"
	Model          string `toml:"model"`           // Model to use for rewriting
	APIKey         string `toml:"api_key"`         // API key for the rewrite provider
	BaseURL        string `toml:"base_url"`        // Optional base URL override (OpenAI-compatible proxies)
	TimeoutSeconds int    `toml:"timeout_seconds"` // HTTP timeout for rewrite requests in seconds
}

// Load loads configuration from the given path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads configuration from the preferred path if given,
// otherwise searches the standard locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}

	// Validate logging config
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}

	// Validate storage config
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (only 'sqlite' is supported)", c.Storage.Type)
	}
	if c.Storage.SQLiteBasePath == "" {
		c.Storage.SQLiteBasePath = "data"
	}

	// Validate transcription config
	if err := c.ValidateTranscription(); err != nil {
		return err
	}

	// Validate audio config
	if err := c.ValidateAudio(); err != nil {
		return err
	}

	// Validate rewrite config
	if c.Rewrite.Enabled {
		if c.Rewrite.Provider != "openai" && c.Rewrite.Provider != "gemini" {
			return fmt.Errorf("invalid rewrite provider: %s (must be 'openai' or 'gemini')", c.Rewrite.Provider)
		}
		if c.Rewrite.Model == "" {
			return fmt.Errorf("rewrite.model is required when rewrite is enabled")
		}
		if c.Rewrite.TimeoutSeconds <= 0 {
			c.Rewrite.TimeoutSeconds = 60
		}
	}

	return nil
}

// ValidateTranscription validates the transcription section
func (c *Config) ValidateTranscription() error {
	if c.Transcription.SampleRate <= 0 {
		c.Transcription.SampleRate = 16000
	}
	if c.Transcription.Encoding == "" {
		c.Transcription.Encoding = "pcm_s16le"
	}
	if c.Transcription.Encoding != "pcm_s16le" && c.Transcription.Encoding != "pcm_mulaw" {
		return fmt.Errorf("invalid transcription encoding: %s (must be 'pcm_s16le' or 'pcm_mulaw')", c.Transcription.Encoding)
	}
	if c.Transcription.EndOfTurnConfidenceThreshold < 0 || c.Transcription.EndOfTurnConfidenceThreshold > 1 {
		return fmt.Errorf("invalid end_of_turn_confidence_threshold: %f (must be between 0.0 and 1.0)", c.Transcription.EndOfTurnConfidenceThreshold)
	}
	if c.Transcription.MinEndOfTurnSilenceMs < 0 {
		return fmt.Errorf("invalid min_end_of_turn_silence_ms: %d (must be >= 0)", c.Transcription.MinEndOfTurnSilenceMs)
	}
	if c.Transcription.MaxTurnSilenceMs < 0 {
		return fmt.Errorf("invalid max_turn_silence_ms: %d (must be >= 0)", c.Transcription.MaxTurnSilenceMs)
	}
	if c.Transcription.HandshakeTimeoutSecs <= 0 {
		c.Transcription.HandshakeTimeoutSecs = 15
	}
	// An empty API key is allowed here; the session controller checks the
	// credential at start time so the key can be rotated without a restart.
	return nil
}

// ValidateAudio validates the audio section
func (c *Config) ValidateAudio() error {
	if c.Audio.FFmpegPath == "" {
		c.Audio.FFmpegPath = "ffmpeg"
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = c.Transcription.SampleRate
	}
	if c.Audio.SampleRate != c.Transcription.SampleRate {
		return fmt.Errorf("audio.sample_rate (%d) must match transcription.sample_rate (%d)", c.Audio.SampleRate, c.Transcription.SampleRate)
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.ChunkMs <= 0 {
		c.Audio.ChunkMs = 100
	}
	if c.Audio.ChunkMs < 50 || c.Audio.ChunkMs > 1000 {
		return fmt.Errorf("invalid audio chunk_ms: %d (provider requires chunks between 50ms and 1000ms)", c.Audio.ChunkMs)
	}
	return nil
}
