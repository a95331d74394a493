package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLiteBasePath != "data" {
		t.Errorf("storage defaults = (%q, %q)", cfg.Storage.Type, cfg.Storage.SQLiteBasePath)
	}
	if cfg.Transcription.SampleRate != 16000 {
		t.Errorf("default sample rate = %d, want 16000", cfg.Transcription.SampleRate)
	}
	if cfg.Transcription.Encoding != "pcm_s16le" {
		t.Errorf("default encoding = %q, want pcm_s16le", cfg.Transcription.Encoding)
	}
	if cfg.Transcription.HandshakeTimeoutSecs != 15 {
		t.Errorf("default handshake timeout = %d, want 15", cfg.Transcription.HandshakeTimeoutSecs)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("audio sample rate default = %d, want transcription rate", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels != 1 || cfg.Audio.ChunkMs != 100 {
		t.Errorf("audio defaults = (%d channels, %d ms)", cfg.Audio.Channels, cfg.Audio.ChunkMs)
	}
	if cfg.Audio.FFmpegPath != "ffmpeg" {
		t.Errorf("default ffmpeg path = %q, want ffmpeg", cfg.Audio.FFmpegPath)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server port",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "log level",
		},
		{
			name:    "bad storage type",
			mutate:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: "storage type",
		},
		{
			name:    "bad encoding",
			mutate:  func(c *Config) { c.Transcription.Encoding = "mp3" },
			wantErr: "encoding",
		},
		{
			name:    "confidence above one",
			mutate:  func(c *Config) { c.Transcription.EndOfTurnConfidenceThreshold = 1.5 },
			wantErr: "end_of_turn_confidence_threshold",
		},
		{
			name:    "negative silence",
			mutate:  func(c *Config) { c.Transcription.MinEndOfTurnSilenceMs = -1 },
			wantErr: "min_end_of_turn_silence_ms",
		},
		{
			name:    "chunk too small",
			mutate:  func(c *Config) { c.Audio.ChunkMs = 20 },
			wantErr: "chunk_ms",
		},
		{
			name:    "chunk too large",
			mutate:  func(c *Config) { c.Audio.ChunkMs = 2000 },
			wantErr: "chunk_ms",
		},
		{
			name: "mismatched sample rates",
			mutate: func(c *Config) {
				c.Transcription.SampleRate = 16000
				c.Audio.SampleRate = 44100
			},
			wantErr: "must match",
		},
		{
			name: "rewrite enabled without provider",
			mutate: func(c *Config) {
				c.Rewrite.Enabled = true
				c.Rewrite.Provider = "mystery"
			},
			wantErr: "rewrite provider",
		},
		{
			name: "rewrite enabled without model",
			mutate: func(c *Config) {
				c.Rewrite.Enabled = true
				c.Rewrite.Provider = "openai"
			},
			wantErr: "rewrite.model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAllowsEmptyAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.Transcription.APIKey = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with empty API key = %v, want nil", err)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[server]
port = 9090
host = "0.0.0.0"

[logging]
level = "debug"
format = "console"

[transcription]
api_key = "secret"
sample_rate = 16000
format_turns = true
keyterms = ["echopad", "reconciler"]

[audio]
input_device = "default"
input_format = "pulse"
chunk_ms = 50

[rewrite]
enabled = true
provider = "openai"
model = "gpt-4o-mini"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Transcription.APIKey != "secret" || !cfg.Transcription.FormatTurns {
		t.Errorf("transcription = %+v", cfg.Transcription)
	}
	if len(cfg.Transcription.Keyterms) != 2 {
		t.Errorf("keyterms = %v, want 2 entries", cfg.Transcription.Keyterms)
	}
	if cfg.Audio.InputDevice != "default" || cfg.Audio.ChunkMs != 50 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if !cfg.Rewrite.Enabled || cfg.Rewrite.Provider != "openai" {
		t.Errorf("rewrite = %+v", cfg.Rewrite)
	}
	if cfg.Rewrite.TimeoutSeconds != 60 {
		t.Errorf("rewrite timeout default = %d, want 60", cfg.Rewrite.TimeoutSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load() on missing file should fail")
	}
}

func TestLoadWithFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 8080\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}

	if _, err := LoadWithFallback(filepath.Join(dir, "absent.toml")); err == nil {
		t.Error("LoadWithFallback() with no config anywhere should fail")
	}
}
