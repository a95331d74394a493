package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/echopad/echopad/internal/ai"
	"github.com/echopad/echopad/internal/ai/gemini"
	"github.com/echopad/echopad/internal/ai/openai"
	"github.com/echopad/echopad/internal/api"
	"github.com/echopad/echopad/internal/audio"
	"github.com/echopad/echopad/internal/config"
	"github.com/echopad/echopad/internal/session"
	"github.com/echopad/echopad/internal/storage/sqlite"
	"github.com/echopad/echopad/internal/transcription"
	"github.com/echopad/echopad/internal/websocket"
	"github.com/echopad/echopad/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Echopad server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Generate today's database filename
	today := time.Now().Format("2006-01-02")
	dbFilename := fmt.Sprintf("echopad-%s.db", today)
	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath, dbFilename)

	// Ensure the directory exists
	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.SQLiteBasePath))
		os.Exit(1)
	}

	log.Info("Using daily database", logger.String("path", dbPath))

	// Create transcript storage
	transcriptStorage, err := sqlite.NewTranscriptStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer transcriptStorage.Close()

	// Create WebSocket server
	wsServer := websocket.NewServer(log)

	// Start WebSocket server
	go wsServer.Run()

	// The sinks below close over the controller variable; it is assigned
	// before any session can start.
	var controller *session.Controller

	sinks := transcription.Sinks{
		OnPartial: func(text string) {
			wsServer.Broadcast(websocket.NewMessage(websocket.MessageTypePartialTranscript, map[string]any{
				"text": text,
			}))
		},
		OnPreview: func(text string) {
			wsServer.Broadcast(websocket.NewMessage(websocket.MessageTypePreview, map[string]any{
				"text": text,
			}))
		},
		OnFinal: func(text string) {
			st := controller.Status()
			wsServer.Broadcast(websocket.NewMessage(websocket.MessageTypeTurnCommitted, map[string]any{
				"text":       text,
				"session_id": st.SessionID,
			}))
			if _, err := transcriptStorage.StoreTurn(context.Background(), &sqlite.TurnRecord{
				SessionID: st.SessionID,
				CreatedAt: time.Now().UTC(),
				Content:   text,
			}); err != nil {
				log.Error("Failed to store transcript turn", logger.Error(err))
			}
		},
		OnError: func(message string) {
			wsServer.Broadcast(websocket.NewMessage(websocket.MessageTypeError, map[string]any{
				"message": message,
			}))
		},
		OnFatalError: func(message string) {
			log.Error("Fatal transcription error", logger.String("message", message))
		},
	}

	// Create audio capture source
	audioSource := audio.NewFFmpegSource(cfg.Audio.FFmpegPath, cfg.Audio.InputFormat, cfg.Audio.InputDevice, log)

	audioCfg := audio.Config{
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		ChunkMs:         cfg.Audio.ChunkMs,
		AmplitudeEveryN: cfg.Audio.AmplitudeEveryN,
		OnAmplitude: func(frame []byte) {
			levels := make([]int, len(frame))
			for i, b := range frame {
				levels[i] = int(b)
			}
			wsServer.Broadcast(websocket.NewMessage(websocket.MessageTypeAmplitude, map[string]any{
				"levels": levels,
			}))
		},
	}

	// Create session controller
	controller = session.NewController(session.Config{
		Transcription: transcription.ChannelConfig{
			BaseURL:                      cfg.Transcription.BaseURL,
			SampleRate:                   cfg.Transcription.SampleRate,
			Encoding:                     cfg.Transcription.Encoding,
			FormatTurns:                  cfg.Transcription.FormatTurns,
			EndOfTurnConfidenceThreshold: cfg.Transcription.EndOfTurnConfidenceThreshold,
			MinEndOfTurnSilenceMs:        cfg.Transcription.MinEndOfTurnSilenceMs,
			MaxTurnSilenceMs:             cfg.Transcription.MaxTurnSilenceMs,
			Keyterms:                     cfg.Transcription.Keyterms,
			HandshakeTimeout:             time.Duration(cfg.Transcription.HandshakeTimeoutSecs) * time.Second,
		},
		Audio: audioCfg,
		Credential: func() string {
			if cfg.Transcription.APIKey != "" {
				return cfg.Transcription.APIKey
			}
			return os.Getenv("ASSEMBLYAI_API_KEY")
		},
		Dialer: session.DialerFunc(func(ctx context.Context, chCfg transcription.ChannelConfig) (session.Stream, error) {
			return transcription.Dial(ctx, chCfg, log)
		}),
		Source: audioSource,
		Store:  &sessionStore{storage: transcriptStorage},
		Sinks:  sinks,
		Logger: log,
		OnStateChange: func(state session.State) {
			wsServer.Broadcast(websocket.NewMessage(websocket.MessageTypeRecordingState, map[string]any{
				"state": state.String(),
			}))
		},
	})

	// Create AI rewriter (if enabled)
	var rewriter *ai.Rewriter
	if cfg.Rewrite.Enabled {
		provider, err := buildRewriteProvider(cfg, log)
		if err != nil {
			log.Error("Failed to create rewrite provider", logger.Error(err))
			// Continue without the rewrite endpoint rather than failing
		} else {
			rewriter = ai.NewRewriter(provider, ai.ChatConfig{
				Model:       cfg.Rewrite.Model,
				Temperature: 0.3,
				MaxTokens:   4096,
			})
			log.Info("Rewrite service enabled",
				logger.String("provider", cfg.Rewrite.Provider),
				logger.String("model", cfg.Rewrite.Model))
		}
	} else {
		log.Info("Rewrite service disabled in configuration")
	}

	// Create API handler and router
	handler := api.NewHandler(controller, transcriptStorage, rewriter, cfg, log, wsServer)
	wsServer.SetMessageHandler(handler)
	wsServer.SetConnectHandler(handler.SendStatus)

	router := api.NewRouter(handler, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Stop any active recording first so the pending transcript flushes
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := controller.Stop(stopCtx); err != nil {
		log.Error("Error stopping recording session", logger.Error(err))
	}
	stopCancel()

	// Shutdown the HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	log.Info("Server fully stopped")
}

// sessionStore adapts the SQLite transcript storage to the session.Store
// interface.
type sessionStore struct {
	storage *sqlite.TranscriptStorage
}

func (s *sessionStore) StoreSession(ctx context.Context, rec session.Record) error {
	return s.storage.StoreSession(ctx, &sqlite.SessionRecord{
		ID:         rec.ID,
		Owner:      rec.Owner,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		Content:    rec.Text,
		AudioBytes: int64(rec.AudioBytes),
	})
}

func buildRewriteProvider(cfg *config.Config, log *logger.Logger) (ai.ChatProvider, error) {
	timeout := time.Duration(cfg.Rewrite.TimeoutSeconds) * time.Second

	switch cfg.Rewrite.Provider {
	case "openai":
		return openai.NewClient(cfg.Rewrite.APIKey, log, cfg.Rewrite.BaseURL, timeout), nil
	case "gemini":
		return gemini.NewClient(context.Background(), cfg.Rewrite.APIKey, log)
	default:
		return nil, fmt.Errorf("unknown rewrite provider: %s", cfg.Rewrite.Provider)
	}
}
