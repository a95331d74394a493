package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/echopad/echopad/pkg/logger"
)

var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

// Config describes a capture session: PCM parameters plus per-frame
// callbacks. Callbacks are invoked from the capture goroutine and must not
// block for long.
type Config struct {
	SampleRate int
	Channels   int
	ChunkMs    int

	// OnChunk receives fixed-size PCM16-LE chunks suitable for streaming
	OnChunk func(chunk []byte)

	// OnAmplitude, if set, receives a small amplitude frame every
	// AmplitudeEveryN chunks for level-meter display
	OnAmplitude     func(frame []byte)
	AmplitudeEveryN int
}

// Capture is a running audio capture session
type Capture interface {
	// Stop ends the capture and returns all recorded audio bytes
	Stop() ([]byte, error)
}

// Source starts capture sessions. The ffmpeg implementation is the default;
// tests substitute their own.
type Source interface {
	Start(ctx context.Context, cfg Config) (Capture, error)
}

// FFmpegSource captures audio from a local input device via an ffmpeg
// subprocess, converting to raw PCM16-LE on stdout.
type FFmpegSource struct {
	ffmpegPath  string
	inputFormat string
	inputDevice string
	logger      *logger.Logger
}

// NewFFmpegSource creates an ffmpeg-backed capture source. inputFormat is
// the ffmpeg demuxer name (alsa, avfoundation, dshow, pulse) and inputDevice
// the device identifier for that demuxer.
func NewFFmpegSource(ffmpegPath, inputFormat, inputDevice string, log *logger.Logger) *FFmpegSource {
	return &FFmpegSource{
		ffmpegPath:  ffmpegPath,
		inputFormat: inputFormat,
		inputDevice: inputDevice,
		logger:      log.Named("audio"),
	}
}

type ffmpegCapture struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	logger *logger.Logger

	mu       sync.Mutex
	recorded []byte
	readErr  error
	stopped  bool
}

// Start spawns ffmpeg and begins pumping chunks to cfg.OnChunk
func (s *FFmpegSource) Start(ctx context.Context, cfg Config) (Capture, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := []string{
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
	}
	if s.inputFormat != "" {
		args = append(args, "-f", s.inputFormat)
	}
	args = append(args,
		"-i", s.inputDevice,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-flush_packets", "1",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.logger.Info("Started ffmpeg capture",
		String("device", s.inputDevice),
		Int("sample_rate", cfg.SampleRate),
		Int("channels", cfg.Channels),
		Int("chunk_ms", cfg.ChunkMs))

	capture := &ffmpegCapture{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: s.logger,
	}

	go capture.pump(ctx, stdout, cfg)

	return capture, nil
}

func (c *ffmpegCapture) pump(ctx context.Context, stdout io.Reader, cfg Config) {
	defer close(c.done)

	chunker := NewChunker(cfg.SampleRate, cfg.Channels, cfg.ChunkMs)
	buf := make([]byte, 4096)
	chunkCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := stdout.Read(buf)
		if n > 0 {
			for _, chunk := range chunker.Push(buf[:n]) {
				c.mu.Lock()
				c.recorded = append(c.recorded, chunk...)
				c.mu.Unlock()

				if cfg.OnChunk != nil {
					cfg.OnChunk(chunk)
				}

				chunkCount++
				if cfg.OnAmplitude != nil && cfg.AmplitudeEveryN > 0 && chunkCount%cfg.AmplitudeEveryN == 0 {
					cfg.OnAmplitude(AmplitudeFrame(chunk, 32))
				}
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("ffmpeg output read failed", Error(err))
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			return
		}
	}
}

// Stop kills ffmpeg, waits for the pump to drain, and returns the recording
func (c *ffmpegCapture) Stop() ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		recorded, readErr := c.recorded, c.readErr
		c.mu.Unlock()
		return recorded, readErr
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	if c.cmd.Process != nil {
		// ignore kill errors, the process may already have exited
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorded, c.readErr
}
