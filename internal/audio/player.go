package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/playback"
	"github.com/lexiqai/voice-client/internal/resilience"
)

const (
	applicationName = "voice-client"
	outputService   = "audio_output"
)

// decodeChunk turns a chunk payload into volume-adjusted mono samples
func decodeChunk(chunk *playback.Chunk, volume float64) (*PCM, error) {
	pcm, err := DecodeWAV(chunk.Payload)
	if err != nil {
		return nil, err
	}
	if pcm.SampleRate == 0 {
		pcm.SampleRate = chunk.SampleRate
	}
	pcm.Samples = ApplyVolume(pcm.Samples, volume)
	return pcm, nil
}

// PulsePlayer plays chunks through the PulseAudio (or PipeWire-pulse) server.
// Each track opens its own client and playback stream and closes both on Release.
type PulsePlayer struct {
	volume  float64
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// PulsePlayerConfig configures a PulsePlayer
type PulsePlayerConfig struct {
	Volume       float64
	MaxFailures  int
	ResetTimeout time.Duration
	Retry        *resilience.RetryConfig
	Logger       zerolog.Logger
}

// NewPulsePlayer creates a player guarded by an audio_output circuit breaker
func NewPulsePlayer(cfg PulsePlayerConfig) *PulsePlayer {
	breaker := resilience.NewCircuitBreaker(outputService, cfg.MaxFailures, cfg.ResetTimeout)
	breaker.OnStateChange(func(name string, _, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})
	return &PulsePlayer{
		volume:  cfg.Volume,
		breaker: breaker,
		retry:   cfg.Retry,
		logger:  observability.ForComponent(cfg.Logger, "pulse_player"),
	}
}

// Load decodes the WAV payload. The sound server is not touched until Play.
func (p *PulsePlayer) Load(chunk *playback.Chunk) (playback.Track, error) {
	pcm, err := decodeChunk(chunk, p.volume)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", chunk.SequenceID, err)
	}
	return &pulseTrack{
		player:    p,
		pcm:       pcm,
		mediaName: "assistant speech " + chunk.SequenceID,
	}, nil
}

// Check opens and closes a client to verify the sound server is reachable
func (p *PulsePlayer) Check(ctx context.Context) (bool, error) {
	state, requests, failures, rate := p.breaker.GetStats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d plays failed (%.0f%%)", resilience.ErrCircuitOpen, failures, requests, rate)
	}
	client, err := pulse.NewClient(pulse.ClientApplicationName(applicationName))
	if err != nil {
		return false, fmt.Errorf("connect pulse server: %w", err)
	}
	client.Close()
	return true, nil
}

type pulseTrack struct {
	player    *PulsePlayer
	mediaName string

	mu       sync.Mutex
	pcm      *PCM
	client   *pulse.Client
	stream   *pulse.PlaybackStream
	released bool
}

func (t *pulseTrack) Play(ctx context.Context) error {
	var cancelled bool
	err := t.player.breaker.Call(func() error {
		err := t.play(ctx)
		if err != nil && ctx.Err() != nil {
			// A user stop is not a device failure.
			cancelled = true
			return nil
		}
		return err
	})
	if cancelled {
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("audio output unavailable: %w", err)
		}
		observability.IncrementCircuitBreakerFailures(outputService)
	}
	return err
}

func (t *pulseTrack) play(ctx context.Context) error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return errors.New("track already released")
	}
	samples := t.pcm.Samples
	rate := t.pcm.SampleRate
	t.mu.Unlock()

	var client *pulse.Client
	err := resilience.Retry(ctx, func() error {
		c, err := pulse.NewClient(
			pulse.ClientApplicationName(applicationName),
			pulse.ClientApplicationIconName("audio-speakers"),
		)
		if err != nil {
			return fmt.Errorf("connect pulse server: %w", err)
		}
		client = c
		return nil
	}, t.player.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return err
	}

	cursor := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if ctx.Err() != nil || cursor >= len(samples) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, samples[cursor:])
		cursor += n
		if cursor >= len(samples) {
			return n, pulse.EndOfData
		}
		return n, nil
	})

	stream, err := client.NewPlayback(
		reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(rate),
		pulse.PlaybackLatency(0.05),
		pulse.PlaybackMediaName(t.mediaName),
	)
	if err != nil {
		client.Close()
		return fmt.Errorf("create pulse playback stream: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.stream = stream
	t.mu.Unlock()

	stream.Start()
	stream.Drain()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := stream.Error(); err != nil {
		return fmt.Errorf("play pulse stream: %w", err)
	}

	observability.RecordAudioBytes("out", int64(len(samples)*2))
	return nil
}

func (t *pulseTrack) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return
	}
	t.released = true
	if t.stream != nil {
		t.stream.Close()
		t.stream = nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	t.pcm = nil
}

// SilentPlayer decodes chunks and waits out their duration without a
// sound device. Turn state stays accurate on headless hosts.
type SilentPlayer struct {
	volume float64
}

// NewSilentPlayer creates a device-free player
func NewSilentPlayer() *SilentPlayer {
	return &SilentPlayer{volume: 1}
}

// Load decodes the chunk so malformed audio still surfaces as a playback error
func (p *SilentPlayer) Load(chunk *playback.Chunk) (playback.Track, error) {
	pcm, err := decodeChunk(chunk, p.volume)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", chunk.SequenceID, err)
	}
	return &silentTrack{length: time.Duration(pcm.Seconds() * float64(time.Second))}, nil
}

type silentTrack struct {
	length time.Duration
}

func (t *silentTrack) Play(ctx context.Context) error {
	timer := time.NewTimer(t.length)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *silentTrack) Release() {}
