package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/stt"
)

var errCaptureEnded = errors.New("microphone stream ended")

// Microphone is a running capture device
type Microphone interface {
	Chunks() <-chan []byte
	Stop() error
}

// ActivityDetector spots speech onsets in captured frames
type ActivityDetector interface {
	Process(pcm []byte) (started, ended bool)
}

// VoicePipelineConfig wires a VoicePipeline
type VoicePipelineConfig struct {
	// Open starts the microphone; it is called on every Start
	Open   func() (Microphone, error)
	Source stt.Source

	// Sink receives TranscriptEvent, SpeechStarted and CaptureStopped values
	Sink func(any)

	// NewDetector is optional. Each session gets a fresh detector.
	NewDetector func() ActivityDetector

	Logger zerolog.Logger
}

// VoicePipeline feeds microphone audio to a transcript source and reports
// results back through the sink.
type VoicePipeline struct {
	open        func() (Microphone, error)
	source      stt.Source
	sink        func(any)
	newDetector func() ActivityDetector
	logger      zerolog.Logger

	mu   sync.Mutex
	mic  Microphone
	done chan struct{}

	// forwarded closes when the latest session's forward goroutine returns
	forwarded chan struct{}
}

// NewVoicePipeline creates an idle pipeline
func NewVoicePipeline(cfg VoicePipelineConfig) *VoicePipeline {
	return &VoicePipeline{
		open:        cfg.Open,
		source:      cfg.Source,
		sink:        cfg.Sink,
		newDetector: cfg.NewDetector,
		logger:      observability.ForComponent(cfg.Logger, "voice"),
	}
}

// Start opens a recognition session and then the microphone
func (v *VoicePipeline) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.mic != nil {
		return ErrAlreadyListening
	}
	if err := v.source.Start(ctx); err != nil {
		return fmt.Errorf("start transcription: %w", err)
	}
	mic, err := v.open()
	if err != nil {
		_ = v.source.Stop()
		return fmt.Errorf("open microphone: %w", err)
	}

	var detector ActivityDetector
	if v.newDetector != nil {
		detector = v.newDetector()
	}

	// Results left over from an earlier session belong to that session.
	if v.forwarded != nil {
		<-v.forwarded
	}
	if n := v.drainResults(); n > 0 {
		v.logger.Debug().Int("dropped", n).Msg("Discarded stale transcripts")
	}

	done, forwarded := make(chan struct{}), make(chan struct{})
	v.mic, v.done, v.forwarded = mic, done, forwarded
	go v.pump(mic, detector, done)
	go v.forward(done, forwarded)

	v.logger.Info().Msg("Voice input started")
	return nil
}

// Stop closes the microphone and the recognition session
func (v *VoicePipeline) Stop() error {
	v.mu.Lock()
	mic, done, forwarded := v.mic, v.done, v.forwarded
	v.mic, v.done = nil, nil
	v.mu.Unlock()

	if mic == nil {
		return nil
	}
	close(done)
	<-forwarded

	err := mic.Stop()
	if serr := v.source.Stop(); err == nil {
		err = serr
	}
	v.logger.Info().Msg("Voice input stopped")
	return err
}

// levelMeter is implemented by microphones that track input loudness
type levelMeter interface {
	Level() float64
}

// lossReporter is implemented by microphones that know why they ended
type lossReporter interface {
	Err() error
}

func (v *VoicePipeline) pump(mic Microphone, detector ActivityDetector, done chan struct{}) {
	var bytes int64
	for chunk := range mic.Chunks() {
		if detector != nil {
			if started, _ := detector.Process(chunk); started {
				ev := v.logger.Debug()
				if m, ok := mic.(levelMeter); ok {
					ev = ev.Float64("level", m.Level())
				}
				ev.Msg("Speech detected")
				v.sink(SpeechStarted{})
			}
		}
		if err := v.source.SendAudio(chunk); err != nil {
			v.logger.Debug().Err(err).Msg("Dropping microphone chunk")
			continue
		}
		bytes += int64(len(chunk))
	}

	select {
	case <-done:
		v.logger.Debug().Int64("bytes", bytes).Msg("Microphone pump finished")
		return
	default:
	}

	// The device went away without Stop.
	v.mu.Lock()
	if v.mic != mic {
		v.mu.Unlock()
		return
	}
	v.mic, v.done = nil, nil
	close(done)
	v.mu.Unlock()

	_ = v.source.Stop()

	cause := errCaptureEnded
	if r, ok := mic.(lossReporter); ok && r.Err() != nil {
		cause = fmt.Errorf("%w: %w", errCaptureEnded, r.Err())
	}
	v.logger.Warn().Err(cause).Msg("Microphone stream ended unexpectedly")
	v.sink(CaptureStopped{Err: cause})
}

// forward must not call back into Stop: Stop waits for it to return.
func (v *VoicePipeline) forward(done, forwarded chan struct{}) {
	defer close(forwarded)

	results := v.source.Results()
	for {
		select {
		case <-done:
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			select {
			case <-done:
				return
			default:
			}
			v.sink(TranscriptEvent{Text: r.Text, Final: r.IsFinal})
		}
	}
}

func (v *VoicePipeline) drainResults() int {
	results := v.source.Results()
	n := 0
	for {
		select {
		case _, ok := <-results:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
