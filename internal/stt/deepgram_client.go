package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/resilience"
)

const deepgramService = "deepgram"

// messageCallbackHandler embeds the SDK's default handler and overrides
// only the transcript and error callbacks
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Source using Deepgram's live streaming API
type DeepgramClient struct {
	config         *config.Config
	client         *listenClient.WSCallback
	transcript     chan *TranscriptionResult
	mu             sync.RWMutex
	isActive       bool
	starting       bool
	closed         bool
	session        uint64 // bumped by Start and Stop; callbacks from older sessions are dropped
	stops          uint64 // bumped by Stop; a pending reconnect gives up when it changes
	ctx            context.Context
	cancel         context.CancelFunc
	sessionCancel  context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewDeepgramClient creates a Deepgram streaming client
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())

	circuitBreaker := resilience.NewCircuitBreaker(
		deepgramService,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, _, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &DeepgramClient{
		config:         cfg,
		transcript:     make(chan *TranscriptionResult, 100),
		ctx:            ctx,
		cancel:         cancel,
		circuitBreaker: circuitBreaker,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: observability.ForComponent(logger, "deepgram"),
	}
}

// Start opens a live transcription session for 16kHz linear PCM
func (d *DeepgramClient) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.isActive || d.starting {
		d.mu.Unlock()
		return fmt.Errorf("deepgram client is already active")
	}
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return fmt.Errorf("deepgram client is closed")
	}
	d.starting = true
	d.session++
	session := d.session
	d.mu.Unlock()

	// The SDK may invoke callbacks from Connect, so d.mu is not held here.
	defer func() {
		d.mu.Lock()
		d.starting = false
		d.mu.Unlock()
	}()

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     16000,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			d.handleDeepgramMessage(session, msg)
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Error().Interface("response", errorResponse).Msg("Deepgram error")
			d.circuitBreaker.RecordResult(false)
			observability.IncrementCircuitBreakerFailures(deepgramService)
			observability.RecordError("stt", "deepgram")

			if d.ctx.Err() == nil {
				if stops, ok := d.deactivate(session); ok {
					go d.attemptReconnect(stops)
				}
			}
			return nil
		},
	}

	sessionCtx, sessionCancel := context.WithCancel(d.ctx)
	var client *listenClient.WSCallback
	err := resilience.Retry(ctx, func() error {
		return d.circuitBreaker.Call(func() error {
			c, err := listenClient.NewWSUsingCallback(sessionCtx, d.config.DeepgramAPIKey, nil, tOptions, callback)
			if err != nil {
				return fmt.Errorf("failed to create Deepgram client: %w", err)
			}
			if !c.Connect() {
				return resilience.NewRetryableError(errors.New("failed to connect to Deepgram"))
			}
			client = c
			return nil
		})
	}, d.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		sessionCancel()
		return err
	}

	d.mu.Lock()
	if d.session != session || d.closed {
		// Stop or Close ran while connecting.
		d.mu.Unlock()
		sessionCancel()
		client.Finish()
		return fmt.Errorf("deepgram session superseded while connecting")
	}
	d.client = client
	d.sessionCancel = sessionCancel
	d.isActive = true
	d.mu.Unlock()

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Deepgram streaming session started")
	return nil
}

func (d *DeepgramClient) handleDeepgramMessage(session uint64, msg *msginterfaces.MessageResponse) {
	if msg == nil || d.ctx.Err() != nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		startTime := msg.Start
		duration := msg.Duration
		if len(alt.Words) > 0 && duration == 0 {
			startTime = alt.Words[0].Start
			duration = alt.Words[len(alt.Words)-1].End - startTime
		}

		result := &TranscriptionResult{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
			StartTime:  startTime,
			Duration:   duration,
		}

		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed || session != d.session {
			d.logger.Debug().Str("text", result.Text).Msg("Dropping transcript from a finished session")
			return
		}
		select {
		case d.transcript <- result:
			d.logger.Debug().
				Bool("final", result.IsFinal).
				Float64("confidence", result.Confidence).
				Str("text", result.Text).
				Msg("Transcript")
		default:
			d.logger.Warn().Msg("Transcript channel full, dropping result")
		}

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram message ignored")
	}
}

// SendAudio forwards one PCM chunk
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	err := d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		session := d.session
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram client is not active")
		}

		if _, err := client.Write(audioData); err != nil {
			if stops, ok := d.deactivate(session); ok {
				go d.attemptReconnect(stops)
			}
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	})

	if err != nil {
		observability.IncrementCircuitBreakerFailures(deepgramService)
		return err
	}
	observability.RecordAudioBytes("in", int64(len(audioData)))
	return nil
}

// deactivate marks a failed session inactive so a reconnect can take over.
// It reports false when the session already ended or was replaced.
func (d *DeepgramClient) deactivate(session uint64) (stops uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isActive || d.session != session {
		return 0, false
	}
	d.isActive = false
	if d.sessionCancel != nil {
		d.sessionCancel()
		d.sessionCancel = nil
	}
	return d.stops, true
}

// attemptReconnect replaces a failed session unless Stop or Close ran since
func (d *DeepgramClient) attemptReconnect(stops uint64) {
	if d.ctx.Err() != nil {
		return
	}

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: d.config.RetryMaxAttempts,
		Backoff:     time.Duration(d.config.RetryInitialBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	var superseded bool
	err := resilience.Reconnect(d.ctx, func() error {
		d.mu.RLock()
		superseded = d.stops != stops
		d.mu.RUnlock()
		if superseded {
			return nil
		}
		return d.Start(d.ctx)
	}, reconnectConfig)
	switch {
	case err != nil:
		d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram session")
	case superseded:
		d.logger.Debug().Msg("Deepgram reconnect abandoned, session was stopped")
	default:
		d.logger.Info().Msg("Deepgram session reconnected")
	}
}

// Results returns the transcript channel
func (d *DeepgramClient) Results() <-chan *TranscriptionResult {
	return d.transcript
}

// Stop finishes the current session. Transcripts the server flushes
// afterwards are dropped.
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	d.session++
	d.stops++
	if !d.isActive {
		d.mu.Unlock()
		return nil
	}
	client, cancel := d.client, d.sessionCancel
	d.client, d.sessionCancel = nil, nil
	d.isActive = false
	d.mu.Unlock()

	// Finish may run callbacks, which take d.mu.
	client.Finish()
	if cancel != nil {
		cancel()
	}
	d.logger.Info().Msg("Deepgram streaming session stopped")
	return nil
}

// Close stops the session and any reconnection attempts, then closes Results
func (d *DeepgramClient) Close() error {
	d.cancel()
	err := d.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.transcript)
	}
	return err
}
