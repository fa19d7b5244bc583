package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/connection"
	"github.com/lexiqai/voice-client/internal/conversation"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/playback"
	"github.com/lexiqai/voice-client/internal/resilience"
	"github.com/lexiqai/voice-client/internal/stt"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("server_url", cfg.ServerURL).
		Str("audio_output", cfg.AudioOutput).
		Bool("voice_input", cfg.VoiceInputEnabled).
		Int("auto_submit_ms", cfg.AutoSubmitDelayMs).
		Msg("Voice client starting")

	player, audioCheck := newPlayer(cfg, logger)
	queue := playback.NewQueue(player, playback.Options{
		ManualStop: cfg.ManualPlaybackControl,
		Logger:     &logger,
	})

	manager := connection.New(connection.Options{
		URL:              cfg.ServerURL,
		HandshakeTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		ReconnectEnabled: cfg.ReconnectEnabled,
		ReconnectDelay:   cfg.ReconnectDelay(),
		PingInterval:     time.Duration(cfg.PingInterval) * time.Second,
		WriteTimeout:     time.Duration(cfg.WriteTimeout) * time.Second,
		Logger:           &logger,
	})

	var orch *conversation.Orchestrator
	dispatch := func(ev any) { orch.Dispatch(ev) }

	opts := conversation.Options{
		AutoSubmitDelay:       cfg.AutoSubmitDelay(),
		ManualPlaybackControl: cfg.ManualPlaybackControl,
		BargeIn:               cfg.BargeInEnabled,
		Logger:                &logger,
	}
	var sttClient *stt.DeepgramClient
	if cfg.VoiceInputEnabled {
		sttClient = stt.NewDeepgramClient(cfg, logger)
		opts.Voice = conversation.NewVoicePipeline(conversation.VoicePipelineConfig{
			Open:   openMicrophone,
			Source: sttClient,
			Sink:   dispatch,
			NewDetector: func() conversation.ActivityDetector {
				return audio.NewVADDetector(audio.DefaultVADConfig())
			},
			Logger: logger,
		})
	}
	orch = conversation.New(manager, queue, opts)

	manager.SetHandler(func(ev connection.Event) { dispatch(ev) })
	queue.SetListener(func(ev playback.Event) { dispatch(ev) })

	con := newConsole(orch, os.Stdout)
	orch.SetObserver(con)

	var server *http.Server
	if cfg.MetricsEnabled {
		server = startHTTPServer(cfg, logger, manager, audioCheck)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial connection failed")
	}
	con.printf("%s\n", helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || con.handle(ctx, line) {
				break loop
			}
		}
	}

	logger.Info().Msg("Shutting down voice client...")

	if err := orch.StopListening(); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop voice input")
	}
	orch.Disconnect()
	manager.Close()
	if sttClient != nil {
		_ = sttClient.Close()
	}

	if cfg.ManualPlaybackControl {
		_ = queue.Stop()
	} else {
		queue.Discard()
	}
	drained := make(chan struct{})
	go func() {
		queue.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Playback did not finish in time")
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Metrics server forced to shutdown")
		}
	}

	logger.Info().Msg("Voice client exited")
}

func newPlayer(cfg *config.Config, logger zerolog.Logger) (playback.Player, observability.HealthCheckFunc) {
	if cfg.AudioOutput == "none" {
		return audio.NewSilentPlayer(), nil
	}

	p := audio.NewPulsePlayer(audio.PulsePlayerConfig{
		Volume:       cfg.PlaybackVolume,
		MaxFailures:  cfg.CircuitBreakerMaxFailures,
		ResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Logger: logger,
	})
	return p, p.Check
}

func openMicrophone() (conversation.Microphone, error) {
	c, err := audio.StartCapture()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func startHTTPServer(cfg *config.Config, logger zerolog.Logger, manager *connection.Manager, audioCheck observability.HealthCheckFunc) *http.Server {
	checks := map[string]observability.HealthCheckFunc{
		"backend": func(ctx context.Context) (bool, error) {
			if state := manager.State(); state != connection.StateConnected {
				return false, fmt.Errorf("backend is %s", state)
			}
			return true, nil
		},
	}
	if audioCheck != nil {
		checks["audio_output"] = audioCheck
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler(version))
	mux.HandleFunc("/ready", observability.ReadinessHandler(version, checks))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.MetricsPort).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return server
}
