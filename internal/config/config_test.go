package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	os.Setenv("SERVER_URL", "wss://voice.example.com/ws")
	defer os.Unsetenv("SERVER_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ServerURL != "wss://voice.example.com/ws" {
		t.Errorf("Expected ServerURL 'wss://voice.example.com/ws', got '%s'", cfg.ServerURL)
	}
}

func TestLoad_MissingDeepgramKey(t *testing.T) {
	os.Setenv("VOICE_INPUT_ENABLED", "true")
	os.Unsetenv("DEEPGRAM_API_KEY")
	defer os.Unsetenv("VOICE_INPUT_ENABLED")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when voice input is enabled without an API key")
	}
}

func TestLoad_VoiceInputWithKey(t *testing.T) {
	os.Setenv("VOICE_INPUT_ENABLED", "true")
	os.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	defer os.Unsetenv("VOICE_INPUT_ENABLED")
	defer os.Unsetenv("DEEPGRAM_API_KEY")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoad_BargeInNeedsManualPlaybackControl(t *testing.T) {
	os.Setenv("BARGE_IN_ENABLED", "true")
	os.Setenv("MANUAL_PLAYBACK_CONTROL", "false")
	defer os.Unsetenv("BARGE_IN_ENABLED")
	defer os.Unsetenv("MANUAL_PLAYBACK_CONTROL")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error when barge-in is enabled without manual playback control")
	}
	if !strings.Contains(err.Error(), "MANUAL_PLAYBACK_CONTROL") {
		t.Errorf("Expected error to name MANUAL_PLAYBACK_CONTROL, got %v", err)
	}

	os.Setenv("MANUAL_PLAYBACK_CONTROL", "true")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if !cfg.BargeInEnabled {
		t.Error("Expected BargeInEnabled to be true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.ServerURL != "ws://localhost:8765" {
		t.Errorf("Expected default ServerURL 'ws://localhost:8765', got '%s'", cfg.ServerURL)
	}

	if !cfg.ReconnectEnabled {
		t.Error("Expected reconnect to be enabled by default")
	}

	if cfg.ReconnectDelay() != 3*time.Second {
		t.Errorf("Expected default reconnect delay 3s, got %v", cfg.ReconnectDelay())
	}

	if cfg.AutoSubmitDelay() != 0 {
		t.Errorf("Expected manual submit by default, got %v", cfg.AutoSubmitDelay())
	}

	if !cfg.ManualPlaybackControl {
		t.Error("Expected manual playback control by default")
	}

	if cfg.BargeInEnabled {
		t.Error("Expected barge-in to be disabled by default")
	}

	if cfg.PlaybackVolume != 0.8 {
		t.Errorf("Expected default PlaybackVolume 0.8, got %v", cfg.PlaybackVolume)
	}

	if cfg.AudioOutput != "pulse" {
		t.Errorf("Expected default AudioOutput 'pulse', got '%s'", cfg.AudioOutput)
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.MetricsPort != "9090" {
		t.Errorf("Expected default MetricsPort '9090', got '%s'", cfg.MetricsPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"http scheme", func(c *Config) { c.ServerURL = "http://localhost:8765" }, true},
		{"volume above one", func(c *Config) { c.PlaybackVolume = 1.5 }, true},
		{"negative volume", func(c *Config) { c.PlaybackVolume = -0.1 }, true},
		{"unknown output", func(c *Config) { c.AudioOutput = "alsa" }, true},
		{"zero reconnect delay", func(c *Config) { c.ReconnectDelayMs = 0 }, true},
		{"output disabled", func(c *Config) { c.AudioOutput = "none" }, false},
		{"barge-in without manual stop", func(c *Config) { c.BargeInEnabled = true }, true},
		{"barge-in with manual stop", func(c *Config) {
			c.BargeInEnabled = true
			c.ManualPlaybackControl = true
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				ServerURL:        "ws://localhost:8765",
				PlaybackVolume:   0.8,
				AudioOutput:      "pulse",
				ReconnectDelayMs: 3000,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
