package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice client
type Config struct {
	// Backend connection
	ServerURL        string `envconfig:"SERVER_URL" default:"ws://localhost:8765"`
	ConnectTimeout   int    `envconfig:"CONNECT_TIMEOUT" default:"10"`     // seconds
	ReconnectEnabled bool   `envconfig:"RECONNECT_ENABLED" default:"true"` // Automatic reconnect after unexpected closure
	ReconnectDelayMs int    `envconfig:"RECONNECT_DELAY_MS" default:"3000"`
	PingInterval     int    `envconfig:"PING_INTERVAL" default:"30"` // seconds, 0 disables keep-alive pings
	WriteTimeout     int    `envconfig:"WRITE_TIMEOUT" default:"10"` // seconds

	// Turn behaviour
	AutoSubmitDelayMs     int  `envconfig:"AUTO_SUBMIT_DELAY_MS" default:"0"` // 0 = manual submit
	ManualPlaybackControl bool `envconfig:"MANUAL_PLAYBACK_CONTROL" default:"true"`
	BargeInEnabled        bool `envconfig:"BARGE_IN_ENABLED" default:"false"` // Stop playback when the user talks over it

	// Audio output
	AudioOutput    string  `envconfig:"AUDIO_OUTPUT" default:"pulse"` // pulse, none
	PlaybackVolume float64 `envconfig:"PLAYBACK_VOLUME" default:"0.8"`

	// Voice input (Deepgram STT)
	VoiceInputEnabled bool   `envconfig:"VOICE_INPUT_ENABLED" default:"false"`
	DeepgramAPIKey    string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel     string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage  string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("SERVER_URL must use ws or wss scheme, got %q", u.Scheme)
	}

	if c.VoiceInputEnabled && c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required when VOICE_INPUT_ENABLED is set")
	}

	if c.PlaybackVolume < 0 || c.PlaybackVolume > 1 {
		return fmt.Errorf("PLAYBACK_VOLUME must be between 0 and 1, got %v", c.PlaybackVolume)
	}

	switch c.AudioOutput {
	case "pulse", "none":
	default:
		return fmt.Errorf("AUDIO_OUTPUT must be pulse or none, got %q", c.AudioOutput)
	}

	// barge-in interrupts playback, which only a stoppable queue allows
	if c.BargeInEnabled && !c.ManualPlaybackControl {
		return fmt.Errorf("BARGE_IN_ENABLED requires MANUAL_PLAYBACK_CONTROL")
	}

	if c.ReconnectDelayMs <= 0 {
		return fmt.Errorf("RECONNECT_DELAY_MS must be positive")
	}

	return nil
}

// ReconnectDelay returns the fixed interval between reconnect attempts
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// AutoSubmitDelay returns the silence window before a final transcript is sent.
// Zero means transcripts wait for an explicit submit.
func (c *Config) AutoSubmitDelay() time.Duration {
	return time.Duration(c.AutoSubmitDelayMs) * time.Millisecond
}
