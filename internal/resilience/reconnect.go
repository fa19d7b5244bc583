package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Reconnector schedules reconnect attempts at a fixed interval.
// At most one attempt is pending at any time, and Cancel suppresses
// every pending and future attempt until Resume is called.
type Reconnector struct {
	delay time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
	scheduled int
}

// NewReconnector creates a scheduler firing once per delay
func NewReconnector(delay time.Duration) *Reconnector {
	return &Reconnector{delay: delay}
}

// Schedule arranges for fn to run once after the configured delay.
// It returns false when an attempt is already pending or the scheduler is cancelled.
func (r *Reconnector) Schedule(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled || r.timer != nil {
		return false
	}

	r.scheduled++
	var t *time.Timer
	t = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		if r.timer != t || r.cancelled {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()

		fn()
	})
	r.timer = t
	return true
}

// Cancel stops any pending attempt and rejects new ones
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelled = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Resume re-arms the scheduler after Cancel
func (r *Reconnector) Resume() {
	r.mu.Lock()
	r.cancelled = false
	r.mu.Unlock()
}

// Scheduled returns how many attempts have been scheduled in total
func (r *Reconnector) Scheduled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduled
}

// ReconnectConfig holds configuration for bounded reconnection with backoff
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Backoff duration between attempts
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Reconnect calls fn until it succeeds, the attempts run out, or ctx ends.
// Used for auxiliary streams (speech recognition) rather than the backend link.
func Reconnect(ctx context.Context, fn func() error, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	backoff := config.Backoff
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			log.Debug().Int("attempt", attempt+1).Msg("Reconnection successful")
			return nil
		}

		if attempt == config.MaxAttempts-1 {
			break
		}
		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Reconnection attempt failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts", config.MaxAttempts)
}
