package playback

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Chunk is one independently playable unit of synthesized speech
type Chunk struct {
	// SequenceID is the backend's correlation token for this chunk
	SequenceID string

	// Payload is the encoded audio (a complete WAV file)
	Payload []byte

	// Text is the sentence this chunk speaks, for display and logging
	Text string

	// SampleRate is the rate advertised by the backend, 0 if unknown
	SampleRate int

	// ReceivedAt is when the backend message carrying the chunk arrived
	ReceivedAt time.Time
}

// Track is the transient resource allocated to play one chunk
type Track interface {
	// Play blocks until the audio ends (nil), faults, or ctx is cancelled
	Play(ctx context.Context) error

	// Release frees the resource. Called exactly once per Track.
	Release()
}

// Player turns a chunk into a playable Track
type Player interface {
	Load(chunk *Chunk) (Track, error)
}

// ErrStopDisabled is returned by Stop when manual playback control is off
var ErrStopDisabled = errors.New("manual playback stop is disabled")

// PlaybackError reports a chunk that could not be decoded or played.
// It never halts the queue.
type PlaybackError struct {
	SequenceID string
	Err        error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback of chunk %s failed: %v", e.SequenceID, e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// Event is a playback lifecycle notification
type Event interface {
	isPlaybackEvent()
}

// StartedEvent is emitted right before a chunk starts playing
type StartedEvent struct {
	Chunk *Chunk
}

// FinishedEvent is emitted after a chunk ends, fails, or is stopped.
// Err is nil on natural end, context.Canceled when stopped.
type FinishedEvent struct {
	Chunk    *Chunk
	Err      error
	Duration time.Duration
}

// IdleEvent is emitted when the queue runs empty
type IdleEvent struct{}

func (StartedEvent) isPlaybackEvent()  {}
func (FinishedEvent) isPlaybackEvent() {}
func (IdleEvent) isPlaybackEvent()     {}

// Listener receives playback events serially and in order
type Listener func(Event)
