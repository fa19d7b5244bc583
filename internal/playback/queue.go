// Package playback plays speech chunks strictly one at a time, in the order
// they arrive, without blocking the caller that enqueues them.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/observability"
)

// Options configures a Queue
type Options struct {
	// ManualStop enables Stop. When false, Stop returns ErrStopDisabled.
	ManualStop bool

	Logger *zerolog.Logger
}

// Queue is a FIFO of chunks drained by at most one goroutine at a time.
//
// Lock order: notifyMu before mu. The listener is only ever invoked with
// notifyMu held and mu released, so it may call Enqueue, Stop or Discard.
type Queue struct {
	player     Player
	manualStop bool
	logger     zerolog.Logger

	notifyMu sync.Mutex
	listener Listener

	mu            sync.Mutex
	pending       []queued
	draining      bool
	current       *Chunk
	cancelCurrent context.CancelFunc

	wg sync.WaitGroup
}

// queued pairs a chunk with the time it entered the queue; chunks
// themselves are never modified.
type queued struct {
	chunk      *Chunk
	enqueuedAt time.Time
}

// NewQueue creates an idle queue backed by player
func NewQueue(player Player, opts Options) *Queue {
	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Queue{
		player:     player,
		manualStop: opts.ManualStop,
		logger:     observability.ForComponent(logger, "playback"),
	}
}

// SetListener installs the event receiver. Pass nil to stop notifications.
func (q *Queue) SetListener(l Listener) {
	q.notifyMu.Lock()
	q.listener = l
	q.notifyMu.Unlock()
}

// Enqueue appends a chunk and starts draining if nothing is playing.
// It never blocks on playback.
func (q *Queue) Enqueue(chunk *Chunk) {
	q.mu.Lock()
	q.pending = append(q.pending, queued{chunk: chunk, enqueuedAt: time.Now()})
	depth := len(q.pending)
	start := !q.draining
	if start {
		q.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	observability.RecordChunkEnqueued()
	observability.SetQueueDepth(depth)

	if start {
		go q.drain()
	}
}

// Stop aborts the playing chunk and discards everything pending
func (q *Queue) Stop() error {
	if !q.manualStop {
		return ErrStopDisabled
	}

	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	if q.cancelCurrent != nil {
		q.cancelCurrent()
	}
	q.mu.Unlock()

	observability.SetQueueDepth(0)
	q.logger.Debug().Int("dropped", dropped).Msg("Playback stopped")
	return nil
}

// Discard drops pending chunks but lets the current one finish
func (q *Queue) Discard() int {
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	observability.SetQueueDepth(0)
	return dropped
}

// Len returns the number of chunks waiting to play
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active reports whether a chunk is playing or about to play
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Wait blocks until the queue has drained and emitted IdleEvent
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		q.notifyMu.Lock()
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.current = nil
			q.cancelCurrent = nil
			q.mu.Unlock()

			q.emitLocked(IdleEvent{})
			q.notifyMu.Unlock()
			return
		}

		next := q.pending[0]
		q.pending[0] = queued{}
		q.pending = q.pending[1:]
		chunk := next.chunk
		ctx, cancel := context.WithCancel(context.Background())
		q.current = chunk
		q.cancelCurrent = cancel
		depth := len(q.pending)
		q.mu.Unlock()

		observability.SetQueueDepth(depth)
		q.emitLocked(StartedEvent{Chunk: chunk})
		q.notifyMu.Unlock()

		start := time.Now()
		err := q.play(ctx, chunk)
		elapsed := time.Since(start)
		cancel()

		q.report(chunk, err, start.Sub(next.enqueuedAt), elapsed)

		q.notifyMu.Lock()
		q.emitLocked(FinishedEvent{Chunk: chunk, Err: err, Duration: elapsed})
		q.notifyMu.Unlock()
	}
}

// play runs one chunk. The Track is released on every path once allocated.
func (q *Queue) play(ctx context.Context, chunk *Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	track, err := q.player.Load(chunk)
	if err != nil {
		return &PlaybackError{SequenceID: chunk.SequenceID, Err: err}
	}
	defer track.Release()

	if err := track.Play(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &PlaybackError{SequenceID: chunk.SequenceID, Err: err}
	}
	return nil
}

func (q *Queue) report(chunk *Chunk, err error, waited, elapsed time.Duration) {
	switch {
	case err == nil:
		observability.RecordChunkPlayed(true, elapsed)
		q.logger.Debug().
			Str("chunk_id", chunk.SequenceID).
			Dur("waited", waited).
			Dur("duration", elapsed).
			Msg("Chunk played")
	case errors.Is(err, context.Canceled):
		q.logger.Debug().Str("chunk_id", chunk.SequenceID).Msg("Chunk stopped")
	default:
		observability.RecordChunkPlayed(false, elapsed)
		observability.RecordError("playback", "playback")
		q.logger.Error().Err(err).
			Str("chunk_id", chunk.SequenceID).
			Msg("Chunk playback failed, continuing with next chunk")
	}
}

func (q *Queue) emitLocked(ev Event) {
	if q.listener != nil {
		q.listener(ev)
	}
}
