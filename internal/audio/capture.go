package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// CaptureSampleRate is the microphone rate fed to speech recognition
	CaptureSampleRate = 16000
	captureChunkBytes = 640                   // 20ms @ 16kHz mono s16
	captureBufferSize = CaptureSampleRate * 2 // one second

	captureWatchInterval = 250 * time.Millisecond
	captureStallTimeout  = 3 * time.Second
)

var (
	// ErrSourceLost means the sound server closed the record stream
	ErrSourceLost = errors.New("capture source lost")

	// ErrCaptureStalled means the source stopped delivering audio
	ErrCaptureStalled = errors.New("capture source stalled")
)

// Capture streams fixed-size PCM chunks from the default Pulse source
type Capture struct {
	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []byte
	stopCh chan struct{}

	frames *FrameBuffer

	// health reports a dead source; polled until Stop
	health func() error

	mu       sync.Mutex
	stopped  bool
	err      error
	lastPCM  time.Time
	inflight sync.WaitGroup
	level    float64
}

func newCapture() *Capture {
	return &Capture{
		chunks:  make(chan []byte, 128),
		stopCh:  make(chan struct{}),
		frames:  NewFrameBuffer(captureBufferSize),
		lastPCM: time.Now(),
	}
}

// StartCapture opens a 16kHz mono s16 record stream on the default source
func StartCapture() (*Capture, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(applicationName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	source, err := client.DefaultSource()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read default source: %w", err)
	}

	c := newCapture()
	c.client = client

	writer := pulse.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(CaptureSampleRate),
		pulse.RecordBufferFragmentSize(captureChunkBytes),
		pulse.RecordMediaName("voice-client microphone"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	c.stream = stream
	c.health = c.streamHealth
	stream.Start()
	go c.watch(captureWatchInterval)
	return c, nil
}

// Chunks returns captured PCM. The channel closes after Stop, or on its own
// when the source is lost; Err then says why.
func (c *Capture) Chunks() <-chan []byte {
	return c.chunks
}

// Err returns the reason capture ended without Stop, or nil
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) streamHealth() error {
	if c.stream.Closed() {
		return ErrSourceLost
	}
	if err := c.stream.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceLost, err)
	}
	return c.checkStall(captureStallTimeout)
}

func (c *Capture) checkStall(limit time.Duration) error {
	c.mu.Lock()
	idle := time.Since(c.lastPCM)
	c.mu.Unlock()
	if idle > limit {
		return fmt.Errorf("%w: no audio for %s", ErrCaptureStalled, idle.Round(time.Millisecond))
	}
	return nil
}

func (c *Capture) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.health(); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// Level returns the RMS of the most recent chunk
func (c *Capture) Level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Stop halts the stream and closes Chunks exactly once
func (c *Capture) Stop() error {
	c.shutdown(nil)
	return nil
}

// shutdown releases the stream once. A non-nil cause marks a lost source.
func (c *Capture) shutdown(cause error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.err = cause
	close(c.stopCh)
	c.mu.Unlock()

	// Methods on a stream the server dropped may panic.
	if c.stream != nil && !c.stream.Closed() {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()
	close(c.chunks)
}

func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same lock as stopped so Stop's Wait cannot race it.
	c.inflight.Add(1)
	defer c.inflight.Done()
	c.lastPCM = time.Now()

	c.frames.Write(buffer)
	var ready [][]byte
	for {
		chunk := make([]byte, captureChunkBytes)
		if !c.frames.ReadFrame(chunk) {
			break
		}
		ready = append(ready, chunk)
	}
	if n := len(ready); n > 0 {
		if samples, err := BytesToSamples(ready[n-1]); err == nil {
			c.level = CalculateRMS(samples)
		}
	}
	c.mu.Unlock()

	for _, chunk := range ready {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.chunks <- chunk:
		}
	}
	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
