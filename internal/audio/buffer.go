package audio

import "sync"

// FrameBuffer is a fixed-capacity byte ring that the record callback fills
// and the capture loop drains in whole frames. When full, the oldest bytes
// are overwritten so the recognizer always gets the freshest audio.
type FrameBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	count int
}

// NewFrameBuffer creates a buffer holding up to capacity bytes
func NewFrameBuffer(capacity int) *FrameBuffer {
	return &FrameBuffer{buf: make([]byte, capacity)}
}

// Write appends data and returns how many older bytes were overwritten
func (b *FrameBuffer) Write(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.buf)
	if size == 0 {
		return len(data)
	}

	dropped := 0
	if len(data) > size {
		dropped += len(data) - size
		data = data[len(data)-size:]
	}
	if over := b.count + len(data) - size; over > 0 {
		b.start = (b.start + over) % size
		b.count -= over
		dropped += over
	}

	end := (b.start + b.count) % size
	n := copy(b.buf[end:], data)
	copy(b.buf, data[n:])
	b.count += len(data)
	return dropped
}

// ReadFrame fills frame only if enough bytes are buffered for all of it
func (b *FrameBuffer) ReadFrame(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(frame) == 0 || b.count < len(frame) {
		return false
	}
	n := copy(frame, b.buf[b.start:min(b.start+len(frame), len(b.buf))])
	copy(frame[n:], b.buf)
	b.start = (b.start + len(frame)) % len(b.buf)
	b.count -= len(frame)
	return true
}

// Len returns the number of buffered bytes
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Reset discards buffered bytes
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	b.start, b.count = 0, 0
	b.mu.Unlock()
}
