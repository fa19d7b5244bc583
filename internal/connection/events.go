package connection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lexiqai/voice-client/internal/protocol"
)

// State is the lifecycle state of the backend link
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotConnected is wrapped by sends attempted without a live link
var ErrNotConnected = errors.New("not connected")

// TransportError covers connect failures, sends while disconnected,
// broken links and undecodable inbound payloads.
type TransportError struct {
	Op  string // connect, send, read, decode
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Event is emitted by the Manager to its single handler
type Event interface {
	isConnectionEvent()
}

// StateEvent reports a state transition
type StateEvent struct {
	State State
	// UserInitiated is set when Disconnect caused the transition
	UserInitiated bool
}

// ErrorEvent reports a recovered transport failure
type ErrorEvent struct {
	Err *TransportError
}

// MessageEvent carries one decoded inbound message
type MessageEvent struct {
	Message *protocol.Message
}

func (StateEvent) isConnectionEvent()   {}
func (ErrorEvent) isConnectionEvent()   {}
func (MessageEvent) isConnectionEvent() {}

// Handler consumes events serially, in emission order
type Handler func(Event)

// dispatcher delivers events on one goroutine. push never blocks, so
// handlers may call back into the Manager.
type dispatcher struct {
	mu      sync.Mutex
	queue   []Event
	handler Handler
	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) setHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *dispatcher) push(ev Event) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			d.flush()
			return
		case <-d.signal:
			d.flush()
		}
	}
}

func (d *dispatcher) flush() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		h := d.handler
		d.mu.Unlock()

		if h != nil {
			h(ev)
		}
	}
}

// close delivers what is queued and stops the goroutine. It must not be
// called from a handler.
func (d *dispatcher) close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	<-d.stopped
}
