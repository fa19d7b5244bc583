// Package connection owns the websocket link to the conversation backend:
// it connects, reconnects after unexpected loss, and turns inbound frames
// into events for a single consumer.
package connection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/protocol"
	"github.com/lexiqai/voice-client/internal/resilience"
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a Manager
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectEnabled bool
	ReconnectDelay   time.Duration

	// PingInterval enables protocol-level keepalive when positive
	PingInterval time.Duration
	WriteTimeout time.Duration

	Dialer Dialer
	Logger *zerolog.Logger
}

var errAttemptAbandoned = errors.New("connection attempt abandoned")

// Manager maintains at most one live connection. Every state change,
// recovered failure and decoded message is reported to the handler in order.
type Manager struct {
	opts        Options
	dialer      Dialer
	logger      zerolog.Logger
	reconnector *resilience.Reconnector
	events      *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	attempt    uint64 // bumped per dial; stale dial results are discarded
	gen        uint64 // bumped per conn; stale read loops stay silent
	userClosed bool
	closed     bool

	writeMu sync.Mutex
}

// New creates a disconnected Manager
func New(opts Options) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:        opts,
		dialer:      dialer,
		logger:      observability.ForComponent(logger, "connection").With().Str("url", opts.URL).Logger(),
		reconnector: resilience.NewReconnector(opts.ReconnectDelay),
		events:      newDispatcher(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetHandler installs the event consumer
func (m *Manager) SetHandler(h Handler) {
	m.events.setHandler(h)
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the backend. It does nothing unless the Manager is
// disconnected, and it re-enables automatic reconnection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &TransportError{Op: "connect", Err: errors.New("manager closed")}
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.userClosed = false
	m.reconnector.Resume()
	m.attempt++
	token := m.attempt
	m.setStateLocked(StateConnecting, false)
	m.mu.Unlock()

	return m.dial(ctx, token)
}

func (m *Manager) dial(ctx context.Context, token uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	m.logger.Info().Msg("Connecting to backend")
	conn, resp, err := m.dialer.DialContext(dialCtx, m.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if token != m.attempt || m.closed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		m.logger.Debug().Msg("Discarding superseded connection attempt")
		return &TransportError{Op: "connect", Err: errAttemptAbandoned}
	}

	if err != nil {
		terr := &TransportError{Op: "connect", Err: err}
		m.setStateLocked(StateDisconnected, false)
		m.events.push(ErrorEvent{Err: terr})
		m.scheduleReconnectLocked()
		m.mu.Unlock()

		observability.RecordConnectAttempt(false)
		observability.RecordError("connect", "connection")
		m.logger.Warn().Err(err).Msg("Failed to connect to backend")
		return terr
	}

	m.conn = conn
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnected, false)
	m.mu.Unlock()

	observability.RecordConnectAttempt(true)
	m.logger.Info().Msg("Connected to backend")

	go m.readLoop(conn, gen)
	if m.opts.PingInterval > 0 {
		go m.keepAlive(conn, gen)
	}
	return nil
}

// Send serializes one outbound message. Without a live connection it
// reports an ErrorEvent and returns without touching the network.
func (m *Manager) Send(out protocol.Outbound) error {
	m.mu.Lock()
	conn := m.conn
	if m.state != StateConnected || conn == nil {
		terr := &TransportError{Op: "send", Err: ErrNotConnected}
		m.events.push(ErrorEvent{Err: terr})
		m.mu.Unlock()

		observability.RecordMessageSent(string(out.Type), false)
		m.logger.Warn().Str("type", string(out.Type)).Msg("Cannot send, not connected")
		return terr
	}
	m.mu.Unlock()

	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	err := conn.WriteJSON(out)
	m.writeMu.Unlock()

	if err != nil {
		terr := &TransportError{Op: "send", Err: err}
		m.events.push(ErrorEvent{Err: terr})
		observability.RecordMessageSent(string(out.Type), false)
		observability.RecordError("send", "connection")
		m.logger.Error().Err(err).Str("type", string(out.Type)).Msg("Failed to send message")
		return terr
	}

	observability.RecordMessageSent(string(out.Type), true)
	m.logger.Debug().Str("type", string(out.Type)).Msg("Message sent")
	return nil
}

// Disconnect closes the link and suppresses automatic reconnection until
// the next Connect. Calling it while disconnected is a no-op apart from
// cancelling a pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.userClosed = true
	m.reconnector.Cancel()
	m.attempt++
	m.gen++
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected, true)
	m.mu.Unlock()

	if conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		conn.Close()
		m.logger.Info().Msg("Disconnected from backend")
	}
}

// Close disconnects and stops event delivery after flushing queued events.
// It must not be called from the handler.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.events.close()
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	if m.opts.PingInterval > 0 {
		pongWait := m.opts.PingInterval * 2
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(conn, gen, err)
			return
		}
		if m.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.opts.PingInterval * 2))
		}

		msg, err := protocol.Decode(data)

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if err != nil {
			m.events.push(ErrorEvent{Err: &TransportError{Op: "decode", Err: err}})
		} else {
			m.events.push(MessageEvent{Message: msg})
		}
		m.mu.Unlock()

		if err != nil {
			observability.RecordMalformedMessage()
			m.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed message")
			continue
		}
		observability.RecordMessageReceived(string(msg.Type))
	}
}

func (m *Manager) handleReadError(conn *websocket.Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// Disconnect already accounted for this connection.
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	m.setStateLocked(StateDisconnected, false)
	m.events.push(ErrorEvent{Err: &TransportError{Op: "read", Err: err}})
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	conn.Close()
	observability.RecordError("read", "connection")
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Warn().Err(err).Msg("Connection lost")
	} else {
		m.logger.Info().Err(err).Msg("Connection closed by backend")
	}
}

func (m *Manager) keepAlive(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			live := gen == m.gen
			m.mu.Unlock()
			if !live {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				m.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (m *Manager) scheduleReconnectLocked() {
	if !m.opts.ReconnectEnabled || m.userClosed || m.closed {
		return
	}
	if m.reconnector.Schedule(m.reconnect) {
		observability.RecordReconnectScheduled()
		m.logger.Info().Dur("delay", m.opts.ReconnectDelay).Msg("Reconnect scheduled")
	}
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.state != StateDisconnected || m.userClosed || m.closed {
		m.mu.Unlock()
		return
	}
	m.attempt++
	token := m.attempt
	m.setStateLocked(StateConnecting, false)
	m.mu.Unlock()

	// Failures reschedule from inside dial.
	_ = m.dial(m.ctx, token)
}

func (m *Manager) setStateLocked(s State, userInitiated bool) {
	if m.state == s {
		return
	}
	m.state = s
	observability.SetConnectionState(int(s))
	m.events.push(StateEvent{State: s, UserInitiated: userInitiated})
}
