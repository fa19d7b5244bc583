package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_client_connection_state",
		Help: "Backend connection state (0=disconnected, 1=connecting, 2=connected)",
	})

	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_connect_attempts_total",
		Help: "Total number of connection attempts",
	}, []string{"result"})

	reconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_reconnects_scheduled_total",
		Help: "Total number of reconnect attempts scheduled after an unexpected closure",
	})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_messages_received_total",
		Help: "Inbound protocol messages by type",
	}, []string{"type"})

	malformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_malformed_messages_total",
		Help: "Inbound payloads dropped because they could not be decoded",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_messages_sent_total",
		Help: "Outbound protocol messages by type and result",
	}, []string{"type", "result"})

	// Playback metrics
	chunksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_audio_chunks_enqueued_total",
		Help: "Audio chunks appended to the playback queue",
	})

	chunksPlayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_audio_chunks_played_total",
		Help: "Audio chunks that finished playing, by result",
	}, []string{"result"})

	playbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_client_playback_duration_seconds",
		Help:    "Wall time spent playing one audio chunk",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_client_playback_queue_depth",
		Help: "Audio chunks waiting to be played",
	})

	// Turn metrics
	turnsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_turns_completed_total",
		Help: "Assistant responses that reached response_complete",
	})

	firstChunkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_client_first_chunk_latency_seconds",
		Help:    "Time from user submit to the first assistant text or audio chunk",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_client_session_duration_seconds",
		Help:    "Duration of connected sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_client_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" (microphone) or "out" (speaker)
)

// SetConnectionState records the current connection state as a gauge value
func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}

// RecordConnectAttempt records the outcome of a dial
func RecordConnectAttempt(success bool) {
	connectAttempts.WithLabelValues(resultLabel(success)).Inc()
}

// RecordReconnectScheduled records one scheduled reconnect attempt
func RecordReconnectScheduled() {
	reconnectsScheduled.Inc()
}

// RecordMessageReceived records an inbound protocol message
func RecordMessageReceived(msgType string) {
	messagesReceived.WithLabelValues(msgType).Inc()
}

// RecordMalformedMessage records a dropped inbound payload
func RecordMalformedMessage() {
	malformedMessages.Inc()
}

// RecordMessageSent records an outbound send attempt
func RecordMessageSent(msgType string, success bool) {
	messagesSent.WithLabelValues(msgType, resultLabel(success)).Inc()
}

// RecordChunkEnqueued records a chunk appended to the playback queue
func RecordChunkEnqueued() {
	chunksEnqueued.Inc()
}

// RecordChunkPlayed records one finished chunk and how long it played
func RecordChunkPlayed(success bool, d time.Duration) {
	chunksPlayed.WithLabelValues(resultLabel(success)).Inc()
	playbackDuration.Observe(d.Seconds())
}

// SetQueueDepth records the number of pending chunks
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// SessionMetrics tracks timings for one connected session
type SessionMetrics struct {
	sessionID   string
	startTime   time.Time
	submittedAt time.Time
	mu          sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart resets the session clock
func (m *SessionMetrics) RecordSessionStart() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
}

// RecordSessionEnd observes the connected duration
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSubmit marks the moment a user message was sent
func (m *SessionMetrics) RecordSubmit() {
	m.mu.Lock()
	m.submittedAt = time.Now()
	m.mu.Unlock()
}

// RecordFirstChunk observes submit-to-first-chunk latency once per turn
func (m *SessionMetrics) RecordFirstChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submittedAt.IsZero() {
		return
	}
	firstChunkLatency.Observe(time.Since(m.submittedAt).Seconds())
	m.submittedAt = time.Time{}
}

// RecordTurnComplete records a completed assistant response
func (m *SessionMetrics) RecordTurnComplete() {
	turnsCompleted.Inc()
}
