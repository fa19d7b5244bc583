// Package conversation turns backend messages, playback progress and
// transcripts into a conversation log and a single derived turn state.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-client/internal/connection"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/playback"
	"github.com/lexiqai/voice-client/internal/protocol"
)

// Options configures an Orchestrator
type Options struct {
	// AutoSubmitDelay submits the transcript this long after a final result
	// with no interim text following it. Zero means submit manually.
	AutoSubmitDelay time.Duration

	// ManualPlaybackControl allows StopPlayback
	ManualPlaybackControl bool

	// BargeIn stops playback when the user starts talking over it.
	// It needs ManualPlaybackControl.
	BargeIn bool

	Voice  VoiceInput
	Logger *zerolog.Logger
}

type note func(Observer)

// Orchestrator owns the conversation log and turn flags. All inbound
// events go through Dispatch; user actions go through the exported methods.
//
// Lock order: mu before notifyMu. Observer calls happen with notifyMu held
// and mu released, in the order the mutations occurred.
type Orchestrator struct {
	transport Transport
	queue     AudioQueue
	voice     VoiceInput
	opts      Options
	base      zerolog.Logger

	notifyMu sync.Mutex
	observer Observer

	mu          sync.Mutex
	logger      zerolog.Logger
	log         []*Message
	connected   bool
	capturing   bool
	thinking    bool
	playing     bool
	committed   string
	interim     string
	speaker     string
	speakers    []string
	connectedAt time.Time
	metrics     *observability.SessionMetrics
	autoTimer   *time.Timer
	autoGen     uint64
	turn        TurnState
}

// New creates an orchestrator driving transport and queue
func New(transport Transport, queue AudioQueue, opts Options) *Orchestrator {
	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	base := observability.ForComponent(logger, "conversation")
	return &Orchestrator{
		transport: transport,
		queue:     queue,
		voice:     opts.Voice,
		opts:      opts,
		base:      base,
		logger:    base,
	}
}

// SetObserver installs the notification receiver
func (o *Orchestrator) SetObserver(obs Observer) {
	o.notifyMu.Lock()
	o.observer = obs
	o.notifyMu.Unlock()
}

// Dispatch is the single entry point for connection, playback and capture
// events. Unknown event types are ignored.
func (o *Orchestrator) Dispatch(ev any) {
	switch e := ev.(type) {
	case connection.StateEvent:
		o.handleState(e)
	case connection.ErrorEvent:
		o.handleTransportError(e)
	case connection.MessageEvent:
		o.handleMessage(e.Message)
	case playback.StartedEvent:
		o.mu.Lock()
		o.playing = true
		o.commitLocked(nil)
	case playback.FinishedEvent:
		// failures are logged by the queue
	case playback.IdleEvent:
		o.mu.Lock()
		o.playing = false
		o.commitLocked(nil)
	case CaptureStarted:
		o.mu.Lock()
		o.capturing = true
		o.commitLocked(nil)
	case CaptureStopped:
		o.handleCaptureStopped(e)
	case SpeechStarted:
		o.handleSpeechStarted()
	case TranscriptEvent:
		o.handleTranscript(e)
	default:
		o.base.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("Ignoring unknown event")
	}
}

func (o *Orchestrator) handleState(e connection.StateEvent) {
	o.mu.Lock()
	switch e.State {
	case connection.StateConnected:
		sessionID := observability.NewSessionID()
		o.connected = true
		o.connectedAt = time.Now()
		o.metrics = observability.NewSessionMetrics(sessionID)
		o.metrics.RecordSessionStart()
		o.logger = o.base.With().Str("session_id", sessionID).Logger()
		o.logger.Info().Msg("Session started")
		o.commitLocked(nil)

	case connection.StateDisconnected:
		notes, stopVoice := o.applyDisconnectLocked()
		o.commitLocked(notes)
		o.afterDisconnect(stopVoice)

	default:
		o.commitLocked(nil)
	}
}

func (o *Orchestrator) handleTransportError(e connection.ErrorEvent) {
	switch e.Err.Op {
	case "decode":
		o.base.Debug().Err(e.Err).Msg("Dropped undecodable message")
	case "send":
		// returned to the caller that attempted the send
		o.base.Debug().Err(e.Err).Msg("Send failed")
	default:
		o.base.Warn().Err(e.Err).Msg("Connection error")
		o.raise(e.Err)
	}
}

func (o *Orchestrator) handleMessage(msg *protocol.Message) {
	var chunk *playback.Chunk

	o.mu.Lock()
	var notes []note

	switch msg.Type {
	case protocol.TypeConnected:
		o.connectedAt = time.Now()
		if msg.TTSInfo != nil {
			o.speaker = msg.TTSInfo.Speaker
			o.speakers = append([]string(nil), msg.TTSInfo.AvailableSpeakers...)
			notes = append(notes, o.speakersNoteLocked())
		}
		o.logger.Info().Str("greeting", msg.Message).Str("speaker", o.speaker).Msg("Backend ready")

	case protocol.TypeAIThinking:
		o.thinking = true

	case protocol.TypeTextChunk:
		if o.metrics != nil {
			o.metrics.RecordFirstChunk()
		}
		if last := o.lastLocked(); last != nil && last.Role == RoleAssistant && last.Streaming {
			last.Content = last.Content + " " + msg.Text
			notes = append(notes, updatedNote(*last))
		} else {
			rec := o.appendLocked(RoleAssistant, msg.Text, true)
			notes = append(notes, appendedNote(*rec))
		}

	case protocol.TypeAudioChunk:
		if msg.Audio == "" {
			break
		}
		if o.metrics != nil {
			o.metrics.RecordFirstChunk()
		}
		payload, err := msg.AudioBytes()
		if err != nil {
			observability.RecordError("audio_decode", "conversation")
			o.logger.Warn().Err(err).Str("chunk_id", string(msg.ChunkID)).Msg("Skipping undecodable audio chunk")
			break
		}
		chunk = &playback.Chunk{
			SequenceID: string(msg.ChunkID),
			Payload:    payload,
			Text:       msg.Text,
			SampleRate: msg.SampleRate,
			ReceivedAt: time.Now(),
		}

	case protocol.TypeResponseComplete:
		o.thinking = false
		if last := o.lastLocked(); last != nil && last.Streaming {
			last.Streaming = false
			notes = append(notes, updatedNote(*last))
		}
		if o.metrics != nil {
			o.metrics.RecordTurnComplete()
		}
		o.logger.Info().Str("full_text", msg.FullText).Msg("Response complete")

	case protocol.TypeError:
		o.thinking = false
		rec := o.appendLocked(RoleSystem, msg.Message, false)
		notes = append(notes, appendedNote(*rec))
		berr := &BackendError{Message: msg.Message}
		notes = append(notes, func(obs Observer) { obs.ErrorRaised(berr) })
		observability.RecordError("backend", "conversation")
		o.logger.Error().Str("message", msg.Message).Msg("Backend reported an error")

	case protocol.TypeSpeakerChanged:
		o.speaker = msg.Speaker
		notes = append(notes, o.speakersNoteLocked())
		o.logger.Info().Str("speaker", msg.Speaker).Msg("Speaker changed")

	case protocol.TypeSpeakersList:
		o.speakers = append([]string(nil), msg.Speakers...)
		o.speaker = msg.CurrentSpeaker
		notes = append(notes, o.speakersNoteLocked())

	case protocol.TypeMessageReceived:
		o.logger.Debug().Str("text", msg.OriginalText).Msg("Backend acknowledged message")

	case protocol.TypePong:
		o.logger.Debug().Str("timestamp", protocol.FormatTimestamp(msg.Timestamp)).Msg("Pong")

	default:
		o.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message type")
	}

	o.commitLocked(notes)

	if chunk != nil {
		o.queue.Enqueue(chunk)
	}
}

func (o *Orchestrator) handleCaptureStopped(e CaptureStopped) {
	o.mu.Lock()
	o.capturing = false
	o.interim = ""
	notes := []note{o.transcriptNoteLocked()}
	if e.Err != nil {
		err := fmt.Errorf("voice input: %w", e.Err)
		notes = append(notes, func(obs Observer) { obs.ErrorRaised(err) })
		o.logger.Warn().Err(e.Err).Msg("Voice capture stopped unexpectedly")
	}
	o.commitLocked(notes)
}

func (o *Orchestrator) handleSpeechStarted() {
	o.mu.Lock()
	interrupt := o.playing && o.capturing
	logger := o.logger
	o.mu.Unlock()

	if !interrupt || !o.opts.BargeIn || !o.opts.ManualPlaybackControl {
		return
	}
	logger.Info().Msg("User speaking detected, stopping playback")
	if err := o.queue.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping playback")
	}
}

func (o *Orchestrator) handleTranscript(e TranscriptEvent) {
	text := strings.TrimSpace(e.Text)

	o.mu.Lock()
	if !o.capturing {
		o.mu.Unlock()
		return
	}
	if e.Final {
		if text != "" {
			o.committed = joinWords(o.committed, text)
		}
		o.interim = ""
		if o.opts.AutoSubmitDelay > 0 && o.committed != "" {
			o.armAutoSubmitLocked()
		}
	} else {
		o.interim = text
		if text != "" {
			o.stopAutoSubmitLocked()
		}
	}
	o.commitLocked([]note{o.transcriptNoteLocked()})
}

// Connect opens the backend connection
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.transport.Connect(ctx)
}

// Submit sends a user message. Blank text and a missing connection are
// rejected before anything is recorded or sent.
func (o *Orchestrator) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	if !o.connected {
		o.mu.Unlock()
		return &connection.TransportError{Op: "send", Err: connection.ErrNotConnected}
	}
	rec := o.appendLocked(RoleUser, text, false)
	o.committed, o.interim = "", ""
	o.stopAutoSubmitLocked()
	metrics := o.metrics
	logger := o.logger
	o.commitLocked([]note{appendedNote(*rec), o.transcriptNoteLocked()})

	if metrics != nil {
		metrics.RecordSubmit()
	}
	if err := o.transport.Send(protocol.UserMessage(text)); err != nil {
		return err
	}
	logger.Info().Str("text", text).Msg("User message sent")
	return nil
}

// SubmitInput submits the accumulated transcript
func (o *Orchestrator) SubmitInput() error {
	return o.Submit(o.Input())
}

// StartListening begins voice capture. It requires a connection and is
// rejected while already capturing.
func (o *Orchestrator) StartListening(ctx context.Context) error {
	if o.voice == nil {
		return ErrVoiceUnavailable
	}

	o.mu.Lock()
	if !o.connected {
		o.mu.Unlock()
		return fmt.Errorf("start listening: %w", connection.ErrNotConnected)
	}
	if o.capturing {
		o.mu.Unlock()
		return ErrAlreadyListening
	}
	o.capturing = true
	o.committed, o.interim = "", ""
	o.commitLocked([]note{o.transcriptNoteLocked()})

	if err := o.voice.Start(ctx); err != nil {
		o.mu.Lock()
		o.capturing = false
		o.commitLocked(nil)
		return fmt.Errorf("start voice input: %w", err)
	}
	return nil
}

// StopListening ends voice capture. The transcript is kept for SubmitInput.
func (o *Orchestrator) StopListening() error {
	o.mu.Lock()
	if !o.capturing {
		o.mu.Unlock()
		return nil
	}
	o.capturing = false
	o.interim = ""
	o.commitLocked([]note{o.transcriptNoteLocked()})

	if o.voice == nil {
		return nil
	}
	return o.voice.Stop()
}

// ChangeSpeaker asks the backend to switch synthesis voice
func (o *Orchestrator) ChangeSpeaker(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("speaker name is empty")
	}
	return o.sendConnected(protocol.ChangeSpeaker(name))
}

// RequestSpeakers asks the backend for the available voices
func (o *Orchestrator) RequestSpeakers() error {
	return o.sendConnected(protocol.GetSpeakers())
}

// Ping sends an application-level ping; the pong is logged
func (o *Orchestrator) Ping() error {
	return o.sendConnected(protocol.Ping(time.Now().UnixMilli()))
}

func (o *Orchestrator) sendConnected(out protocol.Outbound) error {
	o.mu.Lock()
	connected := o.connected
	o.mu.Unlock()

	if !connected {
		return &connection.TransportError{Op: "send", Err: connection.ErrNotConnected}
	}
	return o.transport.Send(out)
}

// StopPlayback aborts the current chunk and drops pending audio
func (o *Orchestrator) StopPlayback() error {
	if !o.opts.ManualPlaybackControl {
		return playback.ErrStopDisabled
	}
	return o.queue.Stop()
}

// Disconnect closes the connection on the user's behalf and clears the log
func (o *Orchestrator) Disconnect() {
	o.transport.Disconnect()

	o.mu.Lock()
	notes, stopVoice := o.applyDisconnectLocked()
	o.log = nil
	o.connectedAt = time.Time{}
	o.commitLocked(notes)
	o.afterDisconnect(stopVoice)

	o.base.Info().Msg("Conversation cleared")
}

// applyDisconnectLocked resets per-connection state. Audio that has not
// started is dropped by afterDisconnect.
func (o *Orchestrator) applyDisconnectLocked() ([]note, bool) {
	var notes []note

	if o.connected && o.metrics != nil {
		o.metrics.RecordSessionEnd()
	}
	stopVoice := o.capturing

	o.connected = false
	o.thinking = false
	o.capturing = false
	o.committed, o.interim = "", ""
	o.stopAutoSubmitLocked()
	notes = append(notes, o.transcriptNoteLocked())

	if last := o.lastLocked(); last != nil && last.Streaming {
		last.Streaming = false
		notes = append(notes, updatedNote(*last))
	}
	return notes, stopVoice
}

func (o *Orchestrator) afterDisconnect(stopVoice bool) {
	if n := o.queue.Discard(); n > 0 {
		o.base.Debug().Int("dropped", n).Msg("Dropped pending audio")
	}
	if stopVoice && o.voice != nil {
		if err := o.voice.Stop(); err != nil {
			o.base.Warn().Err(err).Msg("Failed to stop voice input")
		}
	}
}

func (o *Orchestrator) armAutoSubmitLocked() {
	o.stopAutoSubmitLocked()
	gen := o.autoGen
	o.autoTimer = time.AfterFunc(o.opts.AutoSubmitDelay, func() {
		o.autoSubmit(gen)
	})
}

func (o *Orchestrator) stopAutoSubmitLocked() {
	if o.autoTimer != nil {
		o.autoTimer.Stop()
		o.autoTimer = nil
	}
	o.autoGen++
}

func (o *Orchestrator) autoSubmit(gen uint64) {
	o.mu.Lock()
	if gen != o.autoGen || o.interim != "" {
		o.mu.Unlock()
		return
	}
	o.autoTimer = nil
	o.mu.Unlock()

	if err := o.SubmitInput(); err != nil && !errors.Is(err, ErrEmptyMessage) {
		o.base.Warn().Err(err).Msg("Auto-submit failed")
		o.raise(err)
	}
}

func (o *Orchestrator) raise(err error) {
	o.mu.Lock()
	o.commitLocked([]note{func(obs Observer) { obs.ErrorRaised(err) }})
}

// commitLocked releases mu and delivers notes, appending a turn state
// change when the flags moved it.
func (o *Orchestrator) commitLocked(notes []note) {
	if s := o.deriveLocked(); s != o.turn {
		o.turn = s
		notes = append(notes, func(obs Observer) { obs.TurnStateChanged(s) })
	}

	o.notifyMu.Lock()
	o.mu.Unlock()
	defer o.notifyMu.Unlock()

	if o.observer == nil {
		return
	}
	for _, n := range notes {
		n(o.observer)
	}
}

func (o *Orchestrator) deriveLocked() TurnState {
	last := o.lastLocked()
	return deriveTurnState(turnFlags{
		connected: o.connected,
		capturing: o.capturing,
		thinking:  o.thinking,
		playing:   o.playing,
		streaming: last != nil && last.Role == RoleAssistant && last.Streaming,
	})
}

type turnFlags struct {
	connected bool
	capturing bool
	thinking  bool
	playing   bool
	streaming bool
}

func deriveTurnState(f turnFlags) TurnState {
	switch {
	case !f.connected:
		return TurnIdle
	case f.playing:
		return TurnSpeaking
	case f.thinking && f.streaming:
		return TurnSpeaking
	case f.thinking:
		return TurnThinking
	case f.capturing:
		return TurnListening
	default:
		return TurnIdle
	}
}

func (o *Orchestrator) appendLocked(role Role, content string, streaming bool) *Message {
	rec := &Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		Streaming: streaming,
	}
	o.log = append(o.log, rec)
	return rec
}

func (o *Orchestrator) lastLocked() *Message {
	if len(o.log) == 0 {
		return nil
	}
	return o.log[len(o.log)-1]
}

func (o *Orchestrator) speakersNoteLocked() note {
	current := o.speaker
	available := append([]string(nil), o.speakers...)
	return func(obs Observer) { obs.SpeakersChanged(current, available) }
}

func (o *Orchestrator) transcriptNoteLocked() note {
	text := o.inputLocked()
	return func(obs Observer) {
		if t, ok := obs.(TranscriptObserver); ok {
			t.TranscriptChanged(text)
		}
	}
}

// TranscriptObserver is implemented by observers that display the
// in-progress transcript
type TranscriptObserver interface {
	TranscriptChanged(text string)
}

func appendedNote(m Message) note {
	return func(obs Observer) { obs.MessageAppended(m) }
}

func updatedNote(m Message) note {
	return func(obs Observer) { obs.MessageUpdated(m) }
}

func (o *Orchestrator) inputLocked() string {
	return joinWords(o.committed, o.interim)
}

func joinWords(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

// TurnState returns the state derived from the current flags
func (o *Orchestrator) TurnState() TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deriveLocked()
}

// Messages returns a copy of the conversation log
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Message, len(o.log))
	for i, m := range o.log {
		out[i] = *m
	}
	return out
}

// Connected reports whether a session is live
func (o *Orchestrator) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

// Speaker returns the current synthesis voice
func (o *Orchestrator) Speaker() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaker
}

// Speakers returns the available synthesis voices
func (o *Orchestrator) Speakers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.speakers...)
}

// Input returns the transcript waiting to be submitted
func (o *Orchestrator) Input() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inputLocked()
}

// CallDuration returns time since the session started, or zero
func (o *Orchestrator) CallDuration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected || o.connectedAt.IsZero() {
		return 0
	}
	return time.Since(o.connectedAt)
}
