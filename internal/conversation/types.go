package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/voice-client/internal/connection"
	"github.com/lexiqai/voice-client/internal/playback"
	"github.com/lexiqai/voice-client/internal/protocol"
)

// Role identifies who authored a conversation record
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in the conversation log
type Message struct {
	ID        uuid.UUID
	Role      Role
	Content   string
	CreatedAt time.Time

	// Streaming is true while assistant text is still arriving
	Streaming bool
}

// TurnState is derived from the orchestrator's flags, never stored
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnListening
	TurnThinking
	TurnSpeaking
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnListening:
		return "listening"
	case TurnThinking:
		return "thinking"
	case TurnSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("turn(%d)", int(s))
	}
}

var (
	// ErrEmptyMessage is returned when submitted text is blank
	ErrEmptyMessage = errors.New("message is empty")

	// ErrAlreadyListening is returned by StartListening while capturing
	ErrAlreadyListening = errors.New("already listening")

	// ErrVoiceUnavailable is returned when no voice input is configured
	ErrVoiceUnavailable = errors.New("voice input not configured")
)

// BackendError is an error reported by the backend in an "error" message.
// The connection stays up.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return "backend error: " + e.Message
}

// Transport is the connection surface the orchestrator drives
type Transport interface {
	Connect(ctx context.Context) error
	Send(out protocol.Outbound) error
	Disconnect()
	State() connection.State
}

// AudioQueue is the playback surface the orchestrator drives
type AudioQueue interface {
	Enqueue(chunk *playback.Chunk)
	Stop() error
	Discard() int
}

// VoiceInput starts and stops microphone transcription. Transcripts and
// capture loss come back through Dispatch.
type VoiceInput interface {
	Start(ctx context.Context) error
	Stop() error
}

// Observer receives notifications serially. Implementations must not call
// mutating Orchestrator methods synchronously.
type Observer interface {
	TurnStateChanged(state TurnState)
	MessageAppended(msg Message)
	MessageUpdated(msg Message)
	ErrorRaised(err error)
	SpeakersChanged(current string, available []string)
}

// CaptureStarted reports that microphone capture began
type CaptureStarted struct{}

// CaptureStopped reports that microphone capture ended, with Err set when
// the device or recognizer failed
type CaptureStopped struct {
	Err error
}

// SpeechStarted reports that the microphone picked up the user talking
type SpeechStarted struct{}

// TranscriptEvent carries one recognition hypothesis
type TranscriptEvent struct {
	Text  string
	Final bool
}
