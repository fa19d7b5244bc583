// Package protocol defines the tagged JSON messages exchanged with the
// conversational backend over the duplex connection.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the discriminator carried in every message's "type" field
type Type string

// Inbound message types
const (
	TypeConnected        Type = "connected"
	TypeAIThinking       Type = "ai_thinking"
	TypeTextChunk        Type = "text_chunk"
	TypeAudioChunk       Type = "audio_chunk"
	TypeResponseComplete Type = "response_complete"
	TypeError            Type = "error"
	TypeSpeakerChanged   Type = "speaker_changed"
	TypeSpeakersList     Type = "speakers_list"
	TypeMessageReceived  Type = "message_received"
	TypePong             Type = "pong"
)

// Outbound message types
const (
	TypeUserMessage   Type = "user_message"
	TypeChangeSpeaker Type = "change_speaker"
	TypeGetSpeakers   Type = "get_speakers"
	TypePing          Type = "ping"
)

// ErrMalformed marks a payload that is not a JSON object with a type tag
var ErrMalformed = errors.New("malformed message")

// TTSInfo describes the backend's speech synthesis setup, sent on connect
type TTSInfo struct {
	Model             string   `json:"model,omitempty"`
	Language          string   `json:"language,omitempty"`
	Speaker           string   `json:"speaker,omitempty"`
	AvailableSpeakers []string `json:"available_speakers,omitempty"`
}

// ChunkID is an opaque correlation token. The backend sends it as a
// number or a string; both decode to the same textual form.
type ChunkID string

// UnmarshalJSON accepts a JSON number, string or null
func (c *ChunkID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChunkID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chunk_id: %w", err)
	}
	*c = ChunkID(n.String())
	return nil
}

// Message is the flattened union of every inbound message shape.
// Only the fields relevant to Type are populated.
type Message struct {
	Type Type `json:"type"`

	// connected, error
	Message string   `json:"message,omitempty"`
	TTSInfo *TTSInfo `json:"tts_info,omitempty"`

	// text_chunk, audio_chunk
	Text       string  `json:"text,omitempty"`
	ChunkID    ChunkID `json:"chunk_id,omitempty"`
	Audio      string  `json:"audio,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`

	// response_complete
	FullText string `json:"full_text,omitempty"`

	// speaker_changed, speakers_list
	Speaker        string   `json:"speaker,omitempty"`
	Speakers       []string `json:"speakers,omitempty"`
	CurrentSpeaker string   `json:"current_speaker,omitempty"`

	// message_received
	OriginalText string `json:"original_text,omitempty"`

	// pong
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Decode parses one inbound payload. Unknown types decode successfully and
// are left for the caller to ignore.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &msg, nil
}

// AudioBytes decodes the base64 audio payload of an audio_chunk
func (m *Message) AudioBytes() ([]byte, error) {
	if m.Audio == "" {
		return nil, fmt.Errorf("audio_chunk %s has no audio payload", m.ChunkID)
	}
	data, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode audio_chunk %s: %w", m.ChunkID, err)
	}
	return data, nil
}

// Outbound is a client-to-backend message
type Outbound struct {
	Type      Type   `json:"type"`
	Text      string `json:"text,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// UserMessage submits one user utterance
func UserMessage(text string) Outbound {
	return Outbound{Type: TypeUserMessage, Text: text}
}

// ChangeSpeaker asks the backend to switch the synthesis voice
func ChangeSpeaker(speaker string) Outbound {
	return Outbound{Type: TypeChangeSpeaker, Speaker: speaker}
}

// GetSpeakers asks for the list of available voices
func GetSpeakers() Outbound {
	return Outbound{Type: TypeGetSpeakers}
}

// Ping is an application-level liveness probe answered with pong
func Ping(unixMillis int64) Outbound {
	return Outbound{Type: TypePing, Timestamp: unixMillis}
}

// FormatTimestamp renders a pong timestamp for logging. The backend echoes
// whatever the ping carried, or an empty string.
func FormatTimestamp(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
