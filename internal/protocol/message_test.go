package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeConnected(t *testing.T) {
	msg, err := Decode([]byte(`{
		"type": "connected",
		"message": "Connected to TTS Assistant",
		"tts_info": {"model": "vits", "language": "en", "speaker": "p225", "available_speakers": ["p225", "p226"]}
	}`))
	require.NoError(t, err)
	require.Equal(t, TypeConnected, msg.Type)
	require.NotNil(t, msg.TTSInfo)
	require.Equal(t, "p225", msg.TTSInfo.Speaker)
	require.Equal(t, []string{"p225", "p226"}, msg.TTSInfo.AvailableSpeakers)
}

func TestDecodeChunkIDForms(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ChunkID
	}{
		{name: "number", raw: `{"type":"text_chunk","text":"hi","chunk_id":7}`, want: "7"},
		{name: "string", raw: `{"type":"text_chunk","text":"hi","chunk_id":"c-7"}`, want: "c-7"},
		{name: "null", raw: `{"type":"text_chunk","text":"hi","chunk_id":null}`, want: ""},
		{name: "absent", raw: `{"type":"text_chunk","text":"hi"}`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, tt.want, msg.ChunkID)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"text":"no type"}`, `[]`, `{"type":`} {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestDecodeUnknownTypeIsNotAnError(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"mystery","foo":1}`))
	require.NoError(t, err)
	require.Equal(t, Type("mystery"), msg.Type)
}

func TestAudioBytes(t *testing.T) {
	payload := []byte("RIFF....WAVE")
	raw, err := json.Marshal(map[string]any{
		"type":        "audio_chunk",
		"audio":       base64.StdEncoding.EncodeToString(payload),
		"chunk_id":    3,
		"text":        "Hello",
		"sample_rate": 22050,
	})
	require.NoError(t, err)

	msg, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, 22050, msg.SampleRate)

	got, err := msg.AudioBytes()
	require.NoError(t, err)
	require.Equal(t, payload, got)

	msg.Audio = "%%%"
	_, err = msg.AudioBytes()
	require.Error(t, err)

	msg.Audio = ""
	_, err = msg.AudioBytes()
	require.Error(t, err)
}

func TestOutboundEncoding(t *testing.T) {
	tests := []struct {
		name string
		msg  Outbound
		want string
	}{
		{name: "user message", msg: UserMessage("Hello"), want: `{"type":"user_message","text":"Hello"}`},
		{name: "change speaker", msg: ChangeSpeaker("p226"), want: `{"type":"change_speaker","speaker":"p226"}`},
		{name: "get speakers", msg: GetSpeakers(), want: `{"type":"get_speakers"}`},
		{name: "ping", msg: Ping(1700000000000), want: `{"type":"ping","timestamp":1700000000000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"pong","timestamp":1700000000000}`))
	require.NoError(t, err)
	require.Equal(t, "1700000000000", FormatTimestamp(msg.Timestamp))

	msg, err = Decode([]byte(`{"type":"pong","timestamp":""}`))
	require.NoError(t, err)
	require.Equal(t, "", FormatTimestamp(msg.Timestamp))
}
