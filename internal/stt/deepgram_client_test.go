package stt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-client/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		DeepgramAPIKey:             "test-key",
		DeepgramModel:              "nova-2",
		DeepgramLanguage:           "en-US",
		CircuitBreakerMaxFailures:  3,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        1,
	}
}

func decodeResponse(t *testing.T, raw string) *msginterfaces.MessageResponse {
	t.Helper()
	var msg msginterfaces.MessageResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func TestHandleDeepgramMessageEmitsTranscripts(t *testing.T) {
	d := NewDeepgramClient(testConfig(), zerolog.Nop())
	defer d.Close()

	d.handleDeepgramMessage(d.session, decodeResponse(t, `{
		"type": "Results",
		"is_final": false,
		"channel": {"alternatives": [{"transcript": "hello", "confidence": 0.5}]}
	}`))
	d.handleDeepgramMessage(d.session, decodeResponse(t, `{
		"type": "Results",
		"is_final": true,
		"start": 0.5,
		"duration": 1.25,
		"channel": {"alternatives": [{"transcript": "hello world", "confidence": 0.98}]}
	}`))

	interim := <-d.Results()
	require.Equal(t, "hello", interim.Text)
	require.False(t, interim.IsFinal)

	final := <-d.Results()
	require.Equal(t, "hello world", final.Text)
	require.True(t, final.IsFinal)
	require.InDelta(t, 0.98, final.Confidence, 1e-9)
	require.InDelta(t, 1.25, final.Duration, 1e-9)
}

func TestHandleDeepgramMessageSkipsEmpty(t *testing.T) {
	d := NewDeepgramClient(testConfig(), zerolog.Nop())
	defer d.Close()

	d.handleDeepgramMessage(d.session, nil)
	d.handleDeepgramMessage(d.session, decodeResponse(t, `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`))
	d.handleDeepgramMessage(d.session, decodeResponse(t, `{"type":"Results","channel":{"alternatives":[]}}`))
	d.handleDeepgramMessage(d.session, decodeResponse(t, `{"type":"SpeechStarted"}`))

	require.Len(t, d.transcript, 0)
}

func TestSendAudioWhenInactive(t *testing.T) {
	d := NewDeepgramClient(testConfig(), zerolog.Nop())
	defer d.Close()

	require.Error(t, d.SendAudio(make([]byte, 640)))
}

func TestStartAfterClose(t *testing.T) {
	d := NewDeepgramClient(testConfig(), zerolog.Nop())
	require.NoError(t, d.Close())
	require.Error(t, d.Start(context.Background()))
	require.NoError(t, d.Stop())
}

const finalResult = `{
	"type": "Results",
	"is_final": true,
	"channel": {"alternatives": [{"transcript": "late words", "confidence": 0.9}]}
}`

func TestTranscriptsFromStoppedSessionAreDropped(t *testing.T) {
	d := NewDeepgramClient(testConfig(), zerolog.Nop())
	defer d.Close()

	stale := d.session
	require.NoError(t, d.Stop())

	// a final flushed by the server after Finish
	d.handleDeepgramMessage(stale, decodeResponse(t, finalResult))
	require.Len(t, d.transcript, 0)

	d.handleDeepgramMessage(d.session, decodeResponse(t, finalResult))
	require.Len(t, d.transcript, 1)
}

func TestLateCallbackAfterCloseIsSafe(t *testing.T) {
	d := NewDeepgramClient(testConfig(), zerolog.Nop())
	session := d.session
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	require.NotPanics(t, func() {
		d.handleDeepgramMessage(session, decodeResponse(t, finalResult))
	})
	_, open := <-d.Results()
	require.False(t, open)
}

func TestDeactivateOnlyOncePerSession(t *testing.T) {
	d := NewDeepgramClient(testConfig(), zerolog.Nop())
	defer d.Close()

	d.mu.Lock()
	d.isActive = true
	session := d.session
	d.mu.Unlock()

	stops, ok := d.deactivate(session)
	require.True(t, ok)
	require.Equal(t, d.stops, stops)

	d.mu.RLock()
	active := d.isActive
	d.mu.RUnlock()
	require.False(t, active, "a failed write must clear isActive before reconnecting")

	_, ok = d.deactivate(session)
	require.False(t, ok)
}

func TestReconnectGivesUpAfterStop(t *testing.T) {
	d := NewDeepgramClient(testConfig(), zerolog.Nop())
	defer d.Close()

	stops := d.stops
	require.NoError(t, d.Stop())

	done := make(chan struct{})
	go func() {
		d.attemptReconnect(stops)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnect kept running after Stop")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	require.False(t, d.isActive)
	require.False(t, d.starting)
}
