package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-client/internal/conversation"
)

type fakeController struct {
	calls     []string
	submitErr error
}

func (f *fakeController) record(s string) { f.calls = append(f.calls, s) }

func (f *fakeController) Connect(context.Context) error { f.record("connect"); return nil }
func (f *fakeController) Disconnect()                   { f.record("disconnect") }
func (f *fakeController) Submit(text string) error {
	f.record("submit:" + text)
	return f.submitErr
}
func (f *fakeController) SubmitInput() error                   { f.record("submit-input"); return nil }
func (f *fakeController) StartListening(context.Context) error { f.record("listen"); return nil }
func (f *fakeController) StopListening() error                 { f.record("stop-listen"); return nil }
func (f *fakeController) StopPlayback() error                  { f.record("stop"); return nil }
func (f *fakeController) ChangeSpeaker(name string) error {
	f.record("speaker:" + name)
	return nil
}
func (f *fakeController) RequestSpeakers() error { f.record("speakers"); return nil }
func (f *fakeController) Ping() error            { f.record("ping"); return nil }

func (f *fakeController) TurnState() conversation.TurnState { return conversation.TurnListening }
func (f *fakeController) Connected() bool                   { return true }
func (f *fakeController) Speaker() string                   { return "Ana" }
func (f *fakeController) Speakers() []string                { return nil }
func (f *fakeController) Input() string                     { return "half a sentence" }
func (f *fakeController) CallDuration() time.Duration       { return 65 * time.Second }
func (f *fakeController) Messages() []conversation.Message  { return nil }

func TestConsoleRoutesCommands(t *testing.T) {
	ctl := &fakeController{}
	var out bytes.Buffer
	c := newConsole(ctl, &out)
	ctx := context.Background()

	for _, line := range []string{
		"  hello there ",
		"/connect",
		"/listen",
		"/send",
		"/stop",
		"/speaker   Bob",
		"/stop-listen",
		"/ping",
		"/disconnect",
		"",
	} {
		require.False(t, c.handle(ctx, line), line)
	}
	require.True(t, c.handle(ctx, "/quit"))

	require.Equal(t, []string{
		"submit:hello there",
		"connect",
		"listen",
		"submit-input",
		"stop",
		"speaker:Bob",
		"stop-listen",
		"ping",
		"disconnect",
	}, ctl.calls)
}

func TestConsoleReportsErrorsAndUnknownCommands(t *testing.T) {
	ctl := &fakeController{submitErr: errors.New("not connected")}
	var out bytes.Buffer
	c := newConsole(ctl, &out)

	c.handle(context.Background(), "hi")
	c.handle(context.Background(), "/bogus")

	require.Contains(t, out.String(), "error: not connected")
	require.Contains(t, out.String(), "unknown command /bogus")
}

func TestConsoleStatus(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&fakeController{}, &out)

	c.handle(context.Background(), "/status")

	require.Contains(t, out.String(), "connected | listening")
	require.Contains(t, out.String(), "call 1m5s")
	require.Contains(t, out.String(), "transcript: half a sentence")
}

func TestConsoleStreamsAssistantText(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&fakeController{}, &out)
	id := uuid.New()

	c.MessageAppended(conversation.Message{ID: id, Role: conversation.RoleAssistant, Content: "Hello", Streaming: true})
	c.MessageUpdated(conversation.Message{ID: id, Role: conversation.RoleAssistant, Content: "Hello world", Streaming: true})
	c.MessageUpdated(conversation.Message{ID: id, Role: conversation.RoleAssistant, Content: "Hello world", Streaming: false})
	// late updates for a finished record are ignored
	c.MessageUpdated(conversation.Message{ID: id, Role: conversation.RoleAssistant, Content: "Hello world", Streaming: false})

	require.Equal(t, "assistant: Hello world\n", out.String())
}

func TestConsoleSkipsBackendErrors(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&fakeController{}, &out)

	c.ErrorRaised(&conversation.BackendError{Message: "boom"})
	require.Empty(t, out.String())

	c.ErrorRaised(errors.New("link lost"))
	require.True(t, strings.HasPrefix(out.String(), "error: link lost"))
}
