package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/voice-client/internal/conversation"
)

// controller is the part of the orchestrator the console drives
type controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Submit(text string) error
	SubmitInput() error
	StartListening(ctx context.Context) error
	StopListening() error
	StopPlayback() error
	ChangeSpeaker(name string) error
	RequestSpeakers() error
	Ping() error

	TurnState() conversation.TurnState
	Connected() bool
	Speaker() string
	Speakers() []string
	Input() string
	CallDuration() time.Duration
	Messages() []conversation.Message
}

const helpText = `Type a message and press enter to send it.
Commands:
  /connect        connect to the backend
  /disconnect     disconnect and clear the conversation
  /listen         start voice input
  /stop-listen    stop voice input
  /send           send the current transcript
  /stop           stop audio playback
  /speaker NAME   change the synthesis voice
  /speakers       list available voices
  /ping           ping the backend
  /status         show connection and turn state
  /history        print the conversation
  /quit           exit`

// console reads user commands and prints conversation updates
type console struct {
	ctl controller

	mu      sync.Mutex
	out     io.Writer
	printed map[uuid.UUID]int
}

func newConsole(ctl controller, out io.Writer) *console {
	return &console{
		ctl:     ctl,
		out:     out,
		printed: make(map[uuid.UUID]int),
	}
}

// handle runs one input line and reports whether the user asked to quit
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.report(c.ctl.Submit(line))
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "connect":
		c.report(c.ctl.Connect(ctx))
	case "disconnect":
		c.ctl.Disconnect()
		c.printf("disconnected\n")
	case "listen":
		c.report(c.ctl.StartListening(ctx))
	case "stop-listen":
		c.report(c.ctl.StopListening())
	case "send":
		c.report(c.ctl.SubmitInput())
	case "stop":
		c.report(c.ctl.StopPlayback())
	case "speaker":
		c.report(c.ctl.ChangeSpeaker(arg))
	case "speakers":
		if speakers := c.ctl.Speakers(); len(speakers) > 0 {
			c.printf("speakers: %s (current: %s)\n", strings.Join(speakers, ", "), c.ctl.Speaker())
		}
		c.report(c.ctl.RequestSpeakers())
	case "ping":
		c.report(c.ctl.Ping())
	case "status":
		c.status()
	case "history":
		for _, m := range c.ctl.Messages() {
			c.printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.Role, m.Content)
		}
	case "help":
		c.printf("%s\n", helpText)
	case "quit", "exit":
		return true
	default:
		c.printf("unknown command /%s, try /help\n", cmd)
	}
	return false
}

func (c *console) status() {
	connected := "disconnected"
	if c.ctl.Connected() {
		connected = "connected"
	}
	c.printf("%s | %s | speaker %q | call %s | %d messages\n",
		connected,
		c.ctl.TurnState(),
		c.ctl.Speaker(),
		c.ctl.CallDuration().Truncate(time.Second),
		len(c.ctl.Messages()),
	)
	if input := c.ctl.Input(); input != "" {
		c.printf("transcript: %s\n", input)
	}
}

func (c *console) report(err error) {
	if err != nil {
		c.printf("error: %v\n", err)
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) TurnStateChanged(state conversation.TurnState) {
	c.printf("[%s]\n", state)
}

func (c *console) MessageAppended(m conversation.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m.Role {
	case conversation.RoleAssistant:
		fmt.Fprintf(c.out, "assistant: %s", m.Content)
		c.printed[m.ID] = len(m.Content)
		if !m.Streaming {
			fmt.Fprintln(c.out)
			delete(c.printed, m.ID)
		}
	case conversation.RoleSystem:
		fmt.Fprintf(c.out, "system: %s\n", m.Content)
	default:
		fmt.Fprintf(c.out, "you: %s\n", m.Content)
	}
}

func (c *console) MessageUpdated(m conversation.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.printed[m.ID]
	if !ok {
		return
	}
	if n < len(m.Content) {
		fmt.Fprint(c.out, m.Content[n:])
		c.printed[m.ID] = len(m.Content)
	}
	if !m.Streaming {
		fmt.Fprintln(c.out)
		delete(c.printed, m.ID)
	}
}

func (c *console) ErrorRaised(err error) {
	var berr *conversation.BackendError
	if errors.As(err, &berr) {
		// already shown as a system record
		return
	}
	c.printf("error: %v\n", err)
}

func (c *console) SpeakersChanged(current string, available []string) {
	if len(available) == 0 {
		c.printf("speaker: %s\n", current)
		return
	}
	c.printf("speaker: %s (available: %s)\n", current, strings.Join(available, ", "))
}

func (c *console) TranscriptChanged(text string) {
	if text != "" {
		c.printf("... %s\n", text)
	}
}
