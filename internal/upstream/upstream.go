// Package upstream defines the speech-to-speech session the relay talks to and
// the events it emits. Events are a tagged union consumed by the session loop.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Receive once the upstream ended the session normally.
var ErrClosed = errors.New("upstream closed")

// EventKind tags an Event.
type EventKind int

const (
	EventSetupComplete EventKind = iota
	EventInputTranscript
	EventModelTurn
	EventToolCall
	EventInterrupted
	EventTurnComplete
	EventError
	EventClosed
)

var kindNames = map[EventKind]string{
	EventSetupComplete:   "setup_complete",
	EventInputTranscript: "input_transcript",
	EventModelTurn:       "model_turn",
	EventToolCall:        "tool_call",
	EventInterrupted:     "interrupted",
	EventTurnComplete:    "turn_complete",
	EventError:           "error",
	EventClosed:          "closed",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Part is one element of a model turn: either audio or text.
type Part struct {
	Audio    []byte // PCM16 mono at the upstream output rate
	MIMEType string
	Text     string
}

// IsAudio reports whether the part carries audio.
func (p Part) IsAudio() bool { return len(p.Audio) > 0 }

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResponse answers exactly one ToolCall.
type ToolResponse struct {
	ID     string
	Name   string
	Result string
}

// Event is one upstream occurrence. Only the fields relevant to Kind are set.
type Event struct {
	Kind  EventKind
	Text  string     // EventInputTranscript
	Parts []Part     // EventModelTurn
	Calls []ToolCall // EventToolCall
	Err   error      // EventError
}

// ToolDecl describes a callable tool to the model.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
}

// Config is what a session is opened with.
type Config struct {
	Model             string
	SystemInstruction string
	Voice             string
	Tools             []ToolDecl
}

// Session is an open upstream conversation. Send methods are called from a
// single goroutine; Receive is called from another.
type Session interface {
	SendAudio(pcm []byte) error
	SendText(text string) error
	SendToolResponses(resps []ToolResponse) error
	// Receive blocks for the next server message and returns the events it
	// carries, in order. It returns ErrClosed on a normal close.
	Receive() ([]Event, error)
	Close() error
}

// Dialer opens upstream sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg Config) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Session, error) { return f(ctx, cfg) }
