package pipeline

import (
	"context"
	"encoding/json"
)

// EventKind distinguishes model text from execution output
type EventKind int

const (
	KindResponse EventKind = iota
	KindCode
)

// Event is one outbound session message
type Event struct {
	Kind EventKind
	Text string
}

// Response wraps a model delta
func Response(text string) Event {
	return Event{Kind: KindResponse, Text: text}
}

// Code wraps execution output, echoed commands, separators and install status
func Code(text string) Event {
	return Event{Kind: KindCode, Text: text}
}

// MarshalJSON encodes the event as {"response": ...} or {"code": ...}
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == KindCode {
		return json.Marshal(struct {
			Code string `json:"code"`
		}{e.Text})
	}
	return json.Marshal(struct {
		Response string `json:"response"`
	}{e.Text})
}

// Request is one inbound session message
type Request struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
	TestMode bool   `json:"test_input"`
}

// Sink receives the events of a turn in production order
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Send(ctx context.Context, e Event) error {
	return f(ctx, e)
}
