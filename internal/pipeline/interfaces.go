package pipeline

import "context"

type EventType string

const (
	// EventActivity signals detected caller speech.
	EventActivity EventType = "activity"
	EventTurnEnd  EventType = "turn_end"
	EventError    EventType = "error"
)

type Event struct {
	Type      EventType
	Code      string
	Detail    string
	Retryable bool
	Timestamp int64
}

// Sink receives outbound frames destined for the provider stream.
type Sink interface {
	WriteMessage(data []byte) error
}

// Pipeline is the speech-in, language-model, speech-out chain for one call.
// Stop closes the Events channel; all methods are safe after Stop and
// become no-ops.
type Pipeline interface {
	PushAudio(ctx context.Context, payloadBase64 string) error
	PushSpokenMessage(ctx context.Context, text string) error
	RequestAssistantTurn(ctx context.Context) error
	Events() <-chan Event
	Stop() error
}

// Spec carries everything a provider needs to wire a pipeline for a call.
type Spec struct {
	CallSID      string
	StreamSID    string
	SystemPrompt string
	Sink         Sink
}

type Provider interface {
	StartPipeline(ctx context.Context, spec Spec) (Pipeline, error)
}
