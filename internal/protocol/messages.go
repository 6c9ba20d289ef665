package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies media-stream payload variants on the provider websocket.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
)

var ErrUnsupportedEvent = errors.New("unsupported stream event")

type Envelope struct {
	Event EventType `json:"event"`
}

type Connected struct {
	Event    EventType `json:"event"`
	Protocol string    `json:"protocol,omitempty"`
	Version  string    `json:"version,omitempty"`
}

// Start is the first event carrying call identity. CustomParameters holds
// the key/value pairs embedded as <Parameter> elements in the connection
// instructions.
type Start struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber,omitempty"`
	StreamSID      string    `json:"streamSid"`
	Start          StartInfo `json:"start"`
}

type StartInfo struct {
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type Media struct {
	Event          EventType    `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid"`
	Media          MediaPayload `json:"media"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Stop struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
	Stop      StopInfo  `json:"stop"`
}

type StopInfo struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type Mark struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
	Mark      MarkInfo  `json:"mark"`
}

type MarkInfo struct {
	Name string `json:"name"`
}

// Parse sniffs the envelope and returns the typed event.
func Parse(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Start.CallSID == "" {
			return nil, errors.New("start event missing callSid")
		}
		if msg.Start.StreamSID == "" {
			msg.Start.StreamSID = msg.StreamSID
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("media event missing payload")
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Event)
	}
}

// NewMediaMessage builds an outbound audio frame for the given stream.
func NewMediaMessage(streamSID, payloadBase64 string) ([]byte, error) {
	return json.Marshal(Media{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: payloadBase64},
	})
}

// NewMarkMessage builds an outbound mark used to detect playback completion.
func NewMarkMessage(streamSID, name string) ([]byte, error) {
	return json.Marshal(Mark{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      MarkInfo{Name: name},
	})
}

// NewClearMessage asks the provider to drop any buffered outbound audio.
func NewClearMessage(streamSID string) ([]byte, error) {
	return json.Marshal(struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
	}{Event: "clear", StreamSID: streamSID})
}
