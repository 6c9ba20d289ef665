package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStart(t *testing.T) {
	raw := []byte(`{
		"event": "start",
		"sequenceNumber": "1",
		"streamSid": "MZ123",
		"start": {
			"accountSid": "AC000",
			"callSid": "CA456",
			"streamSid": "MZ123",
			"customParameters": {"llm_context": "be brief", "session_duration": "120"}
		}
	}`)

	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	start, ok := parsed.(Start)
	if !ok {
		t.Fatalf("Parse() type = %T, want Start", parsed)
	}
	if start.Start.CallSID != "CA456" || start.Start.StreamSID != "MZ123" {
		t.Fatalf("unexpected start identity: %+v", start.Start)
	}
	if start.Start.CustomParameters["session_duration"] != "120" {
		t.Fatalf("customParameters = %+v", start.Start.CustomParameters)
	}
}

func TestParseStartMissingCallSID(t *testing.T) {
	if _, err := Parse([]byte(`{"event":"start","start":{}}`)); err == nil {
		t.Fatalf("Parse() should reject start without callSid")
	}
}

func TestParseConnectedAndStop(t *testing.T) {
	parsed, err := Parse([]byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`))
	if err != nil {
		t.Fatalf("Parse(connected) error = %v", err)
	}
	if _, ok := parsed.(Connected); !ok {
		t.Fatalf("Parse(connected) type = %T", parsed)
	}

	parsed, err = Parse([]byte(`{"event":"stop","streamSid":"MZ123","stop":{"callSid":"CA456"}}`))
	if err != nil {
		t.Fatalf("Parse(stop) error = %v", err)
	}
	stop, ok := parsed.(Stop)
	if !ok {
		t.Fatalf("Parse(stop) type = %T", parsed)
	}
	if stop.Stop.CallSID != "CA456" {
		t.Fatalf("stop callSid = %q", stop.Stop.CallSID)
	}
}

func TestParseMediaRequiresPayload(t *testing.T) {
	if _, err := Parse([]byte(`{"event":"media","streamSid":"MZ123","media":{}}`)); err == nil {
		t.Fatalf("Parse() should reject media without payload")
	}
}

func TestParseUnsupportedEvent(t *testing.T) {
	_, err := Parse([]byte(`{"event":"dtmf"}`))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("err = %v, want ErrUnsupportedEvent", err)
	}
}

func TestNewMediaMessageRoundtrip(t *testing.T) {
	raw, err := NewMediaMessage("MZ123", "AAAA")
	if err != nil {
		t.Fatalf("NewMediaMessage() error = %v", err)
	}
	var msg Media
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != EventMedia || msg.StreamSID != "MZ123" || msg.Media.Payload != "AAAA" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
}
