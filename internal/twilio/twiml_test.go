package twilio

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestStreamURLAlwaysSecure(t *testing.T) {
	cases := map[string]string{
		"https://bot.example.com":  "wss://bot.example.com/ws",
		"http://bot.example.com/":  "wss://bot.example.com/ws",
		"bot.example.com":          "wss://bot.example.com/ws",
		"wss://bot.example.com":    "wss://bot.example.com/ws",
		"ws://bot.example.com":     "wss://bot.example.com/ws",
		"https://bot.example.com/": "wss://bot.example.com/ws",
	}
	for in, want := range cases {
		if got := StreamURL(in); got != want {
			t.Fatalf("StreamURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConnectStreamTwiMLWithParameters(t *testing.T) {
	body, err := ConnectStreamTwiML("wss://bot.example.com/ws", map[string]string{
		"session_duration": "120",
		"llm_context":      "be brief",
	})
	if err != nil {
		t.Fatalf("ConnectStreamTwiML() error = %v", err)
	}

	var doc twimlResponse
	if err := xml.Unmarshal(body, &doc); err != nil {
		t.Fatalf("rendered document is not valid XML: %v", err)
	}
	if doc.Connect.Stream.URL != "wss://bot.example.com/ws" {
		t.Fatalf("stream url = %q", doc.Connect.Stream.URL)
	}
	if len(doc.Connect.Stream.Parameters) != 2 {
		t.Fatalf("parameters = %+v, want 2", doc.Connect.Stream.Parameters)
	}
	// Deterministic ordering by name.
	if doc.Connect.Stream.Parameters[0].Name != "llm_context" {
		t.Fatalf("first parameter = %+v", doc.Connect.Stream.Parameters[0])
	}
	if doc.Pause == nil || doc.Pause.Length != 20 {
		t.Fatalf("pause = %+v", doc.Pause)
	}
	if !strings.HasPrefix(string(body), xml.Header) {
		t.Fatalf("missing XML header")
	}
}

func TestConnectStreamTwiMLEmptyParameters(t *testing.T) {
	body, err := ConnectStreamTwiML("wss://bot.example.com/ws", nil)
	if err != nil {
		t.Fatalf("ConnectStreamTwiML() error = %v", err)
	}
	var doc twimlResponse
	if err := xml.Unmarshal(body, &doc); err != nil {
		t.Fatalf("empty-parameter document is not valid XML: %v", err)
	}
	if len(doc.Connect.Stream.Parameters) != 0 {
		t.Fatalf("parameters = %+v, want none", doc.Connect.Stream.Parameters)
	}
}
