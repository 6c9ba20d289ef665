package twilio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPlaceCall(t *testing.T) {
	var gotPath, gotTo, gotURL string
	var gotAuthOK bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, ok := r.BasicAuth()
		gotAuthOK = ok && user == "AC123" && pass == "secret"
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotTo = r.PostFormValue("To")
		gotURL = r.PostFormValue("Url")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "CA777", "status": "queued"})
	}))
	defer ts.Close()

	c := NewClient(Config{AccountSID: "AC123", AuthToken: "secret", APIBaseURL: ts.URL})
	sid, err := c.PlaceCall(context.Background(), "+15551234567", "+15557654321", "https://bot.example.com/twiml")
	if err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	if sid != "CA777" {
		t.Fatalf("sid = %q, want CA777", sid)
	}
	if gotPath != "/Accounts/AC123/Calls.json" {
		t.Fatalf("path = %q", gotPath)
	}
	if !gotAuthOK {
		t.Fatalf("basic auth not presented")
	}
	if gotTo != "+15551234567" || gotURL != "https://bot.example.com/twiml" {
		t.Fatalf("form To=%q Url=%q", gotTo, gotURL)
	}
}

func TestPlaceCallAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 21211, "message": "Invalid 'To' phone number"})
	}))
	defer ts.Close()

	c := NewClient(Config{AccountSID: "AC123", AuthToken: "secret", APIBaseURL: ts.URL})
	_, err := c.PlaceCall(context.Background(), "nonsense", "+15557654321", "https://bot.example.com/twiml")
	if err == nil {
		t.Fatalf("PlaceCall() should fail on API error")
	}
	if !strings.Contains(err.Error(), "Invalid 'To' phone number") {
		t.Fatalf("error %q should carry the API message", err)
	}
}

func TestPlaceCallMissingCredentials(t *testing.T) {
	c := NewClient(Config{})
	if _, err := c.PlaceCall(context.Background(), "+15551234567", "+15557654321", "https://x/twiml"); err == nil {
		t.Fatalf("PlaceCall() should fail without credentials")
	}
}
