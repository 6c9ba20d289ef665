package call

import (
	"strconv"
	"strings"
	"time"
)

// DefaultSystemPrompt seeds the language-model context when the initiation
// request does not provide one.
const DefaultSystemPrompt = "You are a friendly assistant making an outbound phone call. " +
	"Your responses will be read aloud, so keep them concise and conversational. " +
	"Avoid special characters or formatting. " +
	"Begin by politely greeting the person and explaining why you're calling."

// SessionConfig is immutable once a session starts.
type SessionConfig struct {
	SystemPrompt          string
	SessionDuration       time.Duration
	IdleWarning           time.Duration
	IdleDisconnectRetries int
	FarewellGrace         time.Duration
	GreetingEnabled       bool
}

// Defaults are substituted for absent or non-numeric request fields.
type Defaults struct {
	SystemPrompt              string
	SessionDurationSeconds    int
	IdleWarningSeconds        int
	IdleDisconnectSeconds     int
	MaxSessionDurationSeconds int
	FarewellGrace             time.Duration
	GreetingEnabled           bool
}

// ReferenceDefaults mirrors the documented initiation-request defaults.
func ReferenceDefaults() Defaults {
	return Defaults{
		SystemPrompt:              DefaultSystemPrompt,
		SessionDurationSeconds:    180,
		IdleWarningSeconds:        8,
		IdleDisconnectSeconds:     30,
		MaxSessionDurationSeconds: 3600,
		FarewellGrace:             3 * time.Second,
		GreetingEnabled:           true,
	}
}

// Request parameter keys, as they appear both in the initiation body and in
// the stream's custom parameters after the TwiML round trip.
const (
	ParamSystemPrompt          = "llm_context"
	ParamSessionDuration       = "session_duration"
	ParamIdleWarningTimeout    = "idle_warning_timeout"
	ParamIdleDisconnectTimeout = "idle_disconnect_timeout"
	ParamGreeting              = "greeting"
)

// ConfigFromParams builds a validated SessionConfig from raw string
// parameters. Every numeric field goes through a safe conversion; parse
// failures and absent keys fall back to the defaults. The session duration
// is capped to bound per-call resource usage.
func ConfigFromParams(params map[string]string, d Defaults) SessionConfig {
	prompt := strings.TrimSpace(params[ParamSystemPrompt])
	if prompt == "" {
		prompt = d.SystemPrompt
	}

	durationSec := positiveIntParam(params, ParamSessionDuration, d.SessionDurationSeconds)
	if d.MaxSessionDurationSeconds > 0 && durationSec > d.MaxSessionDurationSeconds {
		durationSec = d.MaxSessionDurationSeconds
	}
	warningSec := positiveIntParam(params, ParamIdleWarningTimeout, d.IdleWarningSeconds)
	disconnectSec := positiveIntParam(params, ParamIdleDisconnectTimeout, d.IdleDisconnectSeconds)

	greeting := d.GreetingEnabled
	switch strings.ToLower(strings.TrimSpace(params[ParamGreeting])) {
	case "1", "true", "t", "yes", "y", "on":
		greeting = true
	case "0", "false", "f", "no", "n", "off":
		greeting = false
	}

	return SessionConfig{
		SystemPrompt:          prompt,
		SessionDuration:       time.Duration(durationSec) * time.Second,
		IdleWarning:           time.Duration(warningSec) * time.Second,
		IdleDisconnectRetries: retriesFor(warningSec, disconnectSec),
		FarewellGrace:         d.FarewellGrace,
		GreetingEnabled:       greeting,
	}
}

// retriesFor derives the escalation-step count before forced disconnect
// from the two timeout knobs the initiation request exposes: how many idle
// windows fit in the disconnect budget, never fewer than one.
func retriesFor(warningSec, disconnectSec int) int {
	if warningSec <= 0 || disconnectSec <= 0 {
		return 1
	}
	retries := disconnectSec / warningSec
	if retries < 1 {
		retries = 1
	}
	return retries
}

func positiveIntParam(params map[string]string, key string, fallback int) int {
	v := strings.TrimSpace(params[key])
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
