package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the outbound voice-bot service.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	AllowAnyOrigin bool

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBaseURL string

	DatabaseURL string

	PendingConfigTTL          time.Duration
	CorrelationAttempts       int
	CorrelationAttemptTimeout time.Duration
	FarewellGrace             time.Duration

	DefaultSessionDurationSeconds int
	DefaultIdleWarningSeconds     int
	DefaultIdleDisconnectSeconds  int
	MaxSessionDurationSeconds     int
	GreetingEnabled               bool

	PipelineProvider string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicBaseURL:    envTrimmed("APP_PUBLIC_BASE_URL"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "dialbot"),
		ShutdownTimeout:  15 * time.Second,
		AllowAnyOrigin:   false,

		TwilioAccountSID: envTrimmed("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  envTrimmed("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: envTrimmed("TWILIO_PHONE_NUMBER"),
		TwilioAPIBaseURL: envTrimmed("TWILIO_API_BASE_URL"),

		DatabaseURL: envTrimmed("DATABASE_URL"),

		PendingConfigTTL:          10 * time.Minute,
		CorrelationAttempts:       10,
		CorrelationAttemptTimeout: 2 * time.Second,
		FarewellGrace:             3 * time.Second,

		DefaultSessionDurationSeconds: 180,
		DefaultIdleWarningSeconds:     8,
		DefaultIdleDisconnectSeconds:  30,
		MaxSessionDurationSeconds:     3600,
		GreetingEnabled:               true,

		PipelineProvider: envOrDefault("PIPELINE_PROVIDER", "mock"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PendingConfigTTL, err = durationFromEnv("APP_PENDING_CONFIG_TTL", cfg.PendingConfigTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.CorrelationAttemptTimeout, err = durationFromEnv("APP_CORRELATION_ATTEMPT_TIMEOUT", cfg.CorrelationAttemptTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FarewellGrace, err = durationFromEnv("APP_FAREWELL_GRACE", cfg.FarewellGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.CorrelationAttempts, err = intFromEnv("APP_CORRELATION_ATTEMPTS", cfg.CorrelationAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultSessionDurationSeconds, err = intFromEnv("APP_DEFAULT_SESSION_DURATION", cfg.DefaultSessionDurationSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultIdleWarningSeconds, err = intFromEnv("APP_DEFAULT_IDLE_WARNING_TIMEOUT", cfg.DefaultIdleWarningSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultIdleDisconnectSeconds, err = intFromEnv("APP_DEFAULT_IDLE_DISCONNECT_TIMEOUT", cfg.DefaultIdleDisconnectSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessionDurationSeconds, err = intFromEnv("APP_MAX_SESSION_DURATION", cfg.MaxSessionDurationSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.GreetingEnabled, err = boolFromEnv("APP_GREETING_ENABLED", cfg.GreetingEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.CorrelationAttempts <= 0 {
		return Config{}, fmt.Errorf("APP_CORRELATION_ATTEMPTS must be positive")
	}
	if cfg.CorrelationAttemptTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_CORRELATION_ATTEMPT_TIMEOUT must be positive")
	}
	if cfg.DefaultSessionDurationSeconds <= 0 || cfg.DefaultIdleWarningSeconds <= 0 || cfg.DefaultIdleDisconnectSeconds <= 0 {
		return Config{}, fmt.Errorf("default session timeouts must be positive")
	}
	if cfg.MaxSessionDurationSeconds < cfg.DefaultSessionDurationSeconds {
		return Config{}, fmt.Errorf("APP_MAX_SESSION_DURATION must be at least the default session duration")
	}
	if cfg.PendingConfigTTL < time.Minute {
		return Config{}, fmt.Errorf("APP_PENDING_CONFIG_TTL must be at least 1m")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
