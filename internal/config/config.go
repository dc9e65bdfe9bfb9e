// Package config provides environment-based configuration for callbridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for optional environment variables.
const (
	DefaultPort               = 8000
	DefaultMediaStreamTimeout = 300000 * time.Millisecond
	DefaultMaxRetries         = 3
)

// Config holds the process configuration, read from the environment.
type Config struct {
	// ElevenLabsAgentID is the conversational agent to dial.
	ElevenLabsAgentID string

	// ElevenLabsAPIKey authenticates signed-URL requests.
	ElevenLabsAPIKey string

	// TwilioAccountSID and TwilioAuthToken authenticate the Twilio REST API.
	TwilioAccountSID string
	TwilioAuthToken  string

	// TwilioPhoneNumber is the default caller ID for outbound calls.
	TwilioPhoneNumber string

	// Port is the HTTP listen port.
	Port int

	// MediaStreamTimeout bounds the lifetime of a media-stream session,
	// measured from session open.
	MediaStreamTimeout time.Duration

	// MaxRetries caps ElevenLabs reconnect attempts per session.
	MaxRetries int

	// Env mirrors NODE_ENV; "production" switches logs to JSON.
	Env string
}

// Load reads the configuration from the environment.
// It returns an error naming the first missing required variable.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               DefaultPort,
		MediaStreamTimeout: DefaultMediaStreamTimeout,
		MaxRetries:         DefaultMaxRetries,
		Env:                os.Getenv("NODE_ENV"),
	}

	required := []struct {
		name string
		dst  *string
	}{
		{"ELEVENLABS_AGENT_ID", &cfg.ElevenLabsAgentID},
		{"ELEVENLABS_API_KEY", &cfg.ElevenLabsAPIKey},
		{"TWILIO_ACCOUNT_SID", &cfg.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", &cfg.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", &cfg.TwilioPhoneNumber},
	}

	for _, v := range required {
		val := os.Getenv(v.name)
		if val == "" {
			return nil, fmt.Errorf("config: %s environment variable is required", v.name)
		}
		*v.dst = val
	}

	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("config: invalid PORT %q", port)
		}
		cfg.Port = n
	}

	if ms := os.Getenv("MEDIA_STREAM_TIMEOUT_MS"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: invalid MEDIA_STREAM_TIMEOUT_MS %q", ms)
		}
		cfg.MediaStreamTimeout = time.Duration(n) * time.Millisecond
	}

	if mr := os.Getenv("MAX_ELEVENLABS_RETRIES"); mr != "" {
		n, err := strconv.Atoi(mr)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("config: invalid MAX_ELEVENLABS_RETRIES %q", mr)
		}
		cfg.MaxRetries = n
	}

	return cfg, nil
}

// LogLevel returns the slog level name for the configured environment.
func (c *Config) LogLevel() string {
	if c.Env == "production" {
		return "info"
	}
	return "debug"
}
