// Package config provides configuration loading for go-callrelay.
//
// Values come from an optional YAML file, then a .env file, then the process
// environment; later sources win. Provider credentials may be left empty at
// load time because they are checked per call.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort            = "8080"
	DefaultSessionTTL      = time.Hour
	DefaultSweepSchedule   = "@every 1m"
	DefaultIdleTimeout     = 60 * time.Second
	DefaultStartTimeout    = 10 * time.Second
	DefaultHangupTimeout   = 10 * time.Second
	DefaultRingTimeout     = 30
	DefaultVoice           = "Polly.Joanna"
	DefaultFallbackMessage = "We're sorry, our assistant is unavailable right now. Please try again later. Goodbye."
	DefaultElevenLabsURL   = "wss://api.elevenlabs.io/v1/convai/conversation"
)

// Config is the top-level relay configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Twilio     TwilioConfig     `yaml:"twilio"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Session    SessionConfig    `yaml:"session"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Calls      CallsConfig      `yaml:"calls"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port string `yaml:"port"`

	// PublicBaseURL is the externally reachable https URL Twilio calls back on.
	PublicBaseURL string `yaml:"public_base_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// TwilioConfig holds the telephony account and call defaults.
type TwilioConfig struct {
	AccountSID         string `yaml:"account_sid"`
	AuthToken          string `yaml:"auth_token"`
	PhoneNumber        string `yaml:"phone_number"`
	ValidateSignatures bool   `yaml:"validate_signatures"`

	// Greeting is spoken before the media stream opens. Empty skips it.
	Greeting string `yaml:"greeting"`
	Voice    string `yaml:"voice"`
}

// ElevenLabsConfig holds the conversational agent credentials.
type ElevenLabsConfig struct {
	AgentID string `yaml:"agent_id"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// OverridePrompt sends each call's script as the agent's system prompt.
	OverridePrompt bool   `yaml:"override_prompt"`
	FirstMessage   string `yaml:"first_message"`
	Language       string `yaml:"language"`
}

// SessionConfig controls in-memory session retention.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// BridgeConfig controls media stream bridges.
type BridgeConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	FallbackMessage string        `yaml:"fallback_message"`
}

// CallsConfig controls call placement and termination.
type CallsConfig struct {
	HangupTimeout time.Duration `yaml:"hangup_timeout"`
	RingTimeout   int           `yaml:"ring_timeout"`
}

// Load reads the YAML file at path (skipped when path is empty), the .env
// file at envFile (skipped when missing) and the environment.
func Load(path, envFile string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes, applies environment overrides and defaults,
// and validates the result.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with non-empty environment variables.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&c.Server.Port, "PORT")
	set(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	set(&c.Server.LogLevel, "LOG_LEVEL")
	set(&c.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	set(&c.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	set(&c.Twilio.PhoneNumber, "TWILIO_PHONE_NUMBER")
	set(&c.ElevenLabs.AgentID, "ELEVENLABS_AGENT_ID")
	set(&c.ElevenLabs.APIKey, "ELEVENLABS_API_KEY")

	if v := getenv("TWILIO_VALIDATE_SIGNATURES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Twilio.ValidateSignatures = b
		}
	}
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")
	if c.Twilio.Voice == "" {
		c.Twilio.Voice = DefaultVoice
	}
	if c.ElevenLabs.BaseURL == "" {
		c.ElevenLabs.BaseURL = DefaultElevenLabsURL
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = DefaultSweepSchedule
	}
	if c.Bridge.IdleTimeout == 0 {
		c.Bridge.IdleTimeout = DefaultIdleTimeout
	}
	if c.Bridge.StartTimeout == 0 {
		c.Bridge.StartTimeout = DefaultStartTimeout
	}
	if c.Bridge.FallbackMessage == "" {
		c.Bridge.FallbackMessage = DefaultFallbackMessage
	}
	if c.Calls.HangupTimeout == 0 {
		c.Calls.HangupTimeout = DefaultHangupTimeout
	}
	if c.Calls.RingTimeout == 0 {
		c.Calls.RingTimeout = DefaultRingTimeout
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Sprintf("server.port %q is not a number", c.Server.Port))
	}
	if c.Server.PublicBaseURL != "" {
		u, err := url.Parse(c.Server.PublicBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("server.public_base_url %q must be an absolute http(s) URL", c.Server.PublicBaseURL))
		}
	}
	if c.Session.TTL < 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if c.Bridge.IdleTimeout < 0 {
		errs = append(errs, "bridge.idle_timeout must be positive")
	}
	if c.Calls.HangupTimeout < 0 {
		errs = append(errs, "calls.hangup_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireServe checks the settings only the serve command needs.
func (c *Config) RequireServe() error {
	if c.Server.PublicBaseURL == "" {
		return errors.New("config: server.public_base_url (or PUBLIC_BASE_URL) is required to receive Twilio callbacks")
	}
	return nil
}

// VoiceURL returns the TwiML callback URL for a session.
func (c *Config) VoiceURL(sessionID string) string {
	return c.Server.PublicBaseURL + "/twilio/voice/" + url.PathEscape(sessionID)
}

// StatusCallbackURL returns the Twilio status callback URL.
func (c *Config) StatusCallbackURL() string {
	return c.Server.PublicBaseURL + "/twilio/status"
}

// StreamURL returns the media stream WebSocket URL derived from the public
// base URL (http becomes ws, https becomes wss).
func (c *Config) StreamURL() string {
	base := c.Server.PublicBaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media-stream"
}
