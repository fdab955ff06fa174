package conversation

import (
	"log/slog"
	"net/http"
	"time"
)

// Audio formats understood by the agent service.
const (
	FormatULaw8000 = "ulaw_8000"
	FormatPCM16000 = "pcm_16000"
)

// Config holds configuration for conversation providers.
type Config struct {
	// APIKey is the authentication key for the provider. It is sent as a
	// header and never placed in the URL.
	APIKey string

	// AgentID is the agent identifier. Ignored when Endpoint is set.
	AgentID string

	// BaseURL overrides the default WebSocket endpoint.
	BaseURL string

	// Endpoint is a complete WebSocket URL, agent ID included. It takes
	// precedence over BaseURL and AgentID.
	Endpoint string

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// DynamicVariables fill {{placeholders}} in the agent's prompt.
	DynamicVariables map[string]string

	// PromptOverride replaces the agent's configured system prompt.
	PromptOverride string

	// FirstMessage replaces the agent's opening line.
	FirstMessage string

	// Language overrides the conversation language, e.g. "en".
	Language string

	// InputFormat and OutputFormat are assumed until the service reports
	// its own formats in the initiation metadata.
	InputFormat  string
	OutputFormat string

	// Timeout bounds the WebSocket handshake.
	Timeout time.Duration

	// ReadTimeout is the idle limit between agent messages.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write.
	WriteTimeout time.Duration

	// EventBuffer is the capacity of the event channel.
	EventBuffer int

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		InputFormat:  FormatPCM16000,
		OutputFormat: FormatPCM16000,
		Timeout:      10 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		EventBuffer:  256,
		Logger:       slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" && (c.Header == nil || c.Header.Get(apiKeyHeader) == "") {
		return ErrMissingAPIKey
	}
	if c.AgentID == "" && c.Endpoint == "" {
		return ErrMissingAgentID
	}
	return nil
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithAgentID sets the agent ID.
func WithAgentID(id string) Option {
	return func(c *Config) {
		c.AgentID = id
	}
}

// WithBaseURL sets the WebSocket base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithEndpoint dials endpoint with header, as produced by a prebuilt
// connection descriptor.
func WithEndpoint(endpoint string, header http.Header) Option {
	return func(c *Config) {
		c.Endpoint = endpoint
		c.Header = header.Clone()
	}
}

// WithDynamicVariables sets the prompt variables sent at session start.
func WithDynamicVariables(vars map[string]string) Option {
	return func(c *Config) {
		c.DynamicVariables = vars
	}
}

// WithPromptOverride replaces the agent's system prompt for this session.
func WithPromptOverride(prompt string) Option {
	return func(c *Config) {
		c.PromptOverride = prompt
	}
}

// WithFirstMessage sets the first message the agent will say.
// If empty, the agent's configured greeting is used.
func WithFirstMessage(msg string) Option {
	return func(c *Config) {
		c.FirstMessage = msg
	}
}

// WithLanguage overrides the conversation language.
func WithLanguage(lang string) Option {
	return func(c *Config) {
		c.Language = lang
	}
}

// WithAudioFormats sets the formats assumed before metadata arrives.
func WithAudioFormats(input, output string) Option {
	return func(c *Config) {
		c.InputFormat = input
		c.OutputFormat = output
	}
}

// WithTimeout sets the handshake timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithReadTimeout sets the idle limit between agent messages.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadTimeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
