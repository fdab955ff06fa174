// Package voicebridge builds the connection descriptor the media bridge uses
// to reach the conversational agent.
//
// The descriptor is an endpoint URL carrying the agent ID and a base64 JSON
// blob of call context, plus a header holding the API key. The key never
// appears in the URL, and String and LogValue redact it.
package voicebridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/teslashibe/go-callrelay/pkg/callerr"
	"github.com/teslashibe/go-callrelay/pkg/session"
)

// DefaultBaseURL is the ElevenLabs Conversational AI WebSocket endpoint.
const DefaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// APIKeyHeader carries the voice-AI API key.
const APIKeyHeader = "xi-api-key"

// Query parameter names.
const (
	ParamAgentID = "agent_id"
	ParamContext = "context"
)

// Context is the call context embedded in the endpoint.
type Context struct {
	SessionID string `json:"session_id"`
	CallSid   string `json:"call_sid,omitempty"`
	Script    string `json:"script"`
	Persona   string `json:"persona"`
	Context   string `json:"context"`
}

// Descriptor tells the bridge where and how to dial the agent.
type Descriptor struct {
	Endpoint string
	Header   http.Header
}

// String implements fmt.Stringer without the API key.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s [%s: %s]", d.Endpoint, APIKeyHeader, redact(d.Header.Get(APIKeyHeader)))
}

// LogValue implements slog.LogValuer without the API key.
func (d Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("endpoint", d.Endpoint),
		slog.String("api_key", redact(d.Header.Get(APIKeyHeader))),
	)
}

// Builder builds descriptors against a base URL.
type Builder struct {
	BaseURL string
}

// New returns a Builder for baseURL, or DefaultBaseURL when empty.
func New(baseURL string) *Builder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Builder{BaseURL: baseURL}
}

// Build returns the descriptor for one session. It is pure: the same inputs
// always yield the same descriptor.
func (b *Builder) Build(sessionID string, cc session.CallContext, callSid string, creds session.Credentials) (Descriptor, error) {
	if creds.AgentID == "" {
		return Descriptor{}, callerr.Configuration("voice-AI agent id is required")
	}
	if creds.APIKey == "" {
		return Descriptor{}, callerr.Configuration("voice-AI API key is required")
	}

	base, err := url.Parse(b.BaseURL)
	if err != nil {
		return Descriptor{}, callerr.Configuration("voice-AI base URL %q: %v", b.BaseURL, err)
	}

	blob, err := EncodeContext(Context{
		SessionID: sessionID,
		CallSid:   callSid,
		Script:    cc.Script,
		Persona:   cc.Persona,
		Context:   cc.Context,
	})
	if err != nil {
		return Descriptor{}, err
	}

	q := base.Query()
	q.Set(ParamAgentID, creds.AgentID)
	q.Set(ParamContext, blob)
	base.RawQuery = q.Encode()

	header := http.Header{}
	header.Set(APIKeyHeader, creds.APIKey)

	return Descriptor{Endpoint: base.String(), Header: header}, nil
}

// EncodeContext marshals c to URL-safe base64 JSON.
func EncodeContext(c Context) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("voicebridge: encode context: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeContext reverses EncodeContext.
func DecodeContext(blob string) (Context, error) {
	data, err := base64.URLEncoding.DecodeString(blob)
	if err != nil {
		return Context{}, fmt.Errorf("voicebridge: decode context: %w", err)
	}
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return Context{}, fmt.Errorf("voicebridge: decode context: %w", err)
	}
	return c, nil
}

// ContextFromEndpoint extracts the embedded context from a descriptor
// endpoint.
func ContextFromEndpoint(endpoint string) (Context, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Context{}, fmt.Errorf("voicebridge: parse endpoint: %w", err)
	}
	blob := u.Query().Get(ParamContext)
	if blob == "" {
		return Context{}, fmt.Errorf("voicebridge: endpoint has no %s parameter", ParamContext)
	}
	return DecodeContext(blob)
}

func redact(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
