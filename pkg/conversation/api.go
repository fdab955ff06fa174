package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/teslashibe/go-callrelay/internal/httpc"
)

const elevenLabsAPIBaseURL = "https://api.elevenlabs.io/v1"

// ErrAgentNotFound indicates the agent ID does not exist on the account.
var ErrAgentNotFound = errors.New("conversation: agent not found")

// Agent is the subset of an agent definition the relay reports on.
type Agent struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// APIClient handles REST calls to ElevenLabs. It is used to check
// credentials before placing calls.
type APIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a REST client. An empty baseURL uses the public API.
func NewAPIClient(apiKey, baseURL string) *APIClient {
	if baseURL == "" {
		baseURL = elevenLabsAPIBaseURL
	}
	return &APIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpc.Client,
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *APIClient) WithHTTPClient(hc *http.Client) *APIClient {
	c.httpClient = hc
	return c
}

// GetAgent retrieves an agent by ID.
func (c *APIClient) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if agentID == "" {
		return nil, ErrMissingAgentID
	}

	var agent Agent
	if err := c.get(ctx, "/convai/agents/"+url.PathEscape(agentID), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewConnectionError("request failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAgentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewAPIError(resp.StatusCode, "", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
