package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/teslashibe/go-callrelay/internal/httpc"
)

// relayClient talks to a running callrelay server.
type relayClient struct {
	baseURL    string
	httpClient *http.Client
}

func newRelayClient(baseURL string) *relayClient {
	return &relayClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpc.Client,
	}
}

// apiError is the server's JSON error body.
type apiError struct {
	Message      string `json:"error"`
	Code         string `json:"code"`
	ProviderCode int    `json:"providerCode"`
	Status       int    `json:"-"`
}

func (e *apiError) Error() string {
	if e.ProviderCode != 0 {
		return fmt.Sprintf("%s (%s %d, HTTP %d)", e.Message, e.Code, e.ProviderCode, e.Status)
	}
	return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
}

func (c *relayClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		e := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(e); err != nil || e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return e
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
