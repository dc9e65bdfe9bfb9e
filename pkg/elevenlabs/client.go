// Package elevenlabs provides the REST client and WebSocket frame types for
// the ElevenLabs Agents platform.
package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/teslashibe/callbridge/internal/httpc"
)

const defaultBaseURL = "https://api.elevenlabs.io/v1"

// Client handles REST API calls to ElevenLabs.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new ElevenLabs REST client.
func NewClient(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: httpc.Client,
	}, nil
}

// SetBaseURL overrides the API endpoint. Used in tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// signedURLResponse accepts both key spellings the provider has used.
type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
	URL       string `json:"url"`
}

// SignedURL exchanges the agent ID for a short-lived pre-authenticated
// WebSocket URL. It does not retry; the caller owns the retry policy.
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", ErrMissingAgentID
	}

	u := fmt.Sprintf("%s/convai/conversation/get-signed-url?agent_id=%s",
		c.baseURL, url.QueryEscape(agentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: signed URL request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", NewAPIError(resp.StatusCode, string(body))
	}

	var result signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("elevenlabs: decode signed URL response: %w", err)
	}

	if result.SignedURL != "" {
		return result.SignedURL, nil
	}
	if result.URL != "" {
		return result.URL, nil
	}
	return "", ErrNoSignedURL
}
