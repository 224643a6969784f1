package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the settlement API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // arbiter API key, e.g. "sk_..."
}

// Client is a pure HTTP client for the arbiter-facing API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Me returns the identity behind the configured key.
func (c *Client) Me(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/auth/me", nil, nil)
}

// VerifyArbiter checks that the configured key belongs to an arbiter and
// returns its user id.
func (c *Client) VerifyArbiter(ctx context.Context) (string, error) {
	raw, err := c.Me(ctx)
	if err != nil {
		return "", err
	}
	var me struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(raw, &me); err != nil {
		return "", fmt.Errorf("decode /v1/auth/me: %w", err)
	}
	if me.Role != "arbiter" {
		return "", fmt.Errorf("key for %s has role %q; the arbiter console needs an arbiter key", me.UserID, me.Role)
	}
	return me.UserID, nil
}

// GetEscrow fetches one escrow by id.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID), nil, nil)
}

// GetJobEscrow fetches the escrow for a job.
func (c *Client) GetJobEscrow(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/escrow", nil, nil)
}

// ListEffects returns the ledger and notification side effects of an escrow.
func (c *Client) ListEffects(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(escrowID)+"/effects", nil, nil)
}

// ListDisputes returns open disputes, oldest first.
func (c *Client) ListDisputes(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/arbiter/disputes", q, nil)
}

// Arbitrate rules on a disputed escrow. refundAmount is only sent for the
// partial outcome.
func (c *Client) Arbitrate(ctx context.Context, escrowID, outcome string, refundAmount int64, note string) (json.RawMessage, error) {
	body := map[string]any{"outcome": outcome}
	if outcome == "partial" {
		body["refundAmount"] = refundAmount
	}
	if note != "" {
		body["note"] = note
	}
	path := "/v1/arbiter/escrows/" + url.PathEscape(escrowID) + "/arbitrate"
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}
