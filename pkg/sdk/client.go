// Package sdk is the Go client for the council API. It submits queries,
// polls or streams their lifecycle and fetches deliberation transcripts.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "http://localhost:8080",
//	    APIKey:  os.Getenv("COUNCIL_API_KEY"),
//	})
//
//	result, err := client.Ask(ctx, "Should we shard the orders table?")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.ConsensusDecision.Content)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the council API endpoint (required).
	// Example: "http://localhost:8080".
	BaseURL string

	// APIKey authenticates with the ApiKey scheme.
	APIKey string

	// BearerToken authenticates with a JWT. Takes precedence over APIKey.
	BearerToken string

	// Timeout bounds non-streaming calls (default 60s). Streams are bounded
	// by their context instead.
	Timeout time.Duration

	// PollInterval paces Await (default 500ms).
	PollInterval time.Duration
}

// Client talks to one council deployment. Safe for concurrent use.
type Client struct {
	config    Config
	http      *http.Client
	streaming *http.Client
}

// NewClient builds a client around the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		// No client timeout: an open stream lives until its context ends.
		streaming: &http.Client{},
	}
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*http.Request)

// WithIdempotencyKey deduplicates repeated submissions server-side. A
// duplicate returns the original request's state with FromCache set.
func WithIdempotencyKey(key string) SubmitOption {
	return func(r *http.Request) { r.Header.Set("Idempotency-Key", key) }
}

// Submit posts a query for asynchronous processing. A fresh submission
// comes back processing; an idempotent replay of a settled one comes back
// terminal with FromCache set.
func (c *Client) Submit(ctx context.Context, req SubmitRequest, opts ...SubmitOption) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("council-sdk: marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/requests", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(httpReq)
	}

	var result Result
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Get fetches the current state of a request.
func (c *Client) Get(ctx context.Context, requestID string) (*Result, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/v1/requests/"+requestID, nil)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Await polls until the request settles or the context ends.
func (c *Client) Await(ctx context.Context, requestID string) (*Result, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		result, err := c.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if result.Terminal() {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ask submits a query and waits for its consensus decision.
func (c *Client) Ask(ctx context.Context, query string, opts ...SubmitOption) (*Result, error) {
	accepted, err := c.Submit(ctx, SubmitRequest{Query: query}, opts...)
	if err != nil {
		return nil, err
	}
	if accepted.Terminal() {
		return accepted, nil
	}
	return c.Await(ctx, accepted.RequestID)
}

// Deliberation fetches the retained round-by-round transcript.
func (c *Client) Deliberation(ctx context.Context, requestID string) (*DeliberationThread, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/v1/requests/"+requestID+"/deliberation", nil)
	if err != nil {
		return nil, err
	}
	var thread DeliberationThread
	if err := c.do(httpReq, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// Presets lists the selectable council adjustments.
func (c *Client) Presets(ctx context.Context) ([]Preset, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/v1/presets", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Presets []Preset `json:"presets"`
	}
	if err := c.do(httpReq, &payload); err != nil {
		return nil, err
	}
	return payload.Presets, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("council-sdk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.config.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	case c.config.APIKey != "":
		req.Header.Set("Authorization", "ApiKey "+c.config.APIKey)
	}
	return req, nil
}

// do runs the request and decodes a 2xx body into out. Non-2xx responses
// decode into *APIError.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("council-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("council-sdk: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("council-sdk: parse response: %w", err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var env struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return &APIError{
			Code:       "UNKNOWN",
			Message:    fmt.Sprintf("unexpected response: %s", body),
			HTTPStatus: status,
		}
	}
	env.Error.HTTPStatus = status
	return env.Error
}
