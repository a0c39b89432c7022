// Package modelclient implements the HTTP client for the llama.cpp model server.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const userAgent = "testgen-client/2.0"

// ErrEmptyCode is returned when a generation request carries no source code.
var ErrEmptyCode = errors.New("java code must not be empty")

// RemoteError wraps the last failure after all retry attempts are exhausted.
type RemoteError struct {
	Attempts int
	Err      error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("model server failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// GenerateRequest is the payload sent to the model server's /generate endpoint.
type GenerateRequest struct {
	Prompt    string `json:"prompt"`
	ClassName string `json:"className,omitempty"`
	Model     string `json:"model,omitempty"`
}

// GenerateResponse is the model server's reply to a generation request.
type GenerateResponse struct {
	Response              string   `json:"response"`
	GenerationTimeSeconds float64  `json:"generation_time_seconds"`
	ModelUsed             string   `json:"model_used"`
	ModelRequested        string   `json:"model_requested"`
	AvailableModels       []string `json:"available_models"`
	CacheSize             int      `json:"cache_size"`
}

// Client talks to the model server with retry and linear backoff.
type Client struct {
	baseURL    string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
}

// New creates a Client for the model server at baseURL. Each request times
// out after timeout; failed requests are retried up to maxRetries times with
// a backoff of attempt x retryDelay between them.
func New(baseURL string, maxRetries int, retryDelay, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Generate asks the model server to generate tests. Transport errors and 5xx
// responses are retried; 4xx responses and empty generations fail immediately.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Prompt == "" {
		return nil, ErrEmptyCode
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err := c.tryGenerate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, errRetryable) {
			return nil, err
		}
		lastErr = err

		if attempt < c.maxRetries {
			delay := time.Duration(attempt) * c.retryDelay
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", delay).
				Err(err).
				Msg("model server call failed, retrying")
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, &RemoteError{Attempts: c.maxRetries, Err: lastErr}
}

// errRetryable marks failures worth another attempt (transport errors, 5xx).
var errRetryable = errors.New("retryable")

func (c *Client) tryGenerate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	status, body, err := c.roundTrip(ctx, http.MethodPost, "/generate", req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errRetryable, err)
	}

	switch {
	case status >= 500:
		return nil, fmt.Errorf("%w: model server returned %d: %s", errRetryable, status, remoteMessage(body))
	case status >= 400:
		return nil, fmt.Errorf("model server rejected request (%d): %s", status, remoteMessage(body))
	}

	var resp GenerateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing model server response: %w", err)
	}
	if resp.Response == "" {
		return nil, fmt.Errorf("model server returned an empty generation")
	}
	return &resp, nil
}

// Health fetches the model server's health report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	return c.getJSON(ctx, "/health")
}

// SystemStatus fetches the model server's system status report.
func (c *Client) SystemStatus(ctx context.Context) (map[string]any, error) {
	return c.getJSON(ctx, "/system-status")
}

// ModelsStatus fetches per-model load status.
func (c *Client) ModelsStatus(ctx context.Context) (map[string]any, error) {
	return c.getJSON(ctx, "/models/status")
}

// ClearCache asks the model server to clear its own cache.
func (c *Client) ClearCache(ctx context.Context) (map[string]any, error) {
	return c.postJSON(ctx, "/clear-cache")
}

// InitializeModel asks the model server to (re)load its models.
func (c *Client) InitializeModel(ctx context.Context) (map[string]any, error) {
	return c.postJSON(ctx, "/initialize-model")
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]any, error) {
	return c.passthrough(ctx, http.MethodGet, path)
}

func (c *Client) postJSON(ctx context.Context, path string) (map[string]any, error) {
	return c.passthrough(ctx, http.MethodPost, path)
}

func (c *Client) passthrough(ctx context.Context, method, path string) (map[string]any, error) {
	status, body, err := c.roundTrip(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("model server returned %d: %s", status, remoteMessage(body))
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing model server response: %w", err)
	}
	return result, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, reqBody any) (int, []byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return 0, nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// remoteMessage extracts the {error} message from a failure body, falling
// back to the raw body.
func remoteMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
