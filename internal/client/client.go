package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/printgate/printgate/internal/dispatch"
	"github.com/printgate/printgate/internal/rest"
)

// Client talks to a printgate server
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// New creates a new client
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Print submits a job. Failed jobs that still produced a result return both
// the result and an *APIError.
func (c *Client) Print(ctx context.Context, req rest.PrintRequest) (*dispatch.Result, error) {
	var res dispatch.Result
	err := c.doRequest(ctx, http.MethodPost, "/print", req, &res)
	if err != nil && res.JobID == "" {
		return nil, err
	}
	return &res, err
}

// Status returns the full status view. The server answers with the reduced
// view unless the key is valid or the caller is trusted.
func (c *Client) Status(ctx context.Context) (*rest.StatusResponse, error) {
	var resp rest.StatusResponse
	if err := c.doRequest(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Queue lists jobs awaiting retry
func (c *Client) Queue(ctx context.Context) (*rest.QueueResponse, error) {
	var resp rest.QueueResponse
	if err := c.doRequest(ctx, http.MethodGet, "/queue", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EmergencyClear drops all queued work
func (c *Client) EmergencyClear(ctx context.Context) (*dispatch.ClearReport, error) {
	var resp dispatch.ClearReport
	if err := c.doRequest(ctx, http.MethodPost, "/emergency-clear", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerRecovery runs the recovery ladder once
func (c *Client) TriggerRecovery(ctx context.Context) (*rest.RecoveryTriggerResponse, error) {
	var resp rest.RecoveryTriggerResponse
	if err := c.doRequest(ctx, http.MethodPost, "/recovery/trigger", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecoveryStatus returns device and recovery state
func (c *Client) RecoveryStatus(ctx context.Context) (*rest.RecoveryStatusResponse, error) {
	var resp rest.RecoveryStatusResponse
	if err := c.doRequest(ctx, http.MethodGet, "/recovery/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dropped lists jobs abandoned after too many attempts
func (c *Client) Dropped(ctx context.Context, limit int) (*rest.ReceiptsResponse, error) {
	var resp rest.ReceiptsResponse
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/dropped?limit=%d", limit), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doRequest performs an HTTP request. On a non-2xx status the body is still
// decoded into result when it is JSON.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(rest.APIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if result != nil {
			_ = json.Unmarshal(respBody, result)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
