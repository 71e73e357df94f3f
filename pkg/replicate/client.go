// Package replicate is a small client for the Replicate predictions API.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the public Replicate API endpoint.
const DefaultBaseURL = "https://api.replicate.com/v1"

// Prediction statuses.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Prediction is the subset of the prediction object the service reads.
type Prediction struct {
	ID          string            `json:"id"`
	Model       string            `json:"model,omitempty"`
	Status      string            `json:"status"`
	Input       map[string]any    `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Logs        string            `json:"logs,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty"`
	StartedAt   string            `json:"started_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
}

// Done reports whether the prediction reached a terminal status.
func (p *Prediction) Done() bool {
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ErrorMessage returns the prediction's error as text, or "" if none.
func (p *Prediction) ErrorMessage() string {
	raw := bytes.TrimSpace(p.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("replicate API error (status %d): %s", e.StatusCode, e.Body)
}

// Client talks to the Replicate HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      *RetryPolicy
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another endpoint, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// New creates a client authenticating with token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create starts a prediction on an official model ("owner/name").
func (c *Client) Create(ctx context.Context, model string, input map[string]any) (*Prediction, error) {
	owner, name, ok := strings.Cut(model, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("invalid model %q: want owner/name", model)
	}
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	var p Prediction
	path := fmt.Sprintf("/models/%s/%s/predictions", owner, name)
	if err := c.do(ctx, http.MethodPost, path, body, &p); err != nil {
		return nil, fmt.Errorf("create prediction: %w", err)
	}
	return &p, nil
}

// Get fetches the current state of a prediction.
func (c *Client) Get(ctx context.Context, id string) (*Prediction, error) {
	var p Prediction
	if err := c.do(ctx, http.MethodGet, "/predictions/"+id, nil, &p); err != nil {
		return nil, fmt.Errorf("get prediction %s: %w", id, err)
	}
	return &p, nil
}

// Cancel asks Replicate to stop a prediction. The prediction may still
// complete if it was already finishing.
func (c *Client) Cancel(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/predictions/"+id+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel prediction %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	return c.retry.Execute(ctx, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		return nil
	})
}
