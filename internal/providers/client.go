// Package providers talks to the upstream generation providers through a
// single HTTP gateway.
package providers

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
)

// Normalized upstream states.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ErrUpstreamNotFound is returned by Poll when the provider no longer knows
// the task (expired or evicted).
var ErrUpstreamNotFound = errors.New("upstream job not found")

// UpstreamError is a non-2xx response from a provider.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Update is one observation of an upstream task.
type Update struct {
	Status   string          `json:"status"`
	Progress *int            `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether the update ends the job.
func (u *Update) Terminal() bool {
	return u.Status == StatusDone || u.Status == StatusFailed
}

// Client submits generation tasks and polls their state.
type Client interface {
	Submit(ctx context.Context, provider, actionCode string, params json.RawMessage) (upstreamID string, err error)
	Poll(ctx context.Context, provider, upstreamID string) (*Update, error)
}

var statusMap = map[string]string{
	"PENDING":     StatusPending,
	"QUEUED":      StatusPending,
	"IN_PROGRESS": StatusRunning,
	"RUNNING":     StatusRunning,
	"PROCESSING":  StatusRunning,
	"SUCCEEDED":   StatusDone,
	"COMPLETED":   StatusDone,
	"FINISHED":    StatusDone,
	"SUCCESS":     StatusDone,
	"DONE":        StatusDone,
	"FAILED":      StatusFailed,
	"CANCELED":    StatusFailed,
	"CANCELLED":   StatusFailed,
	"TIMEOUT":     StatusFailed,
	"EXPIRED":     StatusFailed,
}

// NormalizeStatus maps a provider status string to pending, running, done or
// failed. Unknown values count as running so the job keeps being polled.
func NormalizeStatus(raw string) string {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusRunning
}

// HTTPClient is the gateway client. Tasks live at
// {BaseURL}/v1/{provider}/tasks[/{id}].
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

var _ Client = (*HTTPClient)(nil)

type submitRequest struct {
	ActionCode string          `json:"action_code"`
	Params     json.RawMessage `json:"params"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

func (c *HTTPClient) Submit(ctx context.Context, provider, actionCode string, params json.RawMessage) (string, error) {
	body, err := json.Marshal(submitRequest{ActionCode: actionCode, Params: params})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, provider, c.BaseURL+"/v1/"+provider+"/tasks", body, &out); err != nil {
		return "", err
	}
	// Meshy-style APIs answer {"result": "<task id>"}.
	id := out.ID
	if id == "" {
		id = out.Result
	}
	if id == "" {
		return "", fmt.Errorf("%s: submit response carried no task id", provider)
	}
	return id, nil
}

type pollResponse struct {
	Status    string          `json:"status"`
	Progress  *int            `json:"progress"`
	Result    json.RawMessage `json:"result"`
	ModelURLs json.RawMessage `json:"model_urls"`
	Error     string          `json:"error"`
	TaskError *struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

func (c *HTTPClient) Poll(ctx context.Context, provider, upstreamID string) (*Update, error) {
	var out pollResponse
	if err := c.do(ctx, http.MethodGet, provider, c.BaseURL+"/v1/"+provider+"/tasks/"+upstreamID, nil, &out); err != nil {
		return nil, err
	}
	u := &Update{Status: NormalizeStatus(out.Status), Progress: out.Progress, Result: out.Result, Error: out.Error}
	if len(u.Result) == 0 && len(out.ModelURLs) > 0 {
		u.Result = json.RawMessage(`{"model_urls":` + string(out.ModelURLs) + `}`)
	}
	if u.Error == "" && out.TaskError != nil {
		u.Error = out.TaskError.Message
	}
	if u.Status == StatusFailed && u.Error == "" {
		u.Error = "upstream reported " + strings.ToLower(out.Status)
	}
	return u, nil
}

func (c *HTTPClient) do(ctx context.Context, method, provider, url string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return ErrUpstreamNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamError{Provider: provider, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s returned invalid JSON: %w", provider, err)
	}
	return nil
}
