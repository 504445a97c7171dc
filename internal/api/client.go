// Package api is the HTTP side of the Dara client: derived-variable
// resolution, task results and cancellation, application metadata, and the
// streaming route-data fetch. All requests ride the auth transport, which
// shares a single token refresh across concurrent 401s.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/dara-platform/dara-go/internal/auth"
	"github.com/dara-platform/dara-go/internal/normalize"
)

// Client talks to a Dara server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	// retry wraps the same transport for idempotent GETs, which are safe
	// to replay on transient failures.
	retry *retryablehttp.Client
}

// New creates a client rooted at baseURL (scheme + host, no trailing slash).
func New(baseURL string, tokens *auth.TokenStore) *Client {
	httpClient := auth.Client(tokens, baseURL+"/api/auth/refresh-token", nil)

	retry := retryablehttp.NewClient()
	retry.HTTPClient = httpClient
	retry.RetryMax = 3
	retry.RetryWaitMin = 100 * time.Millisecond
	retry.RetryWaitMax = time.Second
	retry.Logger = nil
	// Hand the final response back even when retries are exhausted, so
	// status errors surface as LoaderError rather than a transport error.
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{baseURL: baseURL, http: httpClient, retry: retry}
}

// ── Metadata endpoints ──────────────────────────────────────────────────────

// Config fetches the application configuration.
func (c *Client) Config(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/core/config")
}

// Actions fetches the registered action definitions.
func (c *Client) Actions(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/core/actions")
}

// Components fetches the registered component definitions.
func (c *Client) Components(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/core/components")
}

// Template fetches a page template by name.
func (c *Client) Template(ctx context.Context, name string) (json.RawMessage, error) {
	return c.get(ctx, "/api/core/template/"+url.PathEscape(name))
}

// ── Derived variables and tasks ─────────────────────────────────────────────

// DerivedResult is the outcome of a derived-variable resolution: either an
// immediate value or a handle to a backend task computing it.
type DerivedResult struct {
	Value  json.RawMessage `json:"value,omitempty"`
	TaskID string          `json:"task_id,omitempty"`
	Cached bool            `json:"cached,omitempty"`
}

// IsTask reports whether the computation continues as a backend task.
func (r DerivedResult) IsTask() bool { return r.TaskID != "" }

// derivedRequest is the normalized payload envelope for a resolution call.
type derivedRequest struct {
	Data   any            `json:"data"`
	Lookup map[string]any `json:"lookup"`
	Force  bool           `json:"force,omitempty"`
}

// ResolveDerivedVariable asks the server to compute a derived variable from
// the normalized values of its inputs.
func (c *Client) ResolveDerivedVariable(ctx context.Context, uid string, values normalize.Payload, force bool) (DerivedResult, error) {
	var result DerivedResult
	body := derivedRequest{Data: values.Data, Lookup: values.Lookup, Force: force}
	if err := c.post(ctx, "/api/core/derived-variable/"+url.PathEscape(uid), body, &result); err != nil {
		return DerivedResult{}, err
	}
	return result, nil
}

// TaskResult fetches the stored result of a completed task.
func (c *Client) TaskResult(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.get(ctx, "/api/core/tasks/"+url.PathEscape(taskID))
}

// CancelTask decrements the server-side subscriber count for the task; the
// server cancels the computation once no subscribers remain.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/core/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	return nil
}

// ── Transport helpers ───────────────────────────────────────────────────────

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}
