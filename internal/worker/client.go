// Package worker is the thin HTTP client the Dispatcher uses to talk
// to a worker endpoint resolved by the Driver.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kandev/dispatch/internal/common/apperr"
)

const (
	prepareTimeout = 30 * time.Second
	cancelTimeout  = 5 * time.Second
	healthTimeout  = 3 * time.Second
)

// Client is a per-call stateless HTTP client; one instance is shared
// across all sessions and endpoints.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// PrepareRequest is the body of POST /prepare.
type PrepareRequest struct {
	TaskID        string   `json:"task_id"`
	Skills        []string `json:"skills"`
	BridgeConfigs []string `json:"bridge_configs"`
}

// Prepare configures the worker for a task. Failure is fatal to the
// task per §4.5 step 3.
func (c *Client) Prepare(ctx context.Context, baseURL string, req PrepareRequest) error {
	ctx, cancel := context.WithTimeout(ctx, prepareTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return apperr.Wrap(apperr.KindPrepareFailed, "encode prepare request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/prepare", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindPrepareFailed, "build prepare request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.KindPrepareFailed, "prepare request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.KindPrepareFailed, fmt.Sprintf("worker /prepare returned %d", resp.StatusCode))
	}
	return nil
}

// Cancel asks the worker to stop a running session. Best-effort per
// §4.3: callers are expected to log and swallow the returned error.
func (c *Client) Cancel(ctx context.Context, baseURL, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"session_id": sessionID})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/cancel", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker /cancel returned %d", resp.StatusCode)
	}
	return nil
}

// Health probes GET /health with a 3s bound.
func (c *Client) Health(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// WorkspaceGet proxies a read of a single workspace file.
func (c *Client) WorkspaceGet(ctx context.Context, baseURL, file string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/workspace_get?file="+file, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindWorkerUnavailable, "workspace_get failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.New(apperr.KindWorkerUnavailable, fmt.Sprintf("worker /workspace_get returned %d", resp.StatusCode))
	}

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WorkspacePut proxies a write of a single workspace file.
func (c *Client) WorkspacePut(ctx context.Context, baseURL, file string, content []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, baseURL+"/workspace_put?file="+file, bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindWorkerUnavailable, "workspace_put failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.KindWorkerUnavailable, fmt.Sprintf("worker /workspace_put returned %d", resp.StatusCode))
	}
	return nil
}
