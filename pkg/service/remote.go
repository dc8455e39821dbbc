package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

const (
	// retryAttempts bounds retries on idempotent remote operations.
	retryAttempts = 3

	// retryBaseDelay is the first backoff step; each retry doubles it.
	retryBaseDelay = 100 * time.Millisecond
)

// remote forwards every operation to a sandkasten server. Connect and
// CallTool are sent exactly once; health and release are idempotent on
// the server and retried with bounded backoff on transport failures.
type remote struct {
	baseURL string
	token   string
	client  *http.Client
}

func newRemote(cfg Config) *remote {
	return &remote{
		baseURL: cfg.BaseURL,
		token:   cfg.BearerToken,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Start verifies the server accepts this client before any sandbox
// traffic flows. A healthy=false answer is still a successful start;
// only unreachability or rejected credentials fail.
func (r *remote) Start(ctx context.Context) error {
	resp, err := r.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("reaching sandkasten server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return api.NewAuthError("server rejected the configured bearer token")
	}
	return nil
}

func (r *remote) Stop(context.Context) error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *remote) Healthy(ctx context.Context) bool {
	var hr api.HealthResponse
	err := r.withRetry(ctx, func() error {
		return r.doJSON(ctx, http.MethodGet, "/health", nil, &hr)
	})
	return err == nil && hr.Healthy
}

func (r *remote) Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	var cr api.ConnectResponse
	if err := r.doJSON(ctx, http.MethodPost, "/sandboxes", req, &cr); err != nil {
		return nil, err
	}
	return &cr, nil
}

func (r *remote) CallTool(ctx context.Context, sandboxID, name string, args json.RawMessage) (*api.ToolResult, error) {
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/tools/" + url.PathEscape(name)
	var result api.ToolResult
	if err := r.doJSON(ctx, http.MethodPost, path, api.CallToolRequest{Args: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *remote) ReleaseSandbox(ctx context.Context, sandboxID string) (bool, error) {
	var rr api.ReleaseResponse
	err := r.withRetry(ctx, func() error {
		return r.doJSON(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(sandboxID), nil, &rr)
	})
	if err != nil {
		return false, err
	}
	return rr.Released, nil
}

func (r *remote) Release(ctx context.Context, sessionID, userID, typeID string) (bool, error) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("user_id", userID)
	if typeID != "" {
		q.Set("type", typeID)
	}

	var rr api.ReleaseResponse
	err := r.withRetry(ctx, func() error {
		return r.doJSON(ctx, http.MethodDelete, "/sandboxes?"+q.Encode(), nil, &rr)
	})
	if err != nil {
		return false, err
	}
	return rr.Released, nil
}

func (r *remote) Types(ctx context.Context) ([]api.SandboxType, error) {
	var types []api.SandboxType
	if err := r.doJSON(ctx, http.MethodGet, "/types", nil, &types); err != nil {
		return nil, err
	}
	return types, nil
}

// withRetry runs fn up to retryAttempts times with doubling backoff.
// Taxonomy errors come from the server and are final; only transport
// failures are retried.
func (r *remote) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		if _, isAPIErr := err.(*api.Error); isAPIErr {
			return err
		}
	}
	return err
}

// doJSON performs one request and decodes either the success body into
// out or the error envelope into a taxonomy error.
func (r *remote) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := r.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeErrorResponse(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (r *remote) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	return r.client.Do(req)
}

// decodeErrorResponse turns a non-2xx body into the taxonomy error the
// server reported, so remote callers observe the same error kinds as
// embedded ones. Bodies that are not the protocol envelope become
// server_error.
func decodeErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil && er.Error.Kind != "" {
		return er.Error
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return api.NewAuthError("request rejected by server")
	}
	return api.NewServerError("server returned status %d", resp.StatusCode)
}
