package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/debug"
)

// Client calls a sandbox control server over HTTP. Requests carry the
// shared control-channel secret as a bearer token.
type Client struct {
	httpClient *http.Client
	token      string
}

// NewClient creates a control client. The overall HTTP timeout is
// generous; per-call deadlines come from the request context.
func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		token:      token,
	}
}

// Call invokes POST {baseURL}/tools/{name} and maps the reply into the
// orchestrator's uniform result and error taxonomy.
func (c *Client) Call(ctx context.Context, baseURL, name string, args json.RawMessage, timeout time.Duration) (*api.ToolResult, error) {
	body, err := json.Marshal(CallRequest{
		Args:           args,
		TimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		return nil, api.NewToolExecutionError("marshal control request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tools/"+name, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewToolExecutionError("create control request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if debug.TraceIsEnabled("sandbox") {
		debug.Raw("sandbox", fmt.Sprintf("POST %s/tools/%s\n%s", baseURL, name, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, api.NewTimeoutError("tool %q timed out against %s", name, baseURL)
		}
		return nil, api.NewToolExecutionError("control request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, api.NewToolExecutionError("read control response: %v", err)
	}

	var cr CallResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &cr); err != nil {
			return nil, api.NewToolExecutionError("sandbox returned HTTP %d with unreadable body: %s", resp.StatusCode, truncate(respBody))
		}
	}

	if cr.Error != nil {
		return nil, controlError(cr.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, api.NewToolExecutionError("sandbox returned HTTP %d: %s", resp.StatusCode, truncate(respBody))
	}

	result := &api.ToolResult{Output: cr.Output}
	if len(cr.Files) > 0 {
		result.Files = make(map[string][]byte, len(cr.Files))
		for p, b64 := range cr.Files {
			data, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, api.NewToolExecutionError("file %q in response is not base64: %v", p, err)
			}
			result.Files[p] = data
		}
	}
	return result, nil
}

// Healthy probes GET {baseURL}/healthz. Any failure reads as false.
func (c *Client) Healthy(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// controlError lifts the control server's error shape back into the
// orchestrator taxonomy, defaulting unknown kinds to execution errors.
func controlError(ce *CallError) *api.Error {
	switch api.ErrorKind(ce.Kind) {
	case api.ErrorKindToolNotFound, api.ErrorKindValidation,
		api.ErrorKindTimeout, api.ErrorKindToolExecution:
		return &api.Error{Kind: api.ErrorKind(ce.Kind), Message: ce.Message}
	default:
		return api.NewToolExecutionError("%s", ce.Message)
	}
}

func truncate(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:max], len(b))
}
