// Package cloud provides the cloud-API-backed sandbox variant. No local
// process is started: provisioning obtains a session handle from a
// cloud HTTP API authenticated by API key, tool calls map onto session
// API calls, and release deletes the session.
//
// Teardown is explicit and exactly-once: the variant tracks release
// state itself rather than relying on finalizers, so the session
// deletion API is called once no matter how the handle is discarded.
package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox"
)

// Options configures the cloud variant for one sandbox type. The
// profile (image) id comes from the type metadata at creation time.
type Options struct {
	// BaseURL is the provisioning API root, e.g. "https://api.boxes.example".
	BaseURL string

	// APIKey authenticates provisioning and session calls.
	APIKey string

	// Tools is the descriptor set this type dispatches.
	Tools []api.ToolDescriptor

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Factory returns a sandbox.Factory producing cloud-backed instances.
func Factory(opts Options) sandbox.Factory {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return func() sandbox.Sandbox {
		return &Sandbox{opts: opts}
	}
}

// Sandbox is one cloud session from Create until Release.
type Sandbox struct {
	opts Options

	sessionID string
	timeout   time.Duration
	released  atomic.Bool
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// createRequest is the provisioning API body.
type createRequest struct {
	ProfileID string            `json:"profile_id"`
	Env       map[string]string `json:"env,omitempty"`
}

// createResponse carries the session handle back.
type createResponse struct {
	SessionID string `json:"session_id"`
}

// callResponse is the session tool-call reply.
type callResponse struct {
	Output json.RawMessage   `json:"output,omitempty"`
	Files  map[string]string `json:"files,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Create provisions a cloud session for the type's profile.
func (s *Sandbox) Create(ctx context.Context, cfg sandbox.Config) error {
	s.timeout = cfg.Type.DefaultTimeout

	body, err := json.Marshal(createRequest{
		ProfileID: cfg.Type.Image,
		Env:       sandbox.MergeEnv(cfg.Type.Env, cfg.Env),
	})
	if err != nil {
		return api.NewProvisionError("marshal session request: %v", err)
	}

	status, respBody, err := s.do(ctx, http.MethodPost, "/v1/sessions", body)
	if err != nil {
		if isTimeout(ctx, err) {
			return api.NewTimeoutError("provisioning session for profile %q timed out", cfg.Type.Image)
		}
		return api.NewProvisionError("session API unreachable: %v", err)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return api.NewProvisionError("cloud quota exceeded for profile %q", cfg.Type.Image)
	case status != http.StatusOK && status != http.StatusCreated:
		return api.NewProvisionError("session API returned HTTP %d: %s", status, respBody)
	}

	var cr createResponse
	if err := json.Unmarshal(respBody, &cr); err != nil || cr.SessionID == "" {
		return api.NewProvisionError("session API returned no session id")
	}
	s.sessionID = cr.SessionID

	slog.Debug("cloud sandbox created",
		"sandbox_id", cfg.SandboxID,
		"profile", cfg.Type.Image,
		"session_id", cr.SessionID,
	)
	return nil
}

// CallTool maps the tool name onto a session API call.
func (s *Sandbox) CallTool(ctx context.Context, name string, args json.RawMessage) (*api.ToolResult, error) {
	if s.released.Load() {
		return nil, api.NewReleasedError(s.sessionID)
	}

	body, err := json.Marshal(map[string]json.RawMessage{"args": normalize(args)})
	if err != nil {
		return nil, api.NewToolExecutionError("marshal tool call: %v", err)
	}

	status, respBody, err := s.do(ctx, http.MethodPost, "/v1/sessions/"+s.sessionID+"/tools/"+name, body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, api.NewTimeoutError("tool %q timed out on session %s", name, s.sessionID)
		}
		return nil, api.NewToolExecutionError("session API unreachable: %v", err)
	}

	var cr callResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &cr); err != nil {
			return nil, api.NewToolExecutionError("session API returned HTTP %d with unreadable body", status)
		}
	}

	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, api.NewToolNotFoundError(name, "cloud")
	case http.StatusBadRequest:
		return nil, api.NewValidationError("session API rejected arguments: %s", cr.Error)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return nil, api.NewTimeoutError("tool %q timed out on session %s", name, s.sessionID)
	default:
		return nil, api.NewToolExecutionError("session API returned HTTP %d: %s", status, cr.Error)
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

// Health probes the session status endpoint.
func (s *Sandbox) Health(ctx context.Context) bool {
	if s.released.Load() || s.sessionID == "" {
		return false
	}
	status, _, err := s.do(ctx, http.MethodGet, "/v1/sessions/"+s.sessionID, nil)
	return err == nil && status == http.StatusOK
}

// Release deletes the cloud session exactly once. Failures are logged,
// never propagated.
func (s *Sandbox) Release(ctx context.Context) {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if s.sessionID == "" {
		return
	}

	// Fresh context: release often runs on cancellation paths.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, body, err := s.do(ctx, http.MethodDelete, "/v1/sessions/"+s.sessionID, nil)
	if err != nil {
		slog.Warn("failed to delete cloud session", "session_id", s.sessionID, "error", err.Error())
		return
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		slog.Warn("cloud session deletion returned error",
			"session_id", s.sessionID, "status", status, "body", string(body))
		return
	}
	slog.Debug("cloud session deleted", "session_id", s.sessionID)
}

func (s *Sandbox) Tools() []api.ToolDescriptor { return s.opts.Tools }

// Endpoint reports the session handle address.
func (s *Sandbox) Endpoint() string {
	if s.sessionID == "" {
		return ""
	}
	return s.opts.BaseURL + "/v1/sessions/" + s.sessionID
}

// do issues one authenticated request and returns status plus body.
func (s *Sandbox) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.opts.BaseURL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.opts.APIKey)

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func normalize(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("null")
	}
	return args
}
