package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/manager"
	"github.com/sandkasten-dev/sandkasten/pkg/registry"
	"github.com/sandkasten-dev/sandkasten/pkg/storage"
)

// Config selects the facade mode. An empty BaseURL picks the embedded
// mode; a non-empty one picks the remote mode addressing a sandkasten
// server at that URL.
type Config struct {
	// BaseURL is the remote server root, e.g. "http://sandkasten:8080".
	// Leave empty to run the manager in-process.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// BearerToken is sent as the Authorization bearer credential on
	// every remote request. Ignored in embedded mode.
	BearerToken string `json:"bearer_token" yaml:"bearer_token"`

	// RequestTimeout bounds individual remote HTTP requests. Zero means
	// no client-side bound beyond the context; per-call contexts still
	// apply. Ignored in embedded mode.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// Options carries the dependencies of the embedded mode. Ignored when
// Config.BaseURL selects the remote mode.
type Options struct {
	// Registry holds the sandbox types the embedded manager serves.
	Registry *registry.Registry

	// Store persists artifacts produced by tool calls. Optional.
	Store storage.ArtifactStore

	// ReaperInterval is forwarded to the embedded manager. Zero keeps
	// the manager default; a negative value disables the reaper.
	ReaperInterval time.Duration
}

// Service is the sandbox facade agent hosts program against. Both modes
// implement it with identical semantics: the same error kinds come back
// from the same failures whether the manager runs in-process or behind
// a server.
type Service interface {
	// Start brings the backend up. In embedded mode it starts the
	// manager's reaper; in remote mode it verifies the server is
	// reachable and the credential is accepted.
	Start(ctx context.Context) error

	// Stop tears the backend down. The embedded manager releases every
	// live sandbox; the remote mode only closes idle connections, the
	// server keeps its sandboxes.
	Stop(ctx context.Context) error

	// Healthy reports whether the backend can serve requests.
	Healthy(ctx context.Context) bool

	// Connect acquires one sandbox per requested type for the given
	// session and user, provisioning on first use and reusing across
	// repeated calls.
	Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error)

	// CallTool dispatches a tool invocation to a connected sandbox.
	CallTool(ctx context.Context, sandboxID, name string, args json.RawMessage) (*api.ToolResult, error)

	// ReleaseSandbox tears down one sandbox by ID. Releasing an unknown
	// or already-released sandbox reports false without error.
	ReleaseSandbox(ctx context.Context, sandboxID string) (bool, error)

	// Release tears down every sandbox owned by (sessionID, userID),
	// optionally narrowed to one type. Reports whether anything was
	// released.
	Release(ctx context.Context, sessionID, userID, typeID string) (bool, error)

	// Types lists the sandbox types the backend serves.
	Types(ctx context.Context) ([]api.SandboxType, error)
}

// New builds a Service in the mode Config selects.
func New(cfg Config, opts Options) (Service, error) {
	if cfg.BaseURL != "" {
		return newRemote(cfg), nil
	}
	if opts.Registry == nil {
		return nil, errors.New("embedded mode requires a registry")
	}
	mgr := manager.New(opts.Registry, manager.Options{
		Store:          opts.Store,
		ReaperInterval: opts.ReaperInterval,
	})
	return &embedded{mgr: mgr}, nil
}
