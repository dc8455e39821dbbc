// Package container provides the container-backed sandbox variant. It
// starts one container per instance through the container engine API,
// with a mounted per-instance workspace, a mapped control port, and the
// type's environment template merged with per-instance secrets. Tool
// calls go to the in-container control server (cmd/sandbox-server) over
// the control protocol.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/control"
)

const (
	// controlPort is the fixed port the control server listens on
	// inside the container; the engine maps it to an ephemeral host port.
	controlPort = "8080/tcp"

	// tokenEnv is the environment variable carrying the shared secret
	// for the control channel.
	tokenEnv = "SANDBOX_TOKEN"

	// workspaceMount is where the per-instance workspace appears
	// inside the container.
	workspaceMount = "/workspace"
)

// Options configures the container variant for one sandbox type.
type Options struct {
	// Tools is the descriptor set this type dispatches.
	Tools []api.ToolDescriptor

	// Token is the shared control-channel secret injected as
	// SANDBOX_TOKEN and presented on every tool call.
	Token string

	// WorkspaceRoot is where per-instance workspace directories are
	// created. Defaults to the OS temp dir.
	WorkspaceRoot string
}

// Factory returns a sandbox.Factory producing container-backed
// instances for the given options.
func Factory(opts Options) sandbox.Factory {
	return func() sandbox.Sandbox {
		return &Sandbox{
			opts:   opts,
			client: control.NewClient(opts.Token),
		}
	}
}

// Sandbox is a container-backed sandbox instance. It owns exactly one
// container from Create until Release.
type Sandbox struct {
	opts   Options
	client *control.Client

	container testcontainers.Container
	endpoint  string
	workspace string
	timeout   time.Duration
	released  atomic.Bool
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// Create starts the container and waits for its control server to
// answer the health endpoint, with the wait bounded by the type's
// default timeout. Partial resources are removed when provisioning
// fails part-way.
func (s *Sandbox) Create(ctx context.Context, cfg sandbox.Config) error {
	s.timeout = cfg.Type.DefaultTimeout

	workspace := cfg.Workspace
	if workspace == "" {
		root := s.opts.WorkspaceRoot
		if root == "" {
			root = os.TempDir()
		}
		var err error
		workspace, err = os.MkdirTemp(root, "sandkasten-"+cfg.SandboxID+"-")
		if err != nil {
			return api.NewProvisionError("creating workspace: %v", err)
		}
	}
	s.workspace = workspace

	env := sandbox.MergeEnv(cfg.Type.Env, cfg.Env)
	env[tokenEnv] = s.opts.Token

	req := testcontainers.ContainerRequest{
		Image:        cfg.Type.Image,
		Env:          env,
		ExposedPorts: []string{controlPort},
		WaitingFor: wait.ForHTTP("/healthz").
			WithPort(controlPort).
			WithStartupTimeout(cfg.Type.DefaultTimeout),
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			hc.Binds = append(hc.Binds, workspace+":"+workspaceMount)
		},
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		s.cleanupWorkspace()
		return api.NewProvisionError("starting container for image %q: %v", cfg.Type.Image, err)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		s.terminate(ctr)
		return api.NewProvisionError("resolving container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, controlPort)
	if err != nil {
		s.terminate(ctr)
		return api.NewProvisionError("resolving control port: %v", err)
	}

	s.container = ctr
	s.endpoint = fmt.Sprintf("http://%s:%s", host, port.Port())

	slog.Debug("container sandbox created",
		"sandbox_id", cfg.SandboxID,
		"image", cfg.Type.Image,
		"endpoint", s.endpoint,
		"workspace", workspace,
	)
	return nil
}

// CallTool dispatches to the container's control server.
func (s *Sandbox) CallTool(ctx context.Context, name string, args json.RawMessage) (*api.ToolResult, error) {
	if s.released.Load() {
		return nil, api.NewReleasedError(s.endpoint)
	}
	return s.client.Call(ctx, s.endpoint, name, args, s.timeout)
}

// Health probes the control server's health endpoint.
func (s *Sandbox) Health(ctx context.Context) bool {
	if s.released.Load() || s.endpoint == "" {
		return false
	}
	return s.client.Healthy(ctx, s.endpoint)
}

// Release stops and removes the container and the workspace. It is
// idempotent and never surfaces errors; teardown failures are logged.
func (s *Sandbox) Release(ctx context.Context) {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if s.container != nil {
		s.terminate(s.container)
		s.container = nil
	}
	s.cleanupWorkspace()
}

func (s *Sandbox) Tools() []api.ToolDescriptor { return s.opts.Tools }

func (s *Sandbox) Endpoint() string { return s.endpoint }

// terminate removes a container, logging rather than propagating
// failures since it runs on cleanup paths.
func (s *Sandbox) terminate(ctr testcontainers.Container) {
	// Fresh context: the caller's may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctr.Terminate(ctx); err != nil {
		slog.Warn("failed to terminate sandbox container", "endpoint", s.endpoint, "error", err.Error())
	}
}

func (s *Sandbox) cleanupWorkspace() {
	if s.workspace == "" {
		return
	}
	if err := os.RemoveAll(s.workspace); err != nil {
		slog.Warn("failed to remove sandbox workspace", "path", s.workspace, "error", err.Error())
	}
	s.workspace = ""
}
