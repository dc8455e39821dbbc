// Package sandbox defines the uniform contract every sandbox variant
// implements and the pre-dispatch validation of tool arguments.
//
// Callers (manager, service) interact with sandboxes exclusively through
// the [Sandbox] interface; no code outside a variant's own package may
// branch on the backend kind.
package sandbox

import (
	"context"
	"encoding/json"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

// Config carries the per-instance inputs a variant needs at creation
// time. Env is the type's template already merged with caller-supplied
// overrides; Workspace is an instance-private directory for variants
// that mount one.
type Config struct {
	SandboxID string
	Type      api.SandboxType
	Env       map[string]string
	Workspace string
}

// Sandbox is the unit of isolation. One instance owns exactly one
// backend resource (a container, a cloud session, or nothing for the
// noop variant).
//
// Create provisions the backend and must clean up partial resources
// best-effort when it fails or the context expires. CallTool dispatches
// one tool invocation; arguments have already passed ValidateArgs.
// Health never returns an error: any failure to reach the backend reads
// as false. Release is idempotent and never fails the caller; teardown
// problems are logged by the implementation.
type Sandbox interface {
	Create(ctx context.Context, cfg Config) error
	CallTool(ctx context.Context, name string, args json.RawMessage) (*api.ToolResult, error)
	Health(ctx context.Context) bool
	Release(ctx context.Context)

	// Tools lists the descriptors this instance dispatches. The set is
	// fixed per type and used for validation before any backend call.
	Tools() []api.ToolDescriptor

	// Endpoint reports the backend address (container URL, session id)
	// once Create has succeeded, for record keeping and logs.
	Endpoint() string
}

// Factory constructs an unprovisioned sandbox instance for a type. The
// registry binds one factory per type id at startup.
type Factory func() Sandbox

// Descriptor returns the tool descriptor for name from s, or nil when
// the type does not provide it.
func Descriptor(s Sandbox, name string) *api.ToolDescriptor {
	for _, td := range s.Tools() {
		if td.Name == name {
			return &td
		}
	}
	return nil
}
