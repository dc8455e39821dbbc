package service

import (
	"context"
	"encoding/json"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/manager"
)

// embedded runs the manager in-process. All calls go straight through;
// no serialization happens on this path.
type embedded struct {
	mgr *manager.Manager
}

func (e *embedded) Start(context.Context) error {
	e.mgr.Start()
	return nil
}

func (e *embedded) Stop(ctx context.Context) error {
	e.mgr.Stop(ctx)
	return nil
}

func (e *embedded) Healthy(ctx context.Context) bool {
	return e.mgr.Healthy(ctx)
}

func (e *embedded) Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	return e.mgr.Connect(ctx, req)
}

func (e *embedded) CallTool(ctx context.Context, sandboxID, name string, args json.RawMessage) (*api.ToolResult, error) {
	return e.mgr.CallTool(ctx, sandboxID, name, args)
}

func (e *embedded) ReleaseSandbox(ctx context.Context, sandboxID string) (bool, error) {
	return e.mgr.ReleaseSandbox(ctx, sandboxID), nil
}

func (e *embedded) Release(ctx context.Context, sessionID, userID, typeID string) (bool, error) {
	return e.mgr.Release(ctx, sessionID, userID, typeID) > 0, nil
}

func (e *embedded) Types(context.Context) ([]api.SandboxType, error) {
	return e.mgr.Types(), nil
}

// Manager exposes the embedded manager so hosts can mount it behind a
// transport server in addition to the in-process facade.
func (e *embedded) Manager() *manager.Manager {
	return e.mgr
}
