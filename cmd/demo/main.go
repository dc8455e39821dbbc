package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/registry"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/noop"
	"github.com/sandkasten-dev/sandkasten/pkg/service"
	"github.com/sandkasten-dev/sandkasten/pkg/storage/memory"
)

func main() {
	fmt.Println("=== sandkasten embedded facade demo ===")
	fmt.Println()

	ctx := context.Background()

	// 1. Register a sandbox type. The noop backend answers every tool
	// call with a canned acknowledgement, so the demo runs without any
	// container engine or cloud credentials.
	shellTool := api.ToolDescriptor{
		Name:        "shell.exec",
		Description: "Run a shell command",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"command": {"type": "string"}},
			"required": ["command"]
		}`),
	}
	reg := registry.New()
	meta := api.SandboxType{
		TypeID:         "shell",
		Image:          "demo",
		SecurityLevel:  api.SecurityLevelLow,
		DefaultTimeout: time.Minute,
		Description:    "Demo shell sandbox",
	}
	if err := reg.Register(meta, noop.Factory(shellTool)); err != nil {
		fmt.Printf("registration FAILED: %v\n", err)
		return
	}
	fmt.Println("[1] Registered sandbox type \"shell\"")

	// 2. Build the facade in embedded mode.
	svc, err := service.New(service.Config{}, service.Options{
		Registry: reg,
		Store:    memory.New(),
	})
	if err != nil {
		fmt.Printf("service build FAILED: %v\n", err)
		return
	}
	svc.Start(ctx)
	defer svc.Stop(ctx)
	fmt.Println("[2] Embedded service started")

	// 3. Connect: one sandbox per requested type.
	resp, err := svc.Connect(ctx, api.ConnectRequest{
		SessionID: "demo-session",
		UserID:    "demo-user",
		Types:     []string{"shell"},
	})
	if err != nil {
		fmt.Printf("connect FAILED: %v\n", err)
		return
	}
	handle := resp.Sandboxes[0]
	fmt.Printf("\n[3] Connected: sandbox_id=%s status=%s tools=%d\n",
		handle.SandboxID, handle.Status, len(handle.Tools))

	// 4. Reconnecting with the same key reuses the live sandbox.
	resp2, _ := svc.Connect(ctx, api.ConnectRequest{
		SessionID: "demo-session",
		UserID:    "demo-user",
		Types:     []string{"shell"},
	})
	fmt.Printf("\n[4] Reconnect reuse: same sandbox = %v\n",
		resp2.Sandboxes[0].SandboxID == handle.SandboxID)

	// 5. Dispatch a tool call.
	result, err := svc.CallTool(ctx, handle.SandboxID, "shell.exec",
		json.RawMessage(`{"command":"echo hello"}`))
	if err != nil {
		fmt.Printf("tool call FAILED: %v\n", err)
		return
	}
	fmt.Printf("\n[5] Tool output: %s\n", result.Output)

	// 6. Argument validation happens before any backend is touched.
	fmt.Println("\n[6] Validation error examples:")
	if _, err := svc.CallTool(ctx, handle.SandboxID, "shell.exec", json.RawMessage(`{}`)); err != nil {
		fmt.Printf("    missing argument: %v\n", err)
	}
	if _, err := svc.CallTool(ctx, handle.SandboxID, "browser.open", nil); err != nil {
		fmt.Printf("    unknown tool:     %v\n", err)
	}

	// 7. Release is terminal and idempotent.
	released, _ := svc.ReleaseSandbox(ctx, handle.SandboxID)
	again, _ := svc.ReleaseSandbox(ctx, handle.SandboxID)
	fmt.Printf("\n[7] Release: first=%v second=%v\n", released, again)

	if _, err := svc.CallTool(ctx, handle.SandboxID, "shell.exec",
		json.RawMessage(`{"command":"echo hello"}`)); err != nil {
		fmt.Printf("    call after release: %v\n", err)
	}

	fmt.Println("\n=== demo complete ===")
}
