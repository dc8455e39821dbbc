// Command mcp-server exposes a sandkasten server to MCP clients.
// Agent hosts that speak the Model Context Protocol get sandbox
// lifecycle and tool dispatch as MCP tools without linking sandkasten.
//
// Configuration:
//
//	PORT              - Listen port (default: 8080)
//	SANDKASTEN_URL    - Base URL of the sandkasten server (required)
//	SANDKASTEN_TOKEN  - Bearer token for the sandkasten server (optional)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/service"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	baseURL := os.Getenv("SANDKASTEN_URL")
	if baseURL == "" {
		log.Fatal("SANDKASTEN_URL is required")
	}

	svc, err := service.New(service.Config{
		BaseURL:     baseURL,
		BearerToken: os.Getenv("SANDKASTEN_TOKEN"),
	}, service.Options{})
	if err != nil {
		log.Fatalf("building service: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		log.Fatalf("reaching sandkasten server: %v", err)
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "sandkasten-mcp", Version: "v1.0.0"},
		nil,
	)

	type ConnectInput struct {
		SessionID string   `json:"session_id" jsonschema_description:"Session the sandboxes belong to"`
		UserID    string   `json:"user_id" jsonschema_description:"User the sandboxes belong to"`
		Types     []string `json:"types" jsonschema_description:"Sandbox type IDs to acquire"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sandbox_connect",
		Description: "Acquire one sandbox per requested type for a session and user. Reuses live sandboxes on repeated calls.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input ConnectInput) (*mcp.CallToolResult, struct{}, error) {
		resp, err := svc.Connect(ctx, api.ConnectRequest{
			SessionID: input.SessionID,
			UserID:    input.UserID,
			Types:     input.Types,
		})
		if err != nil {
			return errorResult(err), struct{}{}, nil
		}
		return jsonResult(resp), struct{}{}, nil
	})

	type RunToolInput struct {
		SandboxID string `json:"sandbox_id" jsonschema_description:"Sandbox to dispatch the call to"`
		Tool      string `json:"tool" jsonschema_description:"Tool name, e.g. shell.exec"`
		Args      string `json:"args,omitempty" jsonschema_description:"Tool arguments as a JSON object"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_tool",
		Description: "Run a tool inside a connected sandbox and return its output.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input RunToolInput) (*mcp.CallToolResult, struct{}, error) {
		var args json.RawMessage
		if strings.TrimSpace(input.Args) != "" {
			if !json.Valid([]byte(input.Args)) {
				return errorResult(api.NewValidationError("args must be a JSON object")), struct{}{}, nil
			}
			args = json.RawMessage(input.Args)
		}
		result, err := svc.CallTool(ctx, input.SandboxID, input.Tool, args)
		if err != nil {
			return errorResult(err), struct{}{}, nil
		}
		return jsonResult(result), struct{}{}, nil
	})

	type ReleaseInput struct {
		SandboxID string `json:"sandbox_id,omitempty" jsonschema_description:"Release a single sandbox by ID"`
		SessionID string `json:"session_id,omitempty" jsonschema_description:"Release everything owned by this session (with user_id)"`
		UserID    string `json:"user_id,omitempty" jsonschema_description:"Release everything owned by this user (with session_id)"`
		Type      string `json:"type,omitempty" jsonschema_description:"Narrow a session/user release to one type"`
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sandbox_release",
		Description: "Release a sandbox by ID, or every sandbox owned by a session and user.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input ReleaseInput) (*mcp.CallToolResult, struct{}, error) {
		var released bool
		var err error
		switch {
		case input.SandboxID != "":
			released, err = svc.ReleaseSandbox(ctx, input.SandboxID)
		case input.SessionID != "" && input.UserID != "":
			released, err = svc.Release(ctx, input.SessionID, input.UserID, input.Type)
		default:
			err = api.NewValidationError("sandbox_id or session_id+user_id is required")
		}
		if err != nil {
			return errorResult(err), struct{}{}, nil
		}
		return jsonResult(api.ReleaseResponse{Released: released}), struct{}{}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_types",
		Description: "List the sandbox types the server serves.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, struct{}, error) {
		types, err := svc.Types(ctx)
		if err != nil {
			return errorResult(err), struct{}{}, nil
		}
		return jsonResult(types), struct{}{}, nil
	})

	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server
	}, nil)

	httpMux := http.NewServeMux()
	httpMux.Handle("/mcp", handler)
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})

	log.Printf("MCP server starting on :%s (sandkasten at %s)", port, baseURL)
	if err := http.ListenAndServe(":"+port, httpMux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// jsonResult renders v as a single JSON text content block.
func jsonResult(v any) *mcp.CallToolResult {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(buf)}},
	}
}

// errorResult reports a failed call with the taxonomy kind preserved in
// the text, so MCP clients can still distinguish failure classes.
func errorResult(err error) *mcp.CallToolResult {
	apiErr := api.AsError(err)
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("%s: %s", apiErr.Kind, apiErr.Message)},
		},
	}
}
