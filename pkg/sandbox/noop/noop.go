// Package noop provides a placeholder sandbox whose operations return
// canned success. It backs dispatch tests and "null" type registrations
// where no real isolation backend is wanted.
package noop

import (
	"context"
	"encoding/json"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox"
)

// Sandbox is a no-op sandbox. Create and Release do nothing, Health is
// always true, and CallTool echoes the call back as its output.
type Sandbox struct {
	tools    []api.ToolDescriptor
	endpoint string
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// Factory returns a sandbox.Factory producing noop instances exposing
// the given tools. With no tools given, a single schemaless "echo" tool
// is exposed so the dispatch path stays exercisable.
func Factory(tools ...api.ToolDescriptor) sandbox.Factory {
	if len(tools) == 0 {
		tools = []api.ToolDescriptor{{
			Name:        "echo",
			Description: "Returns the call name and arguments unchanged.",
		}}
	}
	return func() sandbox.Sandbox {
		return &Sandbox{tools: tools}
	}
}

func (s *Sandbox) Create(_ context.Context, cfg sandbox.Config) error {
	s.endpoint = "noop://" + cfg.SandboxID
	return nil
}

func (s *Sandbox) CallTool(_ context.Context, name string, args json.RawMessage) (*api.ToolResult, error) {
	echo, _ := json.Marshal(map[string]json.RawMessage{
		"tool": json.RawMessage(`"` + name + `"`),
		"args": normalize(args),
	})
	return &api.ToolResult{Output: echo}, nil
}

func (s *Sandbox) Health(context.Context) bool { return true }

func (s *Sandbox) Release(context.Context) {}

func (s *Sandbox) Tools() []api.ToolDescriptor { return s.tools }

func (s *Sandbox) Endpoint() string { return s.endpoint }

func normalize(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("null")
	}
	return args
}
