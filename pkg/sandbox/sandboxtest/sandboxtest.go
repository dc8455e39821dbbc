// Package sandboxtest provides a configurable fake sandbox for testing
// dispatch and lifecycle logic without a real backend. Tests can count
// provisioning calls, inject failures, and slow down creation to probe
// concurrency behavior.
package sandboxtest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox"
)

// Counter aggregates backend-call counts across all instances a factory
// hands out, so tests can assert properties like "N concurrent connects
// produced exactly one Create".
type Counter struct {
	Creates  atomic.Int64
	Calls    atomic.Int64
	Releases atomic.Int64
}

// Fake implements sandbox.Sandbox with injectable behavior.
type Fake struct {
	tools   []api.ToolDescriptor
	counter *Counter

	// CreateDelay stalls Create to widen race windows in tests.
	CreateDelay time.Duration

	// CreateErr and CallErr fail the corresponding operation when set.
	CreateErr error
	CallErr   error

	// Unhealthy makes Health report false. The flag is shared with
	// every instance a Factory derived from this fake hands out, so
	// tests can fail live instances after provisioning.
	Unhealthy *atomic.Bool

	// Output is returned from CallTool; defaults to {"ok":true}.
	Output json.RawMessage

	// Files is attached to every tool result, for artifact tests.
	Files map[string][]byte

	endpoint string
}

var _ sandbox.Sandbox = (*Fake)(nil)

// New builds a Fake exposing the given tool descriptors, counting into
// its own private Counter.
func New(tools ...api.ToolDescriptor) *Fake {
	return &Fake{
		tools:     tools,
		counter:   &Counter{},
		Unhealthy: &atomic.Bool{},
		Output:    json.RawMessage(`{"ok":true}`),
	}
}

// Factory returns a sandbox.Factory producing fakes that mirror f's
// configuration and report into the shared counter.
func (f *Fake) Factory(c *Counter) sandbox.Factory {
	return func() sandbox.Sandbox {
		s := New(f.tools...)
		s.counter = c
		s.CreateDelay = f.CreateDelay
		s.CreateErr = f.CreateErr
		s.CallErr = f.CallErr
		s.Unhealthy = f.Unhealthy
		s.Output = f.Output
		s.Files = f.Files
		return s
	}
}

// Counted returns the fake's own counter.
func (f *Fake) Counted() *Counter { return f.counter }

func (f *Fake) Create(ctx context.Context, cfg sandbox.Config) error {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.counter.Creates.Add(1)
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.endpoint = "fake://" + cfg.SandboxID
	return nil
}

func (f *Fake) CallTool(ctx context.Context, name string, args json.RawMessage) (*api.ToolResult, error) {
	f.counter.Calls.Add(1)
	if f.CallErr != nil {
		return nil, f.CallErr
	}
	return &api.ToolResult{Output: f.Output, Files: f.Files}, nil
}

func (f *Fake) Health(ctx context.Context) bool {
	return !f.Unhealthy.Load()
}

func (f *Fake) Release(ctx context.Context) {
	f.counter.Releases.Add(1)
}

func (f *Fake) Tools() []api.ToolDescriptor { return f.tools }

func (f *Fake) Endpoint() string { return f.endpoint }
