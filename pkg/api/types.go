package api

import (
	"encoding/json"
	"time"
)

// SecurityLevel classifies how much isolation a sandbox type provides.
type SecurityLevel string

const (
	SecurityLevelLow    SecurityLevel = "low"
	SecurityLevelMedium SecurityLevel = "medium"
	SecurityLevelHigh   SecurityLevel = "high"
)

// Valid reports whether the level is one of the three known values.
func (l SecurityLevel) Valid() bool {
	switch l {
	case SecurityLevelLow, SecurityLevelMedium, SecurityLevelHigh:
		return true
	}
	return false
}

// SandboxType is the immutable metadata of a registered sandbox kind.
// Instances are registered once during process initialization and are
// read-only thereafter.
type SandboxType struct {
	// TypeID is the unique identifier used by callers ("browser",
	// "filesystem", "shell", ...).
	TypeID string `json:"type_id" yaml:"type_id"`

	// Image is the container image or backend profile reference.
	Image string `json:"image" yaml:"image"`

	// SecurityLevel is the isolation class of this type.
	SecurityLevel SecurityLevel `json:"security_level" yaml:"security_level"`

	// DefaultTimeout bounds both provisioning and individual tool calls,
	// and doubles as the idle timeout used by the reaper.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// Env is the environment-variable template injected into backends,
	// merged with per-instance overrides at creation time.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Description is a human-readable summary shown in type listings.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// SandboxStatus is the lifecycle state of a SandboxRecord.
type SandboxStatus string

const (
	StatusCreating SandboxStatus = "creating"
	StatusRunning  SandboxStatus = "running"
	StatusReleased SandboxStatus = "released"
	StatusErrored  SandboxStatus = "errored"
)

// SandboxKey identifies the owner of a sandbox instance. At most one
// record in {Creating, Running} exists per key.
type SandboxKey struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
}

// String renders the key in log-friendly form.
func (k SandboxKey) String() string {
	return k.SessionID + "/" + k.UserID + "/" + k.Type
}

// SandboxRecord is the live-instance state the manager tracks for one
// provisioned sandbox. Status and LastUsedAt are mutated only through
// the manager's synchronized paths; Released is terminal.
type SandboxRecord struct {
	SandboxID  string        `json:"sandbox_id"`
	Key        SandboxKey    `json:"key"`
	Status     SandboxStatus `json:"status"`
	Endpoint   string        `json:"endpoint,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	LastUsedAt time.Time     `json:"last_used_at"`
}

// ToolDescriptor describes one tool a sandbox type exposes. Parameters
// holds a JSON-schema-style object spec ("type", "properties",
// "required") that arguments are checked against before any backend is
// touched.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolResult is the uniform outcome of a dispatched tool call.
type ToolResult struct {
	// Output is the tool's primary result payload.
	Output json.RawMessage `json:"output,omitempty"`

	// Files maps relative paths to raw contents produced by the call.
	// The manager persists them through the artifact store and reports
	// them back as ArtifactRefs.
	Files map[string][]byte `json:"files,omitempty"`

	// Artifacts lists the persisted references for Files, filled in by
	// the manager after storage succeeds.
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

// ArtifactRef addresses one persisted blob produced by a sandbox.
type ArtifactRef struct {
	SandboxID string `json:"sandbox_id"`
	Path      string `json:"path"`

	// Location is the backend-specific address (filesystem path, object
	// key, or row reference) where the blob was persisted.
	Location string `json:"location"`
}

// HandleDescriptor is the wire representation of a connected sandbox
// returned by POST /sandboxes. It carries everything a remote caller
// needs to address the instance afterwards.
type HandleDescriptor struct {
	SandboxID string           `json:"sandbox_id"`
	Type      string           `json:"type"`
	Status    SandboxStatus    `json:"status"`
	Tools     []ToolDescriptor `json:"tools,omitempty"`
}

// ConnectRequest is the body of POST /sandboxes.
type ConnectRequest struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Types     []string          `json:"types"`
	Env       map[string]string `json:"env,omitempty"`
}

// ConnectResponse is the body returned by POST /sandboxes, listing one
// descriptor per requested type in request order.
type ConnectResponse struct {
	Sandboxes []HandleDescriptor `json:"sandboxes"`
}

// CallToolRequest is the body of POST /sandboxes/{id}/tools/{name}.
type CallToolRequest struct {
	Args json.RawMessage `json:"args,omitempty"`
}

// ReleaseResponse acknowledges a DELETE.
type ReleaseResponse struct {
	Released bool `json:"released"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Healthy bool `json:"healthy"`
}
