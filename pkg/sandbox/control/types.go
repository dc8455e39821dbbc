// Package control implements the client side of the sandbox control
// protocol: the small HTTP/JSON API served inside container and pod
// backed sandboxes (see cmd/sandbox-server). The container and
// kubernetes variants both dispatch tool calls through this client.
package control

import "encoding/json"

// CallRequest is the body of POST /tools/{name} on the control server.
type CallRequest struct {
	Args           json.RawMessage `json:"args,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// CallResponse is the control server's reply. Exactly one of Output or
// Error is populated. Files maps relative paths to base64-encoded
// contents produced by the call.
type CallResponse struct {
	Output json.RawMessage   `json:"output,omitempty"`
	Files  map[string]string `json:"files,omitempty"`
	Error  *CallError        `json:"error,omitempty"`
}

// CallError is the control server's error shape, mirroring the
// orchestrator taxonomy so kinds survive the hop.
type CallError struct {
	Kind    string `json:"error_kind"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode,omitempty"`
	Uptime string `json:"uptime,omitempty"`
}
