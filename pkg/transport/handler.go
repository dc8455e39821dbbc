package transport

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
)

// Manager is the subset of sandbox-manager behavior the HTTP layer
// dispatches to. *manager.Manager satisfies it.
type Manager interface {
	Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error)
	CallTool(ctx context.Context, sandboxID, name string, args json.RawMessage) (*api.ToolResult, error)
	ReleaseSandbox(ctx context.Context, sandboxID string) bool
	Release(ctx context.Context, sessionID, userID, typeID string) int
	Records() []api.SandboxRecord
	Healthy(ctx context.Context) bool
	Types() []api.SandboxType
}

// handler serves the sandbox HTTP protocol against a Manager.
type handler struct {
	mgr         Manager
	maxBodySize int64
}

// routes registers all protocol endpoints on the mux.
func (h *handler) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sandboxes", h.handleConnect)
	mux.HandleFunc("GET /sandboxes", h.handleList)
	mux.HandleFunc("POST /sandboxes/{id}/tools/{name}", h.handleCallTool)
	mux.HandleFunc("DELETE /sandboxes/{id}", h.handleReleaseByID)
	mux.HandleFunc("DELETE /sandboxes", h.handleReleaseByKey)
	mux.HandleFunc("GET /types", h.handleTypes)
	mux.HandleFunc("GET /health", h.handleHealth)
}

// decodeBody reads and decodes a JSON request body into dst, enforcing
// the configured body size limit and a JSON content type.
func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return api.NewValidationError("unsupported content type %q", ct)
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return api.NewValidationError("request body exceeds %d bytes", maxErr.Limit)
		}
		return api.NewValidationError("invalid request body: %v", err)
	}
	return nil
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req api.ConnectRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	resp, err := h.mgr.Connect(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	records := h.mgr.Records()
	if records == nil {
		records = []api.SandboxRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	sandboxID := r.PathValue("id")
	toolName := r.PathValue("name")
	if !api.ValidateSandboxID(sandboxID) {
		WriteError(w, api.NewValidationError("malformed sandbox id %q", sandboxID))
		return
	}

	var req api.CallToolRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	result, err := h.mgr.CallTool(r.Context(), sandboxID, toolName, req.Args)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleReleaseByID(w http.ResponseWriter, r *http.Request) {
	sandboxID := r.PathValue("id")
	if !api.ValidateSandboxID(sandboxID) {
		WriteError(w, api.NewValidationError("malformed sandbox id %q", sandboxID))
		return
	}
	released := h.mgr.ReleaseSandbox(r.Context(), sandboxID)
	writeJSON(w, http.StatusOK, api.ReleaseResponse{Released: released})
}

func (h *handler) handleReleaseByKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	userID := q.Get("user_id")
	if sessionID == "" || userID == "" {
		WriteError(w, api.NewValidationError("session_id and user_id query parameters are required"))
		return
	}

	n := h.mgr.Release(r.Context(), sessionID, userID, q.Get("type"))
	writeJSON(w, http.StatusOK, api.ReleaseResponse{Released: n > 0})
}

func (h *handler) handleTypes(w http.ResponseWriter, r *http.Request) {
	types := h.mgr.Types()
	if types == nil {
		types = []api.SandboxType{}
	}
	writeJSON(w, http.StatusOK, types)
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := h.mgr.Healthy(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, api.HealthResponse{Healthy: healthy})
}
