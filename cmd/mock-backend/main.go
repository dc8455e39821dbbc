// Command mock-backend runs a deterministic cloud session API for
// local development and conformance testing of the cloud sandbox
// variant. It provisions in-memory sessions and answers tool calls
// with predictable outputs based on the tool name.
//
// Configuration:
//
//	MOCK_PORT    - Listen port (default: 9090)
//	MOCK_API_KEY - Required X-API-Key value (empty disables the check)
//	MOCK_QUOTA   - Max live sessions before 429 (default: unlimited)
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}
	quota := 0
	if v := os.Getenv("MOCK_QUOTA"); v != "" {
		quota, _ = strconv.Atoi(v)
	}

	b := &backend{
		apiKey:   os.Getenv("MOCK_API_KEY"),
		quota:    quota,
		sessions: make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", b.handleCreate)
	mux.HandleFunc("GET /v1/sessions/{id}", b.handleStatus)
	mux.HandleFunc("DELETE /v1/sessions/{id}", b.handleDelete)
	mux.HandleFunc("POST /v1/sessions/{id}/tools/{name}", b.handleTool)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock session API starting", "port", port, "auth", b.apiKey != "", "quota", quota)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock session API failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock session API shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// --- State ---

type session struct {
	id        string
	profileID string
	env       map[string]string
	createdAt time.Time
}

type backend struct {
	apiKey string
	quota  int

	mu       sync.Mutex
	sessions map[string]*session
	nextID   int
}

// --- Wire types ---

type createRequest struct {
	ProfileID string            `json:"profile_id"`
	Env       map[string]string `json:"env,omitempty"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

type callResponse struct {
	Output json.RawMessage   `json:"output,omitempty"`
	Files  map[string]string `json:"files,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// --- Handlers ---

func (b *backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProfileID == "" {
		writeJSON(w, http.StatusBadRequest, callResponse{Error: "profile_id is required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.quota > 0 && len(b.sessions) >= b.quota {
		writeJSON(w, http.StatusTooManyRequests, callResponse{Error: "session quota exceeded"})
		return
	}

	b.nextID++
	s := &session{
		id:        fmt.Sprintf("mock-%06d", b.nextID),
		profileID: req.ProfileID,
		env:       req.Env,
		createdAt: time.Now(),
	}
	b.sessions[s.id] = s

	slog.Info("session created", "session_id", s.id, "profile", s.profileID)
	writeJSON(w, http.StatusCreated, createResponse{SessionID: s.id})
}

func (b *backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	b.mu.Lock()
	s, ok := b.sessions[r.PathValue("id")]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, callResponse{Error: "unknown session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": s.id,
		"profile_id": s.profileID,
		"status":     "running",
		"uptime":     time.Since(s.createdAt).Truncate(time.Second).String(),
	})
}

func (b *backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	b.mu.Lock()
	_, ok := b.sessions[r.PathValue("id")]
	delete(b.sessions, r.PathValue("id"))
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, callResponse{Error: "unknown session"})
		return
	}
	slog.Info("session deleted", "session_id", r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (b *backend) handleTool(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}
	b.mu.Lock()
	_, ok := b.sessions[r.PathValue("id")]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusGone, callResponse{Error: "unknown session"})
		return
	}

	var body struct {
		Args json.RawMessage `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, callResponse{Error: "invalid request body"})
		return
	}

	name := r.PathValue("name")
	switch name {
	case "shell.exec":
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(body.Args, &args); err != nil || args.Command == "" {
			writeJSON(w, http.StatusBadRequest, callResponse{Error: "command is required"})
			return
		}
		output, _ := json.Marshal(map[string]any{
			"stdout":    "mock: " + args.Command + "\n",
			"stderr":    "",
			"exit_code": 0,
		})
		writeJSON(w, http.StatusOK, callResponse{Output: output})

	case "browser.open":
		output, _ := json.Marshal(map[string]string{"title": "Mock Page"})
		writeJSON(w, http.StatusOK, callResponse{
			Output: output,
			Files: map[string]string{
				"screenshot.png": base64.StdEncoding.EncodeToString([]byte("mock-image-bytes")),
			},
		})

	case "sleep":
		// Deterministic slow tool for timeout testing.
		var args struct {
			Seconds int `json:"seconds"`
		}
		json.Unmarshal(body.Args, &args)
		select {
		case <-time.After(time.Duration(args.Seconds) * time.Second):
			writeJSON(w, http.StatusOK, callResponse{Output: json.RawMessage(`{"slept":true}`)})
		case <-r.Context().Done():
		}

	default:
		writeJSON(w, http.StatusNotFound, callResponse{Error: "unknown tool " + name})
	}
}

// --- Helpers ---

func (b *backend) authorized(w http.ResponseWriter, r *http.Request) bool {
	if b.apiKey == "" || r.Header.Get("X-API-Key") == b.apiKey {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, callResponse{Error: "invalid api key"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
