// Command sandbox-server runs the control server inside container and
// pod backed sandboxes. It serves the control protocol the orchestrator
// dispatches tool calls through: POST /tools/{name} and GET /healthz.
//
// Built-in tools:
//
//	shell.exec - run a shell command in the workspace
//	fs.write   - write a file under the workspace
//	fs.read    - read a file under the workspace
//	fs.list    - list a workspace directory
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_TOKEN          - Shared control-channel secret (empty disables auth)
//	SANDBOX_WORKSPACE      - Workspace root (default: a fresh temp dir)
//	SANDBOX_MAX_CONCURRENT - Max concurrent tool calls (default: 3)
//	SANDBOX_OUTPUT_DIR     - Output directory name within the workspace (default: output)
package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/control"
)

func main() {
	port := envOr("SANDBOX_PORT", "8080")
	token := os.Getenv("SANDBOX_TOKEN")
	maxConcurrent := envOrInt("SANDBOX_MAX_CONCURRENT", 3)
	outputDirName := envOr("SANDBOX_OUTPUT_DIR", "output")

	workspace := os.Getenv("SANDBOX_WORKSPACE")
	if workspace == "" {
		dir, err := os.MkdirTemp("", "sandkasten-ws-*")
		if err != nil {
			slog.Error("creating workspace", "error", err)
			os.Exit(1)
		}
		workspace = dir
	}
	if err := os.MkdirAll(filepath.Join(workspace, outputDirName), 0755); err != nil {
		slog.Error("creating output dir", "error", err)
		os.Exit(1)
	}

	srv := &controlServer{
		workspace:     workspace,
		outputDirName: outputDirName,
		maxConcurrent: int32(maxConcurrent),
		startTime:     time.Now(),
	}
	if token != "" {
		sum := sha256.Sum256([]byte(token))
		srv.tokenHash = sum[:]
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tools/{name}", srv.handleTool)
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Long timeout for tool execution.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("control server starting",
			"port", port,
			"workspace", workspace,
			"auth", srv.tokenHash != nil,
			"max_concurrent", maxConcurrent,
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

// --- Server ---

type controlServer struct {
	workspace     string
	outputDirName string
	tokenHash     []byte
	maxConcurrent int32
	currentLoad   atomic.Int32
	startTime     time.Time
}

func (s *controlServer) handleTool(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeCallError(w, http.StatusUnauthorized, string(api.ErrorKindAuth), "invalid control token")
		return
	}

	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)
	if current > s.maxConcurrent {
		writeCallError(w, http.StatusTooManyRequests, string(api.ErrorKindToolExecution),
			fmt.Sprintf("at capacity (%d/%d concurrent calls)", current, s.maxConcurrent))
		return
	}

	var req control.CallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		writeCallError(w, http.StatusBadRequest, string(api.ErrorKindValidation), "invalid request: "+err.Error())
		return
	}

	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 30
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.TimeoutSeconds)*time.Second)
	defer cancel()

	name := r.PathValue("name")
	start := time.Now()

	var resp control.CallResponse
	switch name {
	case "shell.exec":
		resp = s.shellExec(ctx, req)
	case "fs.write":
		resp = s.fsWrite(req)
	case "fs.read":
		resp = s.fsRead(req)
	case "fs.list":
		resp = s.fsList(req)
	default:
		writeCallError(w, http.StatusNotFound, string(api.ErrorKindToolNotFound),
			fmt.Sprintf("tool %q is not provided by this sandbox", name))
		return
	}

	status := "ok"
	if resp.Error != nil {
		status = resp.Error.Kind
	}
	slog.Info("tool call complete",
		"tool", name,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"files_produced", len(resp.Files),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *controlServer) authorized(r *http.Request) bool {
	if s.tokenHash == nil {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], s.tokenHash) == 1
}

// --- shell.exec ---

type shellArgs struct {
	Command string `json:"command"`
}

type shellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (s *controlServer) shellExec(ctx context.Context, req control.CallRequest) control.CallResponse {
	var args shellArgs
	if err := json.Unmarshal(req.Args, &args); err != nil || args.Command == "" {
		return errResponse(api.ErrorKindValidation, "command is required")
	}

	outputDir := filepath.Join(s.workspace, s.outputDirName)
	cmd := exec.CommandContext(ctx, "bash", "-c", args.Command)
	cmd.Dir = s.workspace
	cmd.Env = append(os.Environ(), "OUTPUT_DIR="+outputDir)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errResponse(api.ErrorKindTimeout,
				fmt.Sprintf("command timed out after %d seconds", req.TimeoutSeconds))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return errResponse(api.ErrorKindToolExecution, runErr.Error())
		}
	}

	output, _ := json.Marshal(shellOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	})
	return control.CallResponse{
		Output: output,
		Files:  collectOutputFiles(outputDir),
	}
}

// --- fs tools ---

type fsArgs struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"` // base64 for fs.write
}

// resolve maps a relative tool path into the workspace, rejecting
// anything that escapes it.
func (s *controlServer) resolve(rel string) (string, error) {
	if rel == "" {
		return s.workspace, nil
	}
	clean := filepath.Clean("/" + rel)
	full := filepath.Join(s.workspace, clean)
	if full != s.workspace && !strings.HasPrefix(full, s.workspace+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return full, nil
}

func (s *controlServer) fsWrite(req control.CallRequest) control.CallResponse {
	var args fsArgs
	if err := json.Unmarshal(req.Args, &args); err != nil || args.Path == "" {
		return errResponse(api.ErrorKindValidation, "path is required")
	}
	data, err := base64.StdEncoding.DecodeString(args.Content)
	if err != nil {
		return errResponse(api.ErrorKindValidation, "content must be base64: "+err.Error())
	}
	full, err := s.resolve(args.Path)
	if err != nil {
		return errResponse(api.ErrorKindValidation, err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return errResponse(api.ErrorKindToolExecution, err.Error())
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return errResponse(api.ErrorKindToolExecution, err.Error())
	}
	output, _ := json.Marshal(map[string]any{"written": len(data)})
	return control.CallResponse{Output: output}
}

func (s *controlServer) fsRead(req control.CallRequest) control.CallResponse {
	var args fsArgs
	if err := json.Unmarshal(req.Args, &args); err != nil || args.Path == "" {
		return errResponse(api.ErrorKindValidation, "path is required")
	}
	full, err := s.resolve(args.Path)
	if err != nil {
		return errResponse(api.ErrorKindValidation, err.Error())
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return errResponse(api.ErrorKindToolExecution, err.Error())
	}
	output, _ := json.Marshal(map[string]string{
		"content": base64.StdEncoding.EncodeToString(data),
	})
	return control.CallResponse{Output: output}
}

func (s *controlServer) fsList(req control.CallRequest) control.CallResponse {
	var args fsArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errResponse(api.ErrorKindValidation, "invalid arguments: "+err.Error())
		}
	}
	full, err := s.resolve(args.Path)
	if err != nil {
		return errResponse(api.ErrorKindValidation, err.Error())
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return errResponse(api.ErrorKindToolExecution, err.Error())
	}
	type entry struct {
		Name string `json:"name"`
		Dir  bool   `json:"dir"`
		Size int64  `json:"size"`
	}
	list := make([]entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil && !e.IsDir() {
			size = info.Size()
		}
		list = append(list, entry{Name: e.Name(), Dir: e.IsDir(), Size: size})
	}
	output, _ := json.Marshal(map[string]any{"entries": list})
	return control.CallResponse{Output: output}
}

// collectOutputFiles reads files from the output directory, encodes
// them as base64, and empties the directory so repeated calls only
// report fresh output.
func collectOutputFiles(outputDir string) map[string]string {
	files := make(map[string]string)
	filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return nil
		}
		files[filepath.ToSlash(rel)] = base64.StdEncoding.EncodeToString(content)
		os.Remove(path)
		return nil
	})

	if len(files) == 0 {
		return nil
	}
	return files
}

// --- Health handler ---

func (s *controlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(control.HealthResponse{
		Status: "healthy",
		Mode:   "container",
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// --- Helpers ---

func errResponse(kind api.ErrorKind, message string) control.CallResponse {
	return control.CallResponse{Error: &control.CallError{Kind: string(kind), Message: message}}
}

func writeCallError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(control.CallResponse{
		Error: &control.CallError{Kind: kind, Message: message},
	})
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}
