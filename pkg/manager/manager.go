// Package manager multiplexes sandbox instances across sessions and
// users. It enforces at most one live instance per (session, user, type)
// key, collapses concurrent provisioning for the same key into a single
// backend create, persists artifacts produced by tool calls, and runs a
// background reaper that releases idle sandboxes.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/debug"
	"github.com/sandkasten-dev/sandkasten/pkg/observability"
	"github.com/sandkasten-dev/sandkasten/pkg/registry"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox"
	"github.com/sandkasten-dev/sandkasten/pkg/storage"
)

// DefaultReaperInterval is how often the reaper sweeps when the options
// leave the interval unset.
const DefaultReaperInterval = 30 * time.Second

// Options configures a Manager.
type Options struct {
	// Store persists artifact files produced by tool calls. Nil disables
	// persistence; files are still returned inline.
	Store storage.ArtifactStore

	// ReaperInterval is the sweep period of the idle reaper. Zero means
	// DefaultReaperInterval; negative disables the reaper.
	ReaperInterval time.Duration
}

// record is the tracked state of one provisioned sandbox. Tool calls
// against the same record are serialized through mu; released is the
// terminal flag flipped exactly once by explicit release or the reaper.
type record struct {
	mu sync.Mutex

	sandboxID string
	key       api.SandboxKey
	typeMeta  api.SandboxType
	envKey    string
	sb        sandbox.Sandbox
	createdAt time.Time

	released atomic.Bool
	errored  atomic.Bool
	lastUsed atomic.Int64
}

// status derives the externally visible lifecycle state. Released is
// terminal and wins over a failed health probe.
func (r *record) status() api.SandboxStatus {
	if r.released.Load() {
		return api.StatusReleased
	}
	if r.errored.Load() {
		return api.StatusErrored
	}
	return api.StatusRunning
}

// touch advances lastUsed to now, never moving it backwards.
func (r *record) touch() {
	now := time.Now().UnixNano()
	for {
		prev := r.lastUsed.Load()
		if prev >= now || r.lastUsed.CompareAndSwap(prev, now) {
			return
		}
	}
}

// idleSince reports the last-used instant.
func (r *record) idleSince() time.Time {
	return time.Unix(0, r.lastUsed.Load())
}

func (r *record) descriptor() api.HandleDescriptor {
	return api.HandleDescriptor{
		SandboxID: r.sandboxID,
		Type:      r.key.Type,
		Status:    r.status(),
		Tools:     r.sb.Tools(),
	}
}

// inflight is the single-flight slot registered while one caller
// provisions a key. Later callers for the same key wait on done and
// share rec/err instead of triggering a second create.
type inflight struct {
	done chan struct{}
	rec  *record
	err  error
}

// Manager owns the key to record map and the lifecycle of every
// sandbox it provisions.
type Manager struct {
	reg   *registry.Registry
	store storage.ArtifactStore

	mu       sync.Mutex
	byKey    map[api.SandboxKey]*record
	byID     map[string]*record
	inflight map[api.SandboxKey]*inflight

	reaperInterval time.Duration
	stopReaper     chan struct{}
	reaperDone     chan struct{}
	started        atomic.Bool
}

// New builds a Manager resolving types through reg.
func New(reg *registry.Registry, opts Options) *Manager {
	interval := opts.ReaperInterval
	if interval == 0 {
		interval = DefaultReaperInterval
	}
	return &Manager{
		reg:            reg,
		store:          opts.Store,
		byKey:          make(map[api.SandboxKey]*record),
		byID:           make(map[string]*record),
		inflight:       make(map[api.SandboxKey]*inflight),
		reaperInterval: interval,
	}
}

// Start launches the reaper. Safe to call once.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	if m.reaperInterval < 0 {
		return
	}
	m.stopReaper = make(chan struct{})
	m.reaperDone = make(chan struct{})
	go m.reapLoop()
}

// Stop halts the reaper and releases every record the manager still
// tracks. It blocks until the reaper has exited.
func (m *Manager) Stop(ctx context.Context) {
	if m.started.Load() && m.stopReaper != nil {
		close(m.stopReaper)
		<-m.reaperDone
		m.stopReaper = nil
	}

	m.mu.Lock()
	records := make([]*record, 0, len(m.byKey))
	for _, rec := range m.byKey {
		records = append(records, rec)
	}
	m.byKey = make(map[api.SandboxKey]*record)
	m.byID = make(map[string]*record)
	m.mu.Unlock()

	for _, rec := range records {
		m.releaseRecord(ctx, rec, "shutdown")
	}
}

// Types lists the registered sandbox types in registration order.
func (m *Manager) Types() []api.SandboxType {
	return m.reg.Types()
}

// Healthy reports whether the manager and its artifact store are
// operational. It never returns an error; any failure reads as false.
func (m *Manager) Healthy(ctx context.Context) bool {
	if m.store != nil {
		if err := m.store.HealthCheck(ctx); err != nil {
			slog.Warn("artifact store unhealthy", "error", err.Error())
			return false
		}
	}
	return true
}

// Records snapshots every sandbox the manager tracks, including keys
// whose provisioning is still in flight (reported as Creating with no
// id yet). The snapshot is sorted by key for stable listings.
func (m *Manager) Records() []api.SandboxRecord {
	m.mu.Lock()
	records := make([]api.SandboxRecord, 0, len(m.byID)+len(m.inflight))
	for _, rec := range m.byID {
		records = append(records, api.SandboxRecord{
			SandboxID:  rec.sandboxID,
			Key:        rec.key,
			Status:     rec.status(),
			Endpoint:   rec.sb.Endpoint(),
			CreatedAt:  rec.createdAt,
			LastUsedAt: rec.idleSince(),
		})
	}
	for key := range m.inflight {
		records = append(records, api.SandboxRecord{Key: key, Status: api.StatusCreating})
	}
	m.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key.String() < records[j].Key.String()
	})
	return records
}

// Connect returns one handle per requested type in request order,
// provisioning any type that has no live instance under the caller's
// key. Concurrent connects for the same key share a single create.
func (m *Manager) Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	if req.SessionID == "" || req.UserID == "" {
		return nil, api.NewValidationError("session_id and user_id are required")
	}
	if !validOwnerID(req.SessionID) {
		return nil, api.NewValidationError("session_id %q contains path characters", req.SessionID)
	}
	if !validOwnerID(req.UserID) {
		return nil, api.NewValidationError("user_id %q contains path characters", req.UserID)
	}
	if len(req.Types) == 0 {
		return nil, api.NewValidationError("at least one sandbox type is required")
	}

	resp := &api.ConnectResponse{Sandboxes: make([]api.HandleDescriptor, 0, len(req.Types))}
	for _, typeID := range req.Types {
		key := api.SandboxKey{SessionID: req.SessionID, UserID: req.UserID, Type: typeID}
		rec, err := m.acquire(ctx, key, req.Env)
		if err != nil {
			return nil, err
		}
		resp.Sandboxes = append(resp.Sandboxes, rec.descriptor())
	}
	return resp, nil
}

// acquire returns the live record for key, reusing a healthy existing
// instance or provisioning a new one. The provisioning slot is
// registered under the map lock but the backend create runs outside it,
// so one key's slow create never blocks lookups for other keys.
func (m *Manager) acquire(ctx context.Context, key api.SandboxKey, env map[string]string) (*record, error) {
	for {
		m.mu.Lock()

		if fl, ok := m.inflight[key]; ok {
			m.mu.Unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, api.NewTimeoutError("waiting for in-flight provisioning of %s: %v", key, ctx.Err())
			}
			if fl.err != nil {
				return nil, fl.err
			}
			// A concurrent release may have retired the shared record
			// between creation and this caller's wakeup.
			if fl.rec.released.Load() {
				continue
			}
			fl.rec.touch()
			return fl.rec, nil
		}

		if rec, ok := m.byKey[key]; ok {
			m.mu.Unlock()
			if rec.envKey != envFingerprint(rec.typeMeta.Env, env) {
				return nil, api.NewProvisionError("sandbox %s for %s is already running with a different configuration; release it before reconnecting", rec.sandboxID, key)
			}
			if rec.sb.Health(ctx) {
				rec.errored.Store(false)
				rec.touch()
				return rec, nil
			}
			rec.errored.Store(true)
			slog.Warn("replacing unhealthy sandbox", "sandbox_id", rec.sandboxID, "key", key.String())
			m.retire(rec)
			m.releaseRecord(ctx, rec, "unhealthy")
			continue
		}

		fl := &inflight{done: make(chan struct{})}
		m.inflight[key] = fl
		m.mu.Unlock()

		rec, err := m.provision(ctx, key, env)

		m.mu.Lock()
		delete(m.inflight, key)
		if err == nil {
			m.byKey[key] = rec
			m.byID[rec.sandboxID] = rec
		}
		m.mu.Unlock()

		fl.rec, fl.err = rec, err
		close(fl.done)
		return rec, err
	}
}

// provision resolves the type, instantiates a sandbox, and runs the
// backend create bounded by the type's default timeout.
func (m *Manager) provision(ctx context.Context, key api.SandboxKey, env map[string]string) (*record, error) {
	factory, meta, err := m.reg.Resolve(key.Type)
	if err != nil {
		return nil, err
	}

	sb := factory()
	cfg := sandbox.Config{
		SandboxID: api.NewSandboxID(),
		Type:      meta,
		Env:       sandbox.MergeEnv(meta.Env, env),
	}
	debug.Log("manager", "provisioning sandbox", "sandbox_id", cfg.SandboxID, "key", key.String())

	createCtx := ctx
	if meta.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(ctx, meta.DefaultTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := sb.Create(createCtx, cfg); err != nil {
		observability.ProvisionsTotal.WithLabelValues(key.Type, "error").Inc()
		return nil, provisionFailure(createCtx, key, err)
	}
	observability.ProvisionsTotal.WithLabelValues(key.Type, "ok").Inc()
	observability.ProvisionDuration.WithLabelValues(key.Type).Observe(time.Since(start).Seconds())
	observability.SandboxesActive.WithLabelValues(key.Type).Inc()

	rec := &record{
		sandboxID: cfg.SandboxID,
		key:       key,
		typeMeta:  meta,
		envKey:    envFingerprint(meta.Env, env),
		sb:        sb,
		createdAt: time.Now(),
	}
	rec.touch()

	slog.Info("sandbox provisioned",
		"sandbox_id", cfg.SandboxID,
		"key", key.String(),
		"type", key.Type,
		"endpoint", sb.Endpoint(),
		"duration", time.Since(start),
	)
	return rec, nil
}

// CallTool dispatches one tool invocation against a sandbox by id.
// Arguments are validated before the backend is touched; produced files
// are persisted through the artifact store when one is configured.
func (m *Manager) CallTool(ctx context.Context, sandboxID, name string, args json.RawMessage) (*api.ToolResult, error) {
	rec, err := m.record(sandboxID)
	if err != nil {
		return nil, err
	}
	if rec.released.Load() {
		return nil, api.NewReleasedError(sandboxID)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.released.Load() {
		return nil, api.NewReleasedError(sandboxID)
	}
	if err := sandbox.ValidateArgs(rec.sb, rec.key.Type, name, args); err != nil {
		return nil, err
	}
	if debug.Enabled("manager") {
		debug.Log("manager", "dispatching tool", "sandbox_id", sandboxID, "tool", name, "args", debug.Truncate(string(args), 512))
	}

	callCtx := ctx
	if rec.typeMeta.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, rec.typeMeta.DefaultTimeout)
		defer cancel()
	}

	result, err := rec.sb.CallTool(callCtx, name, args)
	if err != nil {
		observability.ToolCallsTotal.WithLabelValues(rec.key.Type, name, "error").Inc()
		if isDeadline(callCtx, err) {
			return nil, api.NewTimeoutError("tool %q on sandbox %s: %v", name, sandboxID, err)
		}
		if apiErr := new(api.Error); errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, api.NewToolExecutionError("tool %q on sandbox %s: %v", name, sandboxID, err)
	}

	observability.ToolCallsTotal.WithLabelValues(rec.key.Type, name, "ok").Inc()
	rec.touch()
	m.persistArtifacts(ctx, rec, result)
	return result, nil
}

// HealthSandbox probes a single sandbox. Unknown or released ids read
// as false. A failed probe flips the record to Errored until a later
// probe or reconnect finds the backend healthy again.
func (m *Manager) HealthSandbox(ctx context.Context, sandboxID string) bool {
	rec, err := m.record(sandboxID)
	if err != nil || rec.released.Load() {
		return false
	}
	if !rec.sb.Health(ctx) {
		rec.errored.Store(true)
		return false
	}
	rec.errored.Store(false)
	rec.touch()
	return true
}

// ReleaseSandbox releases one sandbox by id. It reports whether a live
// record was actually retired; unknown or already released ids are a
// no-op.
func (m *Manager) ReleaseSandbox(ctx context.Context, sandboxID string) bool {
	m.mu.Lock()
	rec, ok := m.byID[sandboxID]
	if ok {
		delete(m.byID, sandboxID)
		delete(m.byKey, rec.key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	return m.releaseRecord(ctx, rec, "explicit")
}

// Release retires every record under the (session, user) prefix, or
// only the given type when typeID is non-empty. Missing keys are a
// no-op. It returns the number of records retired.
func (m *Manager) Release(ctx context.Context, sessionID, userID, typeID string) int {
	m.mu.Lock()
	var matched []*record
	for key, rec := range m.byKey {
		if key.SessionID != sessionID || key.UserID != userID {
			continue
		}
		if typeID != "" && key.Type != typeID {
			continue
		}
		matched = append(matched, rec)
		delete(m.byKey, key)
		delete(m.byID, rec.sandboxID)
	}
	m.mu.Unlock()

	released := 0
	for _, rec := range matched {
		if m.releaseRecord(ctx, rec, "explicit") {
			released++
		}
	}
	return released
}

// retire removes a record from both lookup maps if it is still the one
// registered for its key.
func (m *Manager) retire(rec *record) {
	m.mu.Lock()
	if cur, ok := m.byKey[rec.key]; ok && cur == rec {
		delete(m.byKey, rec.key)
	}
	if cur, ok := m.byID[rec.sandboxID]; ok && cur == rec {
		delete(m.byID, rec.sandboxID)
	}
	m.mu.Unlock()
}

// releaseRecord flips the record to Released exactly once and tears
// down the backend. Repeat calls and races with the reaper are no-ops.
func (m *Manager) releaseRecord(ctx context.Context, rec *record, reason string) bool {
	if !rec.released.CompareAndSwap(false, true) {
		return false
	}
	observability.SandboxesActive.WithLabelValues(rec.key.Type).Dec()
	rec.sb.Release(ctx)
	slog.Info("sandbox released",
		"sandbox_id", rec.sandboxID,
		"key", rec.key.String(),
		"reason", reason,
	)
	return true
}

// persistArtifacts writes the result's files through the artifact store
// and attaches their references. Persistence failures are logged, not
// propagated; the files stay available inline either way.
func (m *Manager) persistArtifacts(ctx context.Context, rec *record, result *api.ToolResult) {
	if m.store == nil || result == nil || len(result.Files) == 0 {
		return
	}
	paths := make([]string, 0, len(result.Files))
	for p := range result.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		ref, err := m.store.Put(ctx, rec.key, rec.sandboxID, p, result.Files[p])
		if err != nil {
			observability.ArtifactsStoredTotal.WithLabelValues("error").Inc()
			slog.Warn("failed to persist artifact",
				"sandbox_id", rec.sandboxID,
				"path", p,
				"error", err.Error(),
			)
			continue
		}
		observability.ArtifactsStoredTotal.WithLabelValues("ok").Inc()
		result.Artifacts = append(result.Artifacts, ref)
	}
}

// record looks up a live or released record by sandbox id.
func (m *Manager) record(sandboxID string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[sandboxID]
	if !ok {
		return nil, api.NewReleasedError(sandboxID)
	}
	return rec, nil
}

// isDeadline reports whether err stems from the bounded call context
// expiring rather than the parent being cancelled.
func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil
}

// provisionFailure maps a create error into the taxonomy, preserving
// typed errors and classifying timeouts.
func provisionFailure(ctx context.Context, key api.SandboxKey, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return api.NewTimeoutError("provisioning %s: %v", key, err)
	}
	if apiErr := new(api.Error); errors.As(err, &apiErr) {
		return apiErr
	}
	return api.NewProvisionError("provisioning %s: %v", key, err)
}

// validOwnerID reports whether a caller-supplied identifier is safe to
// use in artifact addresses. Separators and traversal segments would
// let one caller write into another owner's storage prefix.
func validOwnerID(id string) bool {
	return id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// envFingerprint canonicalizes the merged environment so records can
// detect a reconnect that asks for a different configuration.
func envFingerprint(template, overrides map[string]string) string {
	merged := sandbox.MergeEnv(template, overrides)
	if len(merged) == 0 {
		return ""
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x00')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(merged[k])
	}
	return b.String()
}
