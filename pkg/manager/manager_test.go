package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/registry"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/sandboxtest"
	"github.com/sandkasten-dev/sandkasten/pkg/storage/memory"
)

var echoTool = api.ToolDescriptor{
	Name:        "echo",
	Description: "echoes its arguments",
}

func testType(timeout time.Duration) api.SandboxType {
	return api.SandboxType{
		TypeID:         "shell",
		Image:          "shell:latest",
		SecurityLevel:  api.SecurityLevelMedium,
		DefaultTimeout: timeout,
	}
}

// newTestManager wires a registry with one fake-backed type and returns
// the manager plus the shared backend counter.
func newTestManager(t *testing.T, fake *sandboxtest.Fake, opts Options) (*Manager, *sandboxtest.Counter) {
	t.Helper()
	reg := registry.New()
	counter := &sandboxtest.Counter{}
	if err := reg.Register(testType(5*time.Second), fake.Factory(counter)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if opts.ReaperInterval == 0 {
		opts.ReaperInterval = -1
	}
	m := New(reg, opts)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m, counter
}

func connectReq(types ...string) api.ConnectRequest {
	return api.ConnectRequest{SessionID: "s1", UserID: "u1", Types: types}
}

func TestConnectProvisionsOnce(t *testing.T) {
	m, counter := newTestManager(t, sandboxtest.New(echoTool), Options{})

	first, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	second, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if got, want := first.Sandboxes[0].SandboxID, second.Sandboxes[0].SandboxID; got != want {
		t.Errorf("sandbox ids differ across reconnect: %q vs %q", got, want)
	}
	if n := counter.Creates.Load(); n != 1 {
		t.Errorf("creates = %d, want 1", n)
	}
	if got := first.Sandboxes[0].Status; got != api.StatusRunning {
		t.Errorf("status = %q, want %q", got, api.StatusRunning)
	}
	if len(first.Sandboxes[0].Tools) != 1 || first.Sandboxes[0].Tools[0].Name != "echo" {
		t.Errorf("handle tools = %+v, want the echo descriptor", first.Sandboxes[0].Tools)
	}
}

func TestConcurrentConnectsSingleCreate(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	fake.CreateDelay = 100 * time.Millisecond
	m, counter := newTestManager(t, fake, Options{})

	const n = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			resp, err := m.Connect(context.Background(), connectReq("shell"))
			errs[idx] = err
			if err == nil {
				ids[idx] = resp.Sandboxes[0].SandboxID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: connect failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("goroutine %d: sandbox id %q, want %q", i, ids[i], ids[0])
		}
	}
	if got := counter.Creates.Load(); got != 1 {
		t.Errorf("creates = %d, want exactly 1", got)
	}
}

func TestConcurrentConnectsDifferentKeysProceed(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	fake.CreateDelay = 50 * time.Millisecond
	m, counter := newTestManager(t, fake, Options{})

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2", "u3"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			req := api.ConnectRequest{SessionID: "s1", UserID: u, Types: []string{"shell"}}
			if _, err := m.Connect(context.Background(), req); err != nil {
				t.Errorf("connect %s: %v", u, err)
			}
		}(user)
	}
	wg.Wait()

	if got := counter.Creates.Load(); got != 3 {
		t.Errorf("creates = %d, want 3 (one per key)", got)
	}
}

func TestConnectProvisionErrorSharedByWaiters(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	fake.CreateDelay = 200 * time.Millisecond
	fake.CreateErr = errors.New("engine unreachable")
	m, counter := newTestManager(t, fake, Options{})

	const n = 4
	start := make(chan struct{})
	var wg sync.WaitGroup
	kinds := make([]api.ErrorKind, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			_, err := m.Connect(context.Background(), connectReq("shell"))
			kinds[idx] = api.KindOf(err)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, kind := range kinds {
		if kind != api.ErrorKindProvision {
			t.Errorf("goroutine %d: error kind = %q, want %q", i, kind, api.ErrorKindProvision)
		}
	}
	if got := counter.Creates.Load(); got != 1 {
		t.Errorf("creates = %d, want 1 shared failure", got)
	}
}

func TestConnectUnknownType(t *testing.T) {
	m, _ := newTestManager(t, sandboxtest.New(echoTool), Options{})

	_, err := m.Connect(context.Background(), connectReq("mobile"))
	if kind := api.KindOf(err); kind != api.ErrorKindUnknownSandboxType {
		t.Errorf("error kind = %q, want %q", kind, api.ErrorKindUnknownSandboxType)
	}
}

func TestConnectValidatesIdentity(t *testing.T) {
	m, _ := newTestManager(t, sandboxtest.New(echoTool), Options{})

	_, err := m.Connect(context.Background(), api.ConnectRequest{Types: []string{"shell"}})
	if kind := api.KindOf(err); kind != api.ErrorKindValidation {
		t.Errorf("error kind = %q, want %q", kind, api.ErrorKindValidation)
	}

	_, err = m.Connect(context.Background(), api.ConnectRequest{SessionID: "s1", UserID: "u1"})
	if kind := api.KindOf(err); kind != api.ErrorKindValidation {
		t.Errorf("error kind = %q, want %q", kind, api.ErrorKindValidation)
	}
}

func TestConnectRejectsPathCharactersInIdentity(t *testing.T) {
	m, counter := newTestManager(t, sandboxtest.New(echoTool), Options{})

	// Owner ids end up in artifact addresses, so traversal segments and
	// separators must be refused before any sandbox is provisioned.
	for _, req := range []api.ConnectRequest{
		{SessionID: "../outside", UserID: "u1", Types: []string{"shell"}},
		{SessionID: "s1", UserID: "a/b", Types: []string{"shell"}},
		{SessionID: `s1\..`, UserID: "u1", Types: []string{"shell"}},
		{SessionID: "..", UserID: "u1", Types: []string{"shell"}},
	} {
		_, err := m.Connect(context.Background(), req)
		if kind := api.KindOf(err); kind != api.ErrorKindValidation {
			t.Errorf("session %q user %q: error kind = %q, want %q",
				req.SessionID, req.UserID, kind, api.ErrorKindValidation)
		}
	}
	if n := counter.Creates.Load(); n != 0 {
		t.Errorf("creates = %d, want 0", n)
	}
}

func TestRecordsSnapshot(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	m, _ := newTestManager(t, fake, Options{})

	resp, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := resp.Sandboxes[0].SandboxID

	records := m.Records()
	if len(records) != 1 {
		t.Fatalf("records = %+v, want 1 entry", records)
	}
	got := records[0]
	if got.SandboxID != id || got.Status != api.StatusRunning {
		t.Errorf("record = %+v, want id %s running", got, id)
	}
	if got.Key != (api.SandboxKey{SessionID: "s1", UserID: "u1", Type: "shell"}) {
		t.Errorf("key = %+v", got.Key)
	}
	if got.Endpoint == "" || got.CreatedAt.IsZero() || got.LastUsedAt.IsZero() {
		t.Errorf("record missing endpoint or timestamps: %+v", got)
	}

	if !m.ReleaseSandbox(context.Background(), id) {
		t.Fatal("release failed")
	}
	if records := m.Records(); len(records) != 0 {
		t.Errorf("records after release = %+v, want none", records)
	}
}

func TestRecordsReportsCreating(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	fake.CreateDelay = 200 * time.Millisecond
	m, _ := newTestManager(t, fake, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := m.Connect(context.Background(), connectReq("shell")); err != nil {
			t.Errorf("connect: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	sawCreating := false
	for time.Now().Before(deadline) {
		for _, rec := range m.Records() {
			if rec.Status == api.StatusCreating {
				sawCreating = true
				if rec.SandboxID != "" {
					t.Errorf("creating record carries an id: %+v", rec)
				}
			}
		}
		if sawCreating {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	<-done

	if !sawCreating {
		t.Error("never observed a creating record during provisioning")
	}
	records := m.Records()
	if len(records) != 1 || records[0].Status != api.StatusRunning {
		t.Errorf("records after connect = %+v, want one running", records)
	}
}

func TestFailedHealthProbeMarksErrored(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	m, _ := newTestManager(t, fake, Options{})

	resp, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := resp.Sandboxes[0].SandboxID

	fake.Unhealthy.Store(true)
	if m.HealthSandbox(context.Background(), id) {
		t.Fatal("health probe succeeded against an unhealthy backend")
	}
	if records := m.Records(); len(records) != 1 || records[0].Status != api.StatusErrored {
		t.Errorf("records = %+v, want one errored", records)
	}

	// A recovered backend clears the flag on the next probe.
	fake.Unhealthy.Store(false)
	if !m.HealthSandbox(context.Background(), id) {
		t.Fatal("health probe failed against a recovered backend")
	}
	if records := m.Records(); len(records) != 1 || records[0].Status != api.StatusRunning {
		t.Errorf("records = %+v, want one running", records)
	}
}

func TestConnectRejectsReconfiguration(t *testing.T) {
	m, counter := newTestManager(t, sandboxtest.New(echoTool), Options{})

	if _, err := m.Connect(context.Background(), connectReq("shell")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	req := connectReq("shell")
	req.Env = map[string]string{"DEBUG": "1"}
	_, err := m.Connect(context.Background(), req)
	if kind := api.KindOf(err); kind != api.ErrorKindProvision {
		t.Errorf("error kind = %q, want %q", kind, api.ErrorKindProvision)
	}
	if got := counter.Creates.Load(); got != 1 {
		t.Errorf("creates = %d, want 1 (no silent reconfiguration)", got)
	}
}

func TestConnectReplacesUnhealthySandbox(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	m, counter := newTestManager(t, fake, Options{})

	first, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	fake.Unhealthy.Store(true)
	second, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	if got, want := second.Sandboxes[0].SandboxID, first.Sandboxes[0].SandboxID; got == want {
		t.Errorf("unhealthy sandbox %q was reused instead of replaced", got)
	}
	if got := counter.Creates.Load(); got != 2 {
		t.Errorf("creates = %d, want 2", got)
	}
	if got := counter.Releases.Load(); got != 1 {
		t.Errorf("releases = %d, want 1 (the unhealthy instance)", got)
	}
}

func TestCallToolDispatchAndTouch(t *testing.T) {
	m, counter := newTestManager(t, sandboxtest.New(echoTool), Options{})

	resp, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := resp.Sandboxes[0].SandboxID

	result, err := m.CallTool(context.Background(), id, "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if string(result.Output) != `{"ok":true}` {
		t.Errorf("output = %s, want {\"ok\":true}", result.Output)
	}
	if got := counter.Calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestCallToolUnknownTool(t *testing.T) {
	m, counter := newTestManager(t, sandboxtest.New(echoTool), Options{})

	resp, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := resp.Sandboxes[0].SandboxID

	_, err = m.CallTool(context.Background(), id, "nonexistent_tool", json.RawMessage(`{}`))
	if kind := api.KindOf(err); kind != api.ErrorKindToolNotFound {
		t.Errorf("error kind = %q, want %q", kind, api.ErrorKindToolNotFound)
	}
	if got := counter.Calls.Load(); got != 0 {
		t.Errorf("backend calls = %d, want 0 (validation runs first)", got)
	}

	// The record is untouched: a follow-up call on a known tool works.
	if _, err := m.CallTool(context.Background(), id, "echo", nil); err != nil {
		t.Errorf("echo after failed lookup: %v", err)
	}
}

func TestCallToolAfterReleaseFailsFast(t *testing.T) {
	m, _ := newTestManager(t, sandboxtest.New(echoTool), Options{})

	resp, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := resp.Sandboxes[0].SandboxID

	if !m.ReleaseSandbox(context.Background(), id) {
		t.Fatal("release reported no record retired")
	}

	_, err = m.CallTool(context.Background(), id, "echo", nil)
	if kind := api.KindOf(err); kind != api.ErrorKindReleased {
		t.Errorf("error kind = %q, want %q", kind, api.ErrorKindReleased)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m, counter := newTestManager(t, sandboxtest.New(echoTool), Options{})

	if _, err := m.Connect(context.Background(), connectReq("shell")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if got := m.Release(context.Background(), "s1", "u1", "shell"); got != 1 {
		t.Errorf("first release = %d, want 1", got)
	}
	if got := m.Release(context.Background(), "s1", "u1", "shell"); got != 0 {
		t.Errorf("second release = %d, want 0", got)
	}
	if got := counter.Releases.Load(); got != 1 {
		t.Errorf("backend releases = %d, want 1", got)
	}
}

func TestReleasePrefix(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	reg := registry.New()
	counter := &sandboxtest.Counter{}
	shell := testType(5 * time.Second)
	browser := shell
	browser.TypeID = "browser"
	if err := reg.Register(shell, fake.Factory(counter)); err != nil {
		t.Fatalf("register shell: %v", err)
	}
	if err := reg.Register(browser, fake.Factory(counter)); err != nil {
		t.Fatalf("register browser: %v", err)
	}
	m := New(reg, Options{ReaperInterval: -1})
	t.Cleanup(func() { m.Stop(context.Background()) })

	if _, err := m.Connect(context.Background(), connectReq("shell", "browser")); err != nil {
		t.Fatalf("connect u1: %v", err)
	}
	other := api.ConnectRequest{SessionID: "s1", UserID: "u2", Types: []string{"shell"}}
	if _, err := m.Connect(context.Background(), other); err != nil {
		t.Fatalf("connect u2: %v", err)
	}

	if got := m.Release(context.Background(), "s1", "u1", ""); got != 2 {
		t.Errorf("prefix release = %d, want 2", got)
	}
	// The other user's sandbox survives.
	if got := m.Release(context.Background(), "s1", "u2", ""); got != 1 {
		t.Errorf("release u2 = %d, want 1", got)
	}
}

func TestReleaseUnknownSandboxNoop(t *testing.T) {
	m, _ := newTestManager(t, sandboxtest.New(echoTool), Options{})

	if m.ReleaseSandbox(context.Background(), "sbx_doesnotexist") {
		t.Error("releasing an unknown sandbox reported a retired record")
	}
	if got := m.Release(context.Background(), "nope", "nope", ""); got != 0 {
		t.Errorf("prefix release on empty manager = %d, want 0", got)
	}
}

func TestConcurrentReleaseSingleTeardown(t *testing.T) {
	m, counter := newTestManager(t, sandboxtest.New(echoTool), Options{})

	resp, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := resp.Sandboxes[0].SandboxID

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ReleaseSandbox(context.Background(), id)
		}()
	}
	wg.Wait()

	if got := counter.Releases.Load(); got != 1 {
		t.Errorf("backend releases = %d, want exactly 1", got)
	}
}

func TestArtifactPersistence(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	fake.Files = map[string][]byte{
		"out/report.txt": []byte("done"),
		"shot.png":       []byte{0x89, 0x50},
	}
	store := memory.New()
	m, _ := newTestManager(t, fake, Options{Store: store})

	resp, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := resp.Sandboxes[0].SandboxID

	result, err := m.CallTool(context.Background(), id, "echo", nil)
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(result.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(result.Artifacts))
	}
	for _, ref := range result.Artifacts {
		if ref.SandboxID != id {
			t.Errorf("artifact sandbox id = %q, want %q", ref.SandboxID, id)
		}
		if ref.Location == "" {
			t.Errorf("artifact %q has no location", ref.Path)
		}
	}

	key := api.SandboxKey{SessionID: "s1", UserID: "u1", Type: "shell"}
	data, err := store.Get(context.Background(), key, id, "out/report.txt")
	if err != nil {
		t.Fatalf("stored artifact not found: %v", err)
	}
	if string(data) != "done" {
		t.Errorf("stored artifact = %q, want %q", data, "done")
	}
}

func TestHealthSandbox(t *testing.T) {
	m, _ := newTestManager(t, sandboxtest.New(echoTool), Options{})

	if m.HealthSandbox(context.Background(), "sbx_missing") {
		t.Error("unknown sandbox reported healthy")
	}

	resp, err := m.Connect(context.Background(), connectReq("shell"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	id := resp.Sandboxes[0].SandboxID

	if !m.HealthSandbox(context.Background(), id) {
		t.Error("running sandbox reported unhealthy")
	}

	m.ReleaseSandbox(context.Background(), id)
	if m.HealthSandbox(context.Background(), id) {
		t.Error("released sandbox reported healthy")
	}
}

func TestManagerHealthy(t *testing.T) {
	m, _ := newTestManager(t, sandboxtest.New(echoTool), Options{Store: memory.New()})

	if !m.Healthy(context.Background()) {
		t.Error("manager with a healthy store reported unhealthy")
	}
}

func TestStopReleasesEverything(t *testing.T) {
	fake := sandboxtest.New(echoTool)
	m, counter := newTestManager(t, fake, Options{})

	if _, err := m.Connect(context.Background(), connectReq("shell")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	other := api.ConnectRequest{SessionID: "s2", UserID: "u9", Types: []string{"shell"}}
	if _, err := m.Connect(context.Background(), other); err != nil {
		t.Fatalf("connect other: %v", err)
	}

	m.Stop(context.Background())

	if got := counter.Releases.Load(); got != 2 {
		t.Errorf("backend releases after stop = %d, want 2", got)
	}
}
