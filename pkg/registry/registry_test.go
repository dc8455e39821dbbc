package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/noop"
)

func browserType() api.SandboxType {
	return api.SandboxType{
		TypeID:         "browser",
		Image:          "ghcr.io/sandkasten-dev/browser:1.4",
		SecurityLevel:  api.SecurityLevelHigh,
		DefaultTimeout: 5 * time.Minute,
		Env:            map[string]string{"DISPLAY": ":99"},
		Description:    "Headless browser sandbox",
	}
}

func TestRegisterResolveRoundTrip(t *testing.T) {
	r := New()
	meta := browserType()
	factory := noop.Factory()

	if err := r.Register(meta, factory); err != nil {
		t.Fatalf("Register: %v", err)
	}

	gotFactory, gotMeta, err := r.Resolve("browser")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotMeta.TypeID != meta.TypeID || gotMeta.Image != meta.Image ||
		gotMeta.SecurityLevel != meta.SecurityLevel ||
		gotMeta.DefaultTimeout != meta.DefaultTimeout ||
		gotMeta.Env["DISPLAY"] != ":99" {
		t.Errorf("metadata round-trip mismatch: %+v", gotMeta)
	}
	if gotFactory == nil {
		t.Fatal("Resolve returned nil factory")
	}
	if gotFactory() == nil {
		t.Error("factory produced nil sandbox")
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := New()
	if err := r.Register(browserType(), noop.Factory()); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	err := r.Register(browserType(), noop.Factory())
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != api.ErrorKindDuplicateRegistration {
		t.Fatalf("second Register = %v, want duplicate_registration", err)
	}

	// The first binding must survive.
	_, meta, err := r.Resolve("browser")
	if err != nil || meta.Image != "ghcr.io/sandkasten-dev/browser:1.4" {
		t.Errorf("original binding lost: %+v, %v", meta, err)
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := New()
	_, _, err := r.Resolve("mobile")
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != api.ErrorKindUnknownSandboxType {
		t.Fatalf("Resolve = %v, want unknown_sandbox_type", err)
	}
}

func TestTypesPreservesRegistrationOrder(t *testing.T) {
	r := New()
	ids := []string{"browser", "shell", "filesystem", "mobile"}
	for _, id := range ids {
		meta := browserType()
		meta.TypeID = id
		if err := r.Register(meta, noop.Factory()); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	// Iterate twice: the listing must be re-iterable and stable.
	for range 2 {
		types := r.Types()
		if len(types) != len(ids) {
			t.Fatalf("Types() returned %d entries, want %d", len(types), len(ids))
		}
		for i, id := range ids {
			if types[i].TypeID != id {
				t.Errorf("Types()[%d] = %q, want %q", i, types[i].TypeID, id)
			}
		}
	}
}

func TestConcurrentReads(t *testing.T) {
	r := New()
	if err := r.Register(browserType(), noop.Factory()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, _, err := r.Resolve("browser"); err != nil {
					t.Errorf("Resolve: %v", err)
					return
				}
				if got := len(r.Types()); got != 1 {
					t.Errorf("Types() len = %d", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
