package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/sandkasten-dev/sandkasten/pkg/api"
	"github.com/sandkasten-dev/sandkasten/pkg/storage"
)

var testKey = api.SandboxKey{SessionID: "s1", UserID: "u1", Type: "shell"}

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	ref, err := s.Put(ctx, testKey, "sbx_a", "out/result.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.Location != "mem://s1/u1/sbx_a/out/result.txt" {
		t.Errorf("Location = %q", ref.Location)
	}

	data, err := s.Get(ctx, testKey, "sbx_a", "out/result.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Get = %q", data)
	}
}

func TestGetNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), testKey, "sbx_a", "missing.txt")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestPutRejectsEscapingPath(t *testing.T) {
	s := New()
	_, err := s.Put(context.Background(), testKey, "sbx_a", "../../other", []byte("x"))
	if !errors.Is(err, storage.ErrInvalidPath) {
		t.Errorf("Put error = %v, want ErrInvalidPath", err)
	}
}

func TestListScopedToSandbox(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, p := range []string{"b.txt", "a.txt", "dir/c.txt"} {
		if _, err := s.Put(ctx, testKey, "sbx_a", p, []byte("x")); err != nil {
			t.Fatalf("Put(%s): %v", p, err)
		}
	}
	if _, err := s.Put(ctx, testKey, "sbx_other", "d.txt", []byte("x")); err != nil {
		t.Fatalf("Put other: %v", err)
	}

	paths, err := s.List(ctx, testKey, "sbx_a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a.txt", "b.txt", "dir/c.txt"}
	if len(paths) != len(want) {
		t.Fatalf("List = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Put(ctx, testKey, "sbx_a", "f", []byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, _ := s.Get(ctx, testKey, "sbx_a", "f")
	data[0] = 'X'

	again, _ := s.Get(ctx, testKey, "sbx_a", "f")
	if string(again) != "abc" {
		t.Errorf("stored data mutated through returned slice: %q", again)
	}
}
