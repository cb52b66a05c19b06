package cache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/pipeflow/graph/cache"
)

const fp = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func stores(t *testing.T) map[string]cache.Store {
	t.Helper()
	fs, err := cache.NewFileStore(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]cache.Store{
		"file":   fs,
		"memory": cache.NewMemStore(),
	}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.Lookup(ctx, fp); err != nil || ok {
				t.Fatalf("Lookup on empty store = %v, %v", ok, err)
			}

			outputs := map[string]any{"sum": 3, "labels": []string{"a", "b"}}
			entry, err := store.Store(ctx, fp, outputs, "")
			if err != nil {
				t.Fatalf("Store: %v", err)
			}
			want := map[string]any{"sum": 3.0, "labels": []any{"a", "b"}}
			if diff := cmp.Diff(want, entry.Outputs); diff != "" {
				t.Errorf("stored outputs mismatch (-want +got):\n%s", diff)
			}

			got, ok, err := store.Lookup(ctx, fp)
			if err != nil || !ok {
				t.Fatalf("Lookup after Store = %v, %v", ok, err)
			}
			if diff := cmp.Diff(want, got.Outputs); diff != "" {
				t.Errorf("looked-up outputs mismatch (-want +got):\n%s", diff)
			}

			// Equal outputs are a no-op.
			if _, err := store.Store(ctx, fp, map[string]any{"labels": []any{"a", "b"}, "sum": 3.0}, ""); err != nil {
				t.Errorf("idempotent Store: %v", err)
			}

			_, err = store.Store(ctx, fp, map[string]any{"sum": 4}, "")
			var inconsistency *cache.CacheInconsistencyError
			if !errors.As(err, &inconsistency) {
				t.Fatalf("Store with different outputs = %v, want CacheInconsistencyError", err)
			}
			if !errors.Is(err, cache.ErrCacheInconsistency) {
				t.Error("errors.Is(err, ErrCacheInconsistency) = false")
			}

			got, _, _ = store.Lookup(ctx, fp)
			if diff := cmp.Diff(want, got.Outputs); diff != "" {
				t.Errorf("inconsistent Store modified the entry (-want +got):\n%s", diff)
			}

			if err := store.Invalidate(ctx, fp); err != nil {
				t.Fatalf("Invalidate: %v", err)
			}
			if _, ok, _ := store.Lookup(ctx, fp); ok {
				t.Error("entry still present after Invalidate")
			}
			if err := store.Invalidate(ctx, fp); err != nil {
				t.Errorf("Invalidate of missing entry: %v", err)
			}
		})
	}
}

func TestStore_RejectsBadFingerprint(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, bad := range []string{"", "../../etc", "ABCDEF0123456789ABCDEF"} {
				if _, _, err := store.Lookup(ctx, bad); !errors.Is(err, cache.ErrInvalidFingerprint) {
					t.Errorf("Lookup(%q) = %v, want ErrInvalidFingerprint", bad, err)
				}
			}
		})
	}
}

func TestFileStore_Artifacts(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "cache")
	store, err := cache.NewFileStore(root)
	if err != nil {
		t.Fatal(err)
	}

	work := t.TempDir()
	out := writeFile(t, filepath.Join(work, "out", "result.txt"), "payload")

	entry, err := store.Store(ctx, fp, map[string]any{"result": out, "note": "/elsewhere/x"}, work)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	wantPath := filepath.Join(root, fp, "artifacts", "out", "result.txt")
	if entry.Outputs["result"] != wantPath {
		t.Errorf("result = %v, want %s", entry.Outputs["result"], wantPath)
	}
	if entry.Outputs["note"] != "/elsewhere/x" {
		t.Errorf("unrelated path was rewritten: %v", entry.Outputs["note"])
	}
	if entry.WorkDir != filepath.Join(root, fp, "artifacts") {
		t.Errorf("WorkDir = %s", entry.WorkDir)
	}

	if err := os.RemoveAll(work); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil || string(data) != "payload" {
		t.Errorf("artifact = %q, %v", data, err)
	}

	if _, err := os.Stat(filepath.Join(root, fp, "manifest.json")); err != nil {
		t.Errorf("manifest missing: %v", err)
	}

	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".staging-") {
			t.Errorf("staging directory left behind: %s", e.Name())
		}
	}
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "cache")

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each writer gets its own store instance, as separate processes would.
			store, err := cache.NewFileStore(root)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = store.Store(ctx, fp, map[string]any{"v": "same"}, "")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("writer %d: %v", i, err)
		}
	}
}
