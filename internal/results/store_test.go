package results

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreTrimsOversizedLog(t *testing.T) {
	s := openTestStore(t)
	key := Key{Kind: "test", Name: "integ", Version: "v-abc123", Namespace: "demo"}

	budget := 1024 * 1024
	big := strings.Repeat("x", 2*1024*1024)
	rec, err := s.Store(context.Background(), key, Result{
		Log:         big,
		Success:     true,
		StartedAt:   time.Now().Add(-time.Minute),
		CompletedAt: time.Now(),
	}, budget)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(rec.Log) > budget {
		t.Fatalf("stored log %d bytes exceeds budget %d", len(rec.Log), budget)
	}
	if !rec.Truncated || !strings.Contains(rec.Log, "truncated") {
		t.Fatal("trimmed log must carry a truncation marker")
	}

	got, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Log) != len(rec.Log) {
		t.Fatalf("round-trip length mismatch: stored %d, got %d", len(rec.Log), len(got.Log))
	}
}

func TestStoreOverwritesSameKey(t *testing.T) {
	s := openTestStore(t)
	key := Key{Kind: "run", Name: "migrate", Version: "v1", Namespace: "demo"}

	if _, err := s.Store(context.Background(), key, Result{Log: "first", Success: false, Failure: "command-nonzero-exit", ExitCode: 1}, 0); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if _, err := s.Store(context.Background(), key, Result{Log: "second", Success: true}, 0); err != nil {
		t.Fatalf("second store: %v", err)
	}

	got, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Log != "second" || !got.Success || got.Failure != "" {
		t.Fatalf("expected latest record, got %+v", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), Key{Kind: "run", Name: "nope", Version: "v1", Namespace: "demo"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCacheKeyDeterministicAndDistinct(t *testing.T) {
	a := Key{Kind: "run", Name: "migrate", Version: "v1", Namespace: "demo"}
	if a.CacheKey() != a.CacheKey() {
		t.Fatal("cache key must be deterministic")
	}
	// Field boundaries matter: ("ab","c") must differ from ("a","bc").
	b := Key{Kind: "run", Name: "migrat", Version: "ev1", Namespace: "demo"}
	if a.CacheKey() == b.CacheKey() {
		t.Fatal("distinct identities must produce distinct keys")
	}
	c := a
	c.Namespace = "other"
	if a.CacheKey() == c.CacheKey() {
		t.Fatal("namespace must be part of the key")
	}
}

func TestTrimLog(t *testing.T) {
	log, truncated := TrimLog("short", 100)
	if truncated || log != "short" {
		t.Fatalf("short log must pass through, got %q truncated=%v", log, truncated)
	}

	long := strings.Repeat("a", 500) + "TAIL"
	log, truncated = TrimLog(long, 100)
	if !truncated || len(log) > 100 {
		t.Fatalf("trim failed: %d bytes, truncated=%v", len(log), truncated)
	}
	if !strings.HasSuffix(log, "TAIL") {
		t.Fatal("trimming must keep the tail of the log")
	}

	log, truncated = TrimLog(long, 0)
	if truncated || log != long {
		t.Fatal("budget of zero disables trimming")
	}
}

func TestDeleteAndListKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first := Key{Kind: "run", Name: "a", Version: "v1", Namespace: "demo"}
	second := Key{Kind: "test", Name: "b", Version: "v2", Namespace: "demo"}

	if _, err := s.Store(ctx, first, Result{Log: "one", Success: true}, 0); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := s.Store(ctx, second, Result{Log: "two", Success: true}, 0); err != nil {
		t.Fatalf("store: %v", err)
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}

	if err := s.Delete(ctx, first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted record to be gone, got %v", err)
	}
	// Deleting again is not an error.
	if err := s.Delete(ctx, first); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestExportWritesJSON(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := Key{Kind: "run", Name: "report", Version: "v1", Namespace: "demo"}
	if _, err := s.Store(ctx, key, Result{Log: "hello", Success: true}, 0); err != nil {
		t.Fatalf("store: %v", err)
	}

	path := filepath.Join(t.TempDir(), "export", "report.json")
	if err := s.Export(ctx, key, path); err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(raw), `"apiVersion": "stackrun.dev/cached-result/v1"`) {
		t.Fatalf("export missing api version: %s", raw)
	}
}
