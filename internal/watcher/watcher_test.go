package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"baagent/internal/config"
	"baagent/internal/memindex"
)

func newTestIndex(t *testing.T) *memindex.Manager {
	t.Helper()
	m, err := memindex.Open(filepath.Join(t.TempDir(), "index"),
		config.RotationConfig{}, config.DefaultMemoryConfig().Search, nil)
	if err != nil {
		t.Fatalf("memindex.Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestWatcherIndexesNewFile(t *testing.T) {
	index := newTestIndex(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", "W: revenue target is 2M\n")

	// Zero debounce: dirty on the first tick, indexed on the second.
	w := New(index, []Root{{Path: dir, Source: "memory"}}, 1, 0)
	ctx := context.Background()
	w.Tick(ctx)
	w.Tick(ctx)

	if w.IndexedCount() != 1 {
		t.Fatalf("indexed %d files, want 1", w.IndexedCount())
	}
	if _, _, ok := index.FileState(path); !ok {
		t.Error("file not tracked by index after watcher pass")
	}

	// A clean file is not reindexed on later ticks.
	w.Tick(ctx)
	w.Tick(ctx)
	if w.IndexedCount() != 1 {
		t.Errorf("clean file reindexed: count %d", w.IndexedCount())
	}
}

func TestWatcherReindexesOnChange(t *testing.T) {
	index := newTestIndex(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", "original content\n")
	ctx := context.Background()

	w := New(index, []Root{{Path: dir, Source: "memory"}}, 1, 0)
	w.Tick(ctx)
	w.Tick(ctx)
	if w.IndexedCount() != 1 {
		t.Fatalf("initial index count %d, want 1", w.IndexedCount())
	}

	// Force a distinct mtime so the dirty check sees the change.
	writeFile(t, dir, "notes.md", "rewritten content entirely\n")
	past := time.Now().Add(-10 * time.Second)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.Tick(ctx)
	w.Tick(ctx)
	if w.IndexedCount() != 2 {
		t.Errorf("changed file not reindexed: count %d", w.IndexedCount())
	}
}

func TestWatcherDebounceHoldsChurningFile(t *testing.T) {
	index := newTestIndex(t)
	dir := t.TempDir()
	writeFile(t, dir, "busy.md", "being written\n")
	ctx := context.Background()

	// An hour of debounce: the file never becomes stable in this test.
	w := New(index, []Root{{Path: dir, Source: "memory"}}, 1, 3600)
	w.Tick(ctx)
	w.Tick(ctx)
	w.Tick(ctx)
	if w.IndexedCount() != 0 {
		t.Errorf("debounced file was indexed %d times", w.IndexedCount())
	}
}

func TestWatcherSkipsNonCorpusFiles(t *testing.T) {
	index := newTestIndex(t)
	dir := t.TempDir()
	writeFile(t, dir, "image.png", "not text")
	if err := os.MkdirAll(filepath.Join(dir, ".index"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(dir, ".index"), "db.md", "inside a dot dir")
	ctx := context.Background()

	w := New(index, []Root{{Path: dir, Source: "memory"}}, 1, 0)
	w.Tick(ctx)
	w.Tick(ctx)
	if w.IndexedCount() != 0 {
		t.Errorf("non-corpus files indexed: count %d", w.IndexedCount())
	}
}

func TestWatcherPerFileErrorsDoNotStopScan(t *testing.T) {
	index := newTestIndex(t)
	dir := t.TempDir()
	// A root that does not exist logs and moves on; the good root still
	// gets indexed.
	good := filepath.Join(dir, "good")
	if err := os.MkdirAll(good, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, good, "ok.md", "survives the bad sibling\n")
	ctx := context.Background()

	w := New(index, []Root{
		{Path: filepath.Join(dir, "missing"), Source: "memory"},
		{Path: good, Source: "memory"},
	}, 1, 0)
	w.Tick(ctx)
	w.Tick(ctx)
	if w.IndexedCount() != 1 {
		t.Errorf("good root not indexed despite bad root: count %d", w.IndexedCount())
	}
}

func TestWatcherRunStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	index := newTestIndex(t)
	w := New(index, nil, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop within one tick of cancellation")
	}
}
