package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetReturnsSameLogger(t *testing.T) {
	if err := Initialize(Options{Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	a := Get(CategoryStore)
	b := Get(CategoryStore)
	if a != b {
		t.Error("Get should cache loggers per category")
	}
	if Get(CategoryAgent) == a {
		t.Error("distinct categories should get distinct loggers")
	}
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(Options{Dir: dir, Level: "info"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Get(CategoryIndex).Info("indexed %d chunks", 3)

	data, err := os.ReadFile(filepath.Join(dir, "index.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected log output in index.log")
	}
}

func TestTimerStop(t *testing.T) {
	if err := Initialize(Options{Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	timer := StartTimer(CategoryStore, "test-op")
	timer.Stop() // must not panic
}
