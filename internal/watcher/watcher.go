// Package watcher keeps the memory index in sync with watched
// directories. It polls on a fixed interval and compares (mtime, size)
// against what the index recorded; a dirty file is only reindexed
// after it has been stable for the debounce window, so files being
// actively written are not churned through the indexer.
package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"baagent/internal/logging"
	"baagent/internal/memindex"
	"baagent/internal/types"
)

// indexedExtensions are the file types the watcher feeds to the index.
var indexedExtensions = map[string]bool{
	".md":  true,
	".txt": true,
	".py":  true,
	".go":  true,
	".sql": true,
	".csv": true,
}

// Root is one watched directory with the source label its files are
// indexed under.
type Root struct {
	Path   string
	Source string
}

// pending tracks a dirty file awaiting debounce.
type pending struct {
	mtime     int64
	size      int64
	stableFor time.Time // when the current (mtime, size) was first seen
}

// Watcher is the polling loop. One Run loop per process.
type Watcher struct {
	index    *memindex.Manager
	roots    []Root
	interval time.Duration
	debounce time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	dirty   map[string]*pending
	indexed int64 // files reindexed, for tests and stats
}

// New builds a watcher over the given roots. intervalSecs and
// debounceSecs fall back to 10 and 2.
func New(index *memindex.Manager, roots []Root, intervalSecs, debounceSecs int) *Watcher {
	if intervalSecs <= 0 {
		intervalSecs = 10
	}
	if debounceSecs < 0 {
		debounceSecs = 2
	}
	return &Watcher{
		index:    index,
		roots:    roots,
		interval: time.Duration(intervalSecs) * time.Second,
		debounce: time.Duration(debounceSecs) * time.Second,
		log:      logging.Get(logging.CategoryWatcher),
		dirty:    make(map[string]*pending),
	}
}

// Run polls until ctx is cancelled. It returns within one tick of
// cancellation.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("watcher started: %d root(s), interval %v, debounce %v",
		len(w.roots), w.interval, w.debounce)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one scan pass: mark dirty files, reindex the ones that
// have been stable past the debounce window. Errors from individual
// files are logged and skipped.
func (w *Watcher) Tick(ctx context.Context) {
	now := time.Now()
	for _, root := range w.roots {
		w.scanRoot(ctx, root, now)
	}
}

func (w *Watcher) scanRoot(ctx context.Context, root Root, now time.Time) {
	err := filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.log.Warn("walk %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			// Index databases and other dot-dirs are not corpus.
			if strings.HasPrefix(d.Name(), ".") && path != root.Path {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexedExtensions[filepath.Ext(d.Name())] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		w.observe(ctx, path, root.Source, info.ModTime().Unix(), info.Size(), now)
		return nil
	})
	if err != nil && err != ctx.Err() {
		w.log.Warn("scan root %s: %v", root.Path, err)
	}
}

// observe applies the dirty/debounce state machine to one file.
func (w *Watcher) observe(ctx context.Context, path, source string, mtime, size int64, now time.Time) {
	knownMtime, knownSize, tracked := w.index.FileState(path)
	if tracked && knownMtime == mtime && knownSize == size {
		w.mu.Lock()
		delete(w.dirty, path)
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	p, seen := w.dirty[path]
	if !seen || p.mtime != mtime || p.size != size {
		// New dirty file, or it changed again: restart the clock.
		w.dirty[path] = &pending{mtime: mtime, size: size, stableFor: now}
		w.mu.Unlock()
		return
	}
	if now.Sub(p.stableFor) < w.debounce {
		w.mu.Unlock()
		return
	}
	delete(w.dirty, path)
	w.mu.Unlock()

	res, err := w.index.IndexFile(ctx, path, source)
	if err != nil {
		if types.KindOf(err) != types.KindCancelled {
			w.log.Warn("reindex %s: %v", path, err)
		}
		return
	}
	if res.Updated {
		w.mu.Lock()
		w.indexed++
		w.mu.Unlock()
		w.log.Info("reindexed %s: %d chunks", path, res.ChunksAdded)
	}
}

// IndexedCount returns how many files this watcher has reindexed.
func (w *Watcher) IndexedCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.indexed
}
