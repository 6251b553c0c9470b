package filestore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"baagent/internal/logging"
	"baagent/internal/types"
)

// Janitor is the background TTL sweeper. It wakes on a fixed interval
// or early when the store's usage crosses the cleanup threshold, and
// deletes expired items category by category - cache and temp first.
type Janitor struct {
	store    *Store
	interval time.Duration
	log      *logging.Logger

	sweeps  atomic.Int64
	removed atomic.Int64
}

// NewJanitor builds a janitor for the store. interval <= 0 defaults to
// one hour.
func NewJanitor(store *Store, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    store,
		interval: interval,
		log:      logging.Get(logging.CategoryJanitor),
	}
}

// Run loops until ctx is cancelled. Each pass logs per-category counts.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.Info("janitor started (interval %v)", j.interval)
	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stopping: %v", ctx.Err())
			return
		case <-ticker.C:
		case <-j.store.kick:
			j.log.Info("janitor woken early by usage threshold")
		}
		counts := j.SweepOnce()
		total := 0
		for _, n := range counts {
			total += n
		}
		if total > 0 {
			j.log.Info("sweep removed %d expired items: %v", total, counts)
		}
	}
}

// SweepOnce performs one cleanup pass and returns per-category removal
// counts. Sweep order is cache, temp, then the remaining categories.
func (j *Janitor) SweepOnce() map[types.Category]int {
	j.sweeps.Add(1)
	now := time.Now()
	counts := make(map[types.Category]int)

	for _, cat := range types.AllCategories {
		n := j.sweepCategory(cat, now)
		if n > 0 {
			counts[cat] = n
			j.removed.Add(int64(n))
		}
	}
	return counts
}

func (j *Janitor) sweepCategory(cat types.Category, now time.Time) int {
	p, ok := j.store.policies[cat]
	if !ok {
		return 0
	}

	if ix, indexed := j.store.indexes[cat]; indexed {
		ids, err := ix.expired(now)
		if err != nil {
			j.log.Warn("%s: expiry query failed: %v", cat, err)
			return 0
		}
		removed := 0
		for _, id := range ids {
			if j.store.evict(cat, id) {
				removed++
			}
		}
		return removed
	}

	// Unindexed categories expire by mtime against the policy TTL.
	if p.TTL <= 0 {
		return 0
	}
	dir, err := j.store.CategoryDir(cat)
	if err != nil {
		return 0
	}
	removed := 0
	cutoff := now.Add(-p.TTL)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	return removed
}

// Stats returns cumulative sweep and removal counters.
func (j *Janitor) Stats() (sweeps, removed int64) {
	return j.sweeps.Load(), j.removed.Load()
}
