package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"baagent/internal/config"
	"baagent/internal/logging"
	"baagent/internal/types"
)

// Caller identifies who is asking for a file operation. An empty
// SessionID marks an internal caller (the runtime itself), which is
// exempt from session ownership checks.
type Caller struct {
	SessionID string
	UserID    string
}

// StoreOptions parameterise a Store call.
type StoreOptions struct {
	Category  types.Category
	SessionID string
	Filename  string
	Mime      string
	Metadata  map[string]string

	// FileID forces a specific id (e.g. memory daily files). Empty means
	// the store picks one per the category policy.
	FileID string

	// TTLOverride replaces the category TTL for this item; negative
	// disables expiry.
	TTLOverride time.Duration
}

// ListFilter narrows ListFiles output.
type ListFilter struct {
	Category  types.Category
	SessionID string
	Limit     int
}

// Store is the category-partitioned file store.
type Store struct {
	baseDir  string
	policies map[types.Category]Policy
	indexes  map[types.Category]*catIndex

	maxTotalBytes int64
	thresholdPct  float64

	// kick wakes the janitor early when usage crosses the threshold.
	kick chan struct{}

	mu  sync.Mutex // serialises sweeps against concurrent deletes
	log *logging.Logger
}

// New opens (or creates) the store rooted at cfg.BaseDir, opens the
// metadata index of every indexed category, and sweeps orphans left by
// a crash between rename and index commit.
func New(cfg config.FileStoreConfig) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, types.E(types.KindBadInput, "filestore base dir is required")
	}

	s := &Store{
		baseDir:       cfg.BaseDir,
		policies:      buildPolicies(cfg),
		indexes:       make(map[types.Category]*catIndex),
		maxTotalBytes: int64(cfg.MaxTotalSizeGB * float64(1<<30)),
		thresholdPct:  cfg.CleanupThresholdPercent,
		kick:          make(chan struct{}, 1),
		log:           logging.Get(logging.CategoryStore),
	}

	for cat, p := range s.policies {
		dir := filepath.Join(s.baseDir, p.Dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create category dir %s: %w", dir, err)
		}
		if p.Indexed {
			ix, err := openCatIndex(filepath.Join(dir, indexFileName))
			if err != nil {
				s.closeIndexes()
				return nil, fmt.Errorf("open %s index: %w", cat, err)
			}
			s.indexes[cat] = ix
		}
	}

	if err := s.sweepOrphans(); err != nil {
		s.log.Warn("orphan sweep had issues: %v", err)
	}
	if err := s.writeStorageConfig(); err != nil {
		s.log.Warn("write storage config: %v", err)
	}

	s.log.Info("file store ready at %s (%d categories)", s.baseDir, len(s.policies))
	return s, nil
}

// writeStorageConfig snapshots the effective policy table to
// storage_config.json at the base dir, for operators inspecting a data
// directory without the process config.
func (s *Store) writeStorageConfig() error {
	type policySnapshot struct {
		Dir              string `json:"dir"`
		MaxItemBytes     int64  `json:"max_item_bytes,omitempty"`
		TTLHours         int    `json:"ttl_hours,omitempty"`
		Indexed          bool   `json:"indexed"`
		SessionScoped    bool   `json:"session_scoped"`
		ContentAddressed bool   `json:"content_addressed"`
	}
	snap := struct {
		MaxTotalBytes int64                     `json:"max_total_bytes"`
		ThresholdPct  float64                   `json:"cleanup_threshold_percent"`
		Categories    map[string]policySnapshot `json:"categories"`
	}{
		MaxTotalBytes: s.maxTotalBytes,
		ThresholdPct:  s.thresholdPct,
		Categories:    make(map[string]policySnapshot, len(s.policies)),
	}
	for cat, p := range s.policies {
		snap.Categories[string(cat)] = policySnapshot{
			Dir:              p.Dir,
			MaxItemBytes:     p.MaxItemBytes,
			TTLHours:         int(p.TTL.Hours()),
			Indexed:          p.Indexed,
			SessionScoped:    p.SessionScoped,
			ContentAddressed: p.ContentAddressed,
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.baseDir, "storage_config.json"), data)
}

const indexFileName = ".index.db"

// Close releases all category indexes.
func (s *Store) Close() error {
	s.closeIndexes()
	return nil
}

func (s *Store) closeIndexes() {
	for _, ix := range s.indexes {
		_ = ix.close()
	}
}

// BaseDir returns the store root. Collaborators (the memory index, the
// watcher) derive their own subtrees from it.
func (s *Store) BaseDir() string { return s.baseDir }

// CategoryDir returns the absolute directory of a category.
func (s *Store) CategoryDir(cat types.Category) (string, error) {
	p, ok := s.policies[cat]
	if !ok {
		return "", types.E(types.KindBadInput, "unknown category %q", cat)
	}
	return filepath.Join(s.baseDir, p.Dir), nil
}

// pathFor maps (category, file id) to an absolute path, enforcing the
// path sandbox: the id must be clean and the resolved path must stay a
// strict descendant of the category directory.
func (s *Store) pathFor(cat types.Category, fileID string) (string, error) {
	p, ok := s.policies[cat]
	if !ok {
		return "", types.E(types.KindBadInput, "unknown category %q", cat)
	}
	if err := types.ValidateFileID(fileID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.baseDir, p.Dir)
	path := filepath.Clean(filepath.Join(dir, fileID))
	if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", types.E(types.KindPathViolation, "file id %q escapes category %s", fileID, cat)
	}
	return path, nil
}

// Store writes content atomically and commits its metadata. The emitted
// FileRef stays retrievable until deleted or swept by TTL.
func (s *Store) Store(ctx context.Context, content []byte, opts StoreOptions) (types.FileRef, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store")
	defer timer.Stop()

	if err := ctx.Err(); err != nil {
		return types.FileRef{}, types.WrapErr(types.KindCancelled, "store", err)
	}

	p, ok := s.policies[opts.Category]
	if !ok {
		return types.FileRef{}, types.E(types.KindBadInput, "unknown category %q", opts.Category)
	}
	if p.MaxItemBytes > 0 && int64(len(content)) > p.MaxItemBytes {
		return types.FileRef{}, types.E(types.KindSizeExceeded,
			"%d bytes exceeds %s limit of %d", len(content), opts.Category, p.MaxItemBytes)
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	fileID := opts.FileID
	if fileID == "" {
		if p.ContentAddressed {
			fileID = hash[:16]
		} else {
			fileID = uuid.NewString()
		}
	}

	path, err := s.pathFor(opts.Category, fileID)
	if err != nil {
		return types.FileRef{}, err
	}

	if s.maxTotalBytes > 0 {
		usage, _ := s.TotalUsage()
		if usage+int64(len(content)) > s.maxTotalBytes {
			return types.FileRef{}, types.E(types.KindSizeExceeded,
				"total storage would exceed cap of %d bytes", s.maxTotalBytes)
		}
		if s.thresholdPct > 0 && float64(usage)*100 >= float64(s.maxTotalBytes)*s.thresholdPct {
			s.KickJanitor()
		}
	}

	if err := writeAtomic(path, content); err != nil {
		return types.FileRef{}, types.WrapErr(types.KindInternal, "write blob", err)
	}

	now := time.Now()
	ref := types.FileRef{
		FileID:    fileID,
		Category:  opts.Category,
		SessionID: opts.SessionID,
		Size:      int64(len(content)),
		Hash:      hash,
		Mime:      opts.Mime,
		CreatedAt: now,
		Metadata:  opts.Metadata,
	}

	if ix, indexed := s.indexes[opts.Category]; indexed {
		var expires *time.Time
		ttl := p.TTL
		if opts.TTLOverride != 0 {
			ttl = opts.TTLOverride
		}
		if ttl > 0 {
			t := now.Add(ttl)
			expires = &t
		}
		if err := ix.insert(ref, opts.Filename, expires); err != nil {
			// Keep store atomic: no index row means the blob must go too.
			_ = os.Remove(path)
			return types.FileRef{}, types.WrapErr(types.KindInternal, "commit index row", err)
		}
	}

	s.log.Debug("stored %s (%d bytes)", ref, ref.Size)
	return ref, nil
}

// Retrieve returns the stored content. Missing or expired items yield a
// not_found error; callers treat that as non-fatal.
func (s *Store) Retrieve(ctx context.Context, ref types.FileRef, caller Caller) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapErr(types.KindCancelled, "retrieve", err)
	}

	meta, err := s.metadataFor(ref)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, types.E(types.KindNotFound, "%s not found", ref)
	}
	if meta.Expired(time.Now()) {
		s.evict(ref.Category, ref.FileID)
		return nil, types.E(types.KindNotFound, "%s expired", ref)
	}
	if err := s.checkAccess(caller, *meta); err != nil {
		return nil, err
	}

	path, err := s.pathFor(ref.Category, ref.FileID)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.E(types.KindNotFound, "%s not found", ref)
		}
		return nil, types.WrapErr(types.KindInternal, "read blob", err)
	}

	if ix, ok := s.indexes[ref.Category]; ok {
		if err := ix.touch(ref.FileID); err != nil {
			s.log.Debug("access touch failed for %s: %v", ref, err)
		}
	}
	return content, nil
}

// Delete removes the blob and its index row. Idempotent: deleting a
// missing ref returns false, nil.
func (s *Store) Delete(ctx context.Context, ref types.FileRef, caller Caller) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.WrapErr(types.KindCancelled, "delete", err)
	}

	meta, err := s.metadataFor(ref)
	if err != nil {
		return false, err
	}
	if meta != nil {
		if err := s.checkAccess(caller, *meta); err != nil {
			return false, err
		}
	}

	return s.evict(ref.Category, ref.FileID), nil
}

// evict removes blob and index row without access checks (janitor path).
func (s *Store) evict(cat types.Category, fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	if path, err := s.pathFor(cat, fileID); err == nil {
		if err := os.Remove(path); err == nil {
			removed = true
		}
	}
	if ix, ok := s.indexes[cat]; ok {
		if n, err := ix.delete(fileID); err == nil && n {
			removed = true
		}
	}
	return removed
}

// Exists reports whether a ref is currently retrievable. For cache and
// temp it also checks expiry and lazily evicts expired items.
func (s *Store) Exists(ctx context.Context, ref types.FileRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.WrapErr(types.KindCancelled, "exists", err)
	}

	meta, err := s.metadataFor(ref)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	if ref.Category == types.CategoryCache || ref.Category == types.CategoryTemp {
		if meta.Expired(time.Now()) {
			s.evict(ref.Category, ref.FileID)
			return false, nil
		}
	}
	return true, nil
}

// ListFiles returns metadata newest-first, honoring category/session
// filters and an optional limit.
func (s *Store) ListFiles(ctx context.Context, filter ListFilter) ([]types.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapErr(types.KindCancelled, "list", err)
	}
	if filter.Category == "" {
		return nil, types.E(types.KindBadInput, "list requires a category")
	}

	if ix, ok := s.indexes[filter.Category]; ok {
		return ix.list(filter.Category, filter.SessionID, filter.Limit)
	}
	return s.listUnindexed(filter)
}

// listUnindexed derives metadata from the filesystem, newest-first.
func (s *Store) listUnindexed(filter ListFilter) ([]types.FileMetadata, error) {
	dir, err := s.CategoryDir(filter.Category)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "read category dir", err)
	}

	var out []types.FileMetadata
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, s.fsMetadata(filter.Category, e.Name(), info))
	}
	// Newest first.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Ref.CreatedAt.After(out[i].Ref.CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Append appends to an existing blob (creating it when absent), used for
// memory daily files. Only valid on unindexed, non-expiring categories.
func (s *Store) Append(ctx context.Context, cat types.Category, fileID string, data []byte) (types.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return types.FileRef{}, types.WrapErr(types.KindCancelled, "append", err)
	}

	path, err := s.pathFor(cat, fileID)
	if err != nil {
		return types.FileRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return types.FileRef{}, types.WrapErr(types.KindInternal, "read for append", err)
	}
	merged := append(existing, data...)
	if err := writeAtomic(path, merged); err != nil {
		return types.FileRef{}, types.WrapErr(types.KindInternal, "append blob", err)
	}

	sum := sha256.Sum256(merged)
	return types.FileRef{
		FileID:    fileID,
		Category:  cat,
		Size:      int64(len(merged)),
		Hash:      hex.EncodeToString(sum[:]),
		CreatedAt: time.Now(),
	}, nil
}

// metadataFor resolves metadata from the index or, for unindexed
// categories, from the filesystem. Returns (nil, nil) when missing.
func (s *Store) metadataFor(ref types.FileRef) (*types.FileMetadata, error) {
	if _, ok := s.policies[ref.Category]; !ok {
		return nil, types.E(types.KindBadInput, "unknown category %q", ref.Category)
	}
	if ix, indexed := s.indexes[ref.Category]; indexed {
		meta, err := ix.get(ref.Category, ref.FileID)
		if err != nil {
			return nil, types.WrapErr(types.KindInternal, "index lookup", err)
		}
		return meta, nil
	}

	path, err := s.pathFor(ref.Category, ref.FileID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.WrapErr(types.KindInternal, "stat blob", err)
	}
	meta := s.fsMetadata(ref.Category, ref.FileID, info)
	meta.Ref.SessionID = ref.SessionID
	return &meta, nil
}

func (s *Store) fsMetadata(cat types.Category, fileID string, info fs.FileInfo) types.FileMetadata {
	p := s.policies[cat]
	meta := types.FileMetadata{
		Ref: types.FileRef{
			FileID:    fileID,
			Category:  cat,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		},
		Filename: fileID,
	}
	if p.TTL > 0 {
		t := info.ModTime().Add(p.TTL)
		meta.ExpiresAt = &t
	}
	return meta
}

// checkAccess enforces the read/delete rules: memory is globally
// readable, session-owned refs are readable by their session, and refs
// without a recorded session are readable only for cache and chart.
// Internal callers (empty session) bypass ownership checks.
func (s *Store) checkAccess(caller Caller, meta types.FileMetadata) error {
	cat := meta.Ref.Category
	if cat == types.CategoryMemory {
		return nil
	}
	if caller.SessionID == "" {
		return nil
	}
	if meta.Ref.SessionID == caller.SessionID {
		return nil
	}
	if meta.Ref.SessionID == "" && (cat == types.CategoryCache || cat == types.CategoryChart) {
		return nil
	}
	return types.E(types.KindNotPermitted,
		"session %s may not access %s", caller.SessionID, meta.Ref)
}

// TotalUsage sums blob sizes across every category directory.
func (s *Store) TotalUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// sweepOrphans deletes blobs in indexed categories that have no index
// row - leftovers of a crash between rename and index commit.
func (s *Store) sweepOrphans() error {
	for cat, ix := range s.indexes {
		known, err := ix.knownIDs()
		if err != nil {
			return fmt.Errorf("%s: load index ids: %w", cat, err)
		}
		dir, _ := s.CategoryDir(cat)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("%s: read dir: %w", cat, err)
		}
		for _, e := range entries {
			name := e.Name()
			// Dot-files cover the index db, its WAL sidecars, and
			// in-flight .tmp-* writes.
			if e.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			if !known[name] {
				s.log.Info("sweeping orphan %s/%s", cat, name)
				_ = os.Remove(filepath.Join(dir, name))
			}
		}
	}
	return nil
}

// KickJanitor wakes the janitor loop early; non-blocking.
func (s *Store) KickJanitor() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// writeAtomic writes via a temp file in the same directory and renames
// into place, so readers never observe partial content.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
