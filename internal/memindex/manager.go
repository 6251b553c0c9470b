package memindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"baagent/internal/config"
	"baagent/internal/embedding"
	"baagent/internal/logging"
	"baagent/internal/types"
)

// Manager owns the set of rotated index files. Writes always land in
// the newest file; reads union across all of them. When the active
// file crosses the size cap a fresh one is started, so no single
// database grows without bound.
type Manager struct {
	mu      sync.RWMutex
	dir     string
	prefix  string
	maxSize int64 // bytes; active file rotates past this
	files   []*indexFile

	engine embedding.Engine
	search config.SearchConfig
	log    *logging.Logger
}

// IndexResult reports what one IndexFile call did.
type IndexResult struct {
	Updated     bool
	ChunksAdded int
}

// Open loads (or creates) the index set under dir. eng may be nil for
// a text-only index.
func Open(dir string, rot config.RotationConfig, search config.SearchConfig, eng embedding.Engine) (*Manager, error) {
	if rot.IndexPrefix == "" {
		rot.IndexPrefix = "memory"
	}
	if rot.MaxSizeMB <= 0 {
		rot.MaxSizeMB = 256
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.WrapErr(types.KindInternal, "create index dir", err)
	}
	if eng != nil {
		eng = embedding.NewDeduped(eng)
	}

	m := &Manager{
		dir:     dir,
		prefix:  rot.IndexPrefix,
		maxSize: int64(rot.MaxSizeMB) * 1024 * 1024,
		engine:  eng,
		search:  search,
		log:     logging.Get(logging.CategoryIndex),
	}

	paths, err := m.existingIndexPaths()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		paths = []string{filepath.Join(dir, m.prefix+".db")}
	}
	for _, p := range paths {
		ix, err := openIndexFile(p)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.files = append(m.files, ix)
	}
	m.log.Info("index opened: %d file(s) under %s", len(m.files), dir)
	return m, nil
}

// existingIndexPaths lists prefix.db / prefix-N.db in rotation order.
func (m *Manager) existingIndexPaths() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "read index dir", err)
	}
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(m.prefix) + `(-(\d+))?\.db$`)

	type numbered struct {
		n    int
		path string
	}
	var found []numbered
	for _, e := range entries {
		match := re.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		n := 0
		if match[2] != "" {
			n, _ = strconv.Atoi(match[2])
		}
		found = append(found, numbered{n: n, path: filepath.Join(m.dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// Close closes every index file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, ix := range m.files {
		if err := ix.close(); err != nil && first == nil {
			first = err
		}
	}
	m.files = nil
	return first
}

// FileCount returns how many rotated index files exist.
func (m *Manager) FileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// FTSAvailable reports whether the active index file has FTS5.
func (m *Manager) FTSAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.files) == 0 {
		return false
	}
	return m.files[len(m.files)-1].ftsAvailable
}

func (m *Manager) active() *indexFile {
	return m.files[len(m.files)-1]
}

// maybeRotate starts a new index file when the active one is over the
// size cap. Callers hold the write lock.
func (m *Manager) maybeRotate() error {
	if m.active().sizeBytes() < m.maxSize {
		return nil
	}
	next := filepath.Join(m.dir, fmt.Sprintf("%s-%d.db", m.prefix, len(m.files)))
	ix, err := openIndexFile(next)
	if err != nil {
		return err
	}
	m.log.Info("index rotated: %s", next)
	m.files = append(m.files, ix)
	return nil
}

// IndexFile (re)indexes one file from disk. If the stored content hash
// already matches, nothing changes. Otherwise the file's old chunks are
// dropped wherever they live and the new chunks land in the active
// index file, in one transaction per database.
func (m *Manager) IndexFile(ctx context.Context, path, source string) (IndexResult, error) {
	if err := ctx.Err(); err != nil {
		return IndexResult{}, types.WrapErr(types.KindCancelled, "index file", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return IndexResult{}, types.E(types.KindNotFound, "file %s not found", path)
		}
		return IndexResult{}, types.WrapErr(types.KindInternal, "read file", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return IndexResult{}, types.WrapErr(types.KindInternal, "stat file", err)
	}
	hash := HashText(string(data))

	m.mu.Lock()
	defer m.mu.Unlock()

	// Unchanged content is a no-op regardless of which file holds it.
	var holder *indexFile
	for _, ix := range m.files {
		stored, err := ix.fileHash(path)
		if err != nil {
			return IndexResult{}, types.WrapErr(types.KindInternal, "look up file hash", err)
		}
		if stored == "" {
			continue
		}
		if stored == hash {
			return IndexResult{Updated: false}, nil
		}
		holder = ix
		break
	}

	if err := m.maybeRotate(); err != nil {
		return IndexResult{}, err
	}
	active := m.active()

	// Content changed: evict the stale copy if an older file holds it.
	if holder != nil && holder != active {
		if err := holder.deleteVectorsForPath(ctx, path); err != nil {
			return IndexResult{}, types.WrapErr(types.KindInternal, "drop stale vectors", err)
		}
		if err := holder.removePath(ctx, path); err != nil {
			return IndexResult{}, types.WrapErr(types.KindInternal, "drop stale chunks", err)
		}
	}

	chunks := ChunkFile(path, source, string(data), m.search.Chunking.Size, m.search.Chunking.Overlap)

	if err := active.deleteVectorsForPath(ctx, path); err != nil {
		return IndexResult{}, types.WrapErr(types.KindInternal, "drop old vectors", err)
	}
	if err := active.replaceFile(ctx, path, source, hash, info.ModTime().Unix(), info.Size(), chunks); err != nil {
		return IndexResult{}, types.WrapErr(types.KindInternal, "index file", err)
	}

	if m.engine != nil && len(chunks) > 0 {
		ids := make([]string, len(chunks))
		hashes := make([]string, len(chunks))
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i], hashes[i], texts[i] = c.ID, c.ContentHash, c.Text
		}
		active.embedChunks(ctx, m.engine, ids, hashes, texts)
	}

	m.log.Debug("indexed %s: %d chunks", path, len(chunks))
	return IndexResult{Updated: true, ChunksAdded: len(chunks)}, nil
}

// RemovePath drops a file from every index file. Removing an unknown
// path is a no-op.
func (m *Manager) RemovePath(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ix := range m.files {
		if err := ix.deleteVectorsForPath(ctx, path); err != nil {
			return types.WrapErr(types.KindInternal, "remove vectors", err)
		}
		if err := ix.removePath(ctx, path); err != nil {
			return types.WrapErr(types.KindInternal, "remove path", err)
		}
	}
	return nil
}

// FileState returns the recorded (mtime, size) for path, for the
// watcher's cheap dirty check.
func (m *Manager) FileState(path string) (mtime, size int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ix := range m.files {
		_, mt, sz, found, err := ix.fileState(path)
		if err == nil && found {
			return mt, sz, true
		}
	}
	return 0, 0, false
}

// BindFileRef attaches a FileRef to the chunk wherever it lives.
func (m *Manager) BindFileRef(ctx context.Context, chunkID string, ref types.FileRef, metadataJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ix := range m.files {
		c, err := ix.chunkByID(ctx, chunkID)
		if err != nil {
			return types.WrapErr(types.KindInternal, "look up chunk", err)
		}
		if c != nil {
			return ix.bindFileRef(ctx, chunkID, ref, metadataJSON)
		}
	}
	return types.E(types.KindNotFound, "chunk %s not found", chunkID)
}

// Search runs a hybrid query across every index file: full-text and
// vector candidates are ranked separately, fused with reciprocal rank
// fusion, min-max normalized, then filtered and trimmed. Results whose
// source file no longer exists on disk are skipped.
func (m *Manager) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if q.Text == "" {
		return nil, types.E(types.KindBadInput, "empty query")
	}
	if q.K <= 0 {
		q.K = m.search.Query.MaxResults
		if q.K <= 0 {
			q.K = 10
		}
	}
	if q.MinScore <= 0 {
		q.MinScore = m.search.Query.MinScore
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	textRanked, err := m.rankedTextHits(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	var vecRanked []string
	if q.UseHybrid && m.engine != nil {
		vecRanked = m.rankedVectorHits(ctx, q.Text)
	}

	wText, wVec := m.search.Hybrid.TextWeight, m.search.Hybrid.VectorWeight
	if wText == 0 && wVec == 0 {
		wText, wVec = 0.3, 0.7
	}
	fused := fuseRRF(textRanked, vecRanked, wText, wVec)
	normalizeScores(fused)

	type scored struct {
		id    string
		score float64
	}
	ordered := make([]scored, 0, len(fused))
	for id, s := range fused {
		if s < q.MinScore {
			continue
		}
		ordered = append(ordered, scored{id: id, score: s})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].id < ordered[j].id
	})

	var results []SearchResult
	for _, cand := range ordered {
		if len(results) >= q.K {
			break
		}
		r, ok, err := m.buildResult(ctx, cand.id, cand.score, q)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, r)
		}
	}
	return results, nil
}

// rankedTextHits merges per-file full-text hits into one ranked id
// list, best first, deduplicated. Rotated files can disagree on FTS
// availability, so per-file scores live on different scales (negated
// bm25 vs LIKE term frequency); the merge therefore goes by per-file
// rank, never by raw score.
func (m *Manager) rankedTextHits(ctx context.Context, query string) ([]string, error) {
	lists := make([][]textHit, 0, len(m.files))
	for _, ix := range m.files {
		hits, err := ix.textSearch(ctx, query, candidateLimit)
		if err != nil {
			return nil, types.WrapErr(types.KindInternal, "text search", err)
		}
		lists = append(lists, hits)
	}
	return mergeByRank(lists, candidateLimit), nil
}

// mergeByRank interleaves ranked hit lists by rank position: every
// list's best hit first, then every second-best, and so on. A chunk
// appearing in several lists keeps its best rank.
func mergeByRank(lists [][]textHit, limit int) []string {
	seen := make(map[string]bool)
	var ranked []string
	for r := 0; ; r++ {
		progressed := false
		for _, l := range lists {
			if r >= len(l) {
				continue
			}
			progressed = true
			id := l[r].chunkID
			if seen[id] {
				continue
			}
			seen[id] = true
			ranked = append(ranked, id)
			if len(ranked) >= limit {
				return ranked
			}
		}
		if !progressed {
			return ranked
		}
	}
}

// rankedVectorHits embeds the query and ranks all stored vectors by
// cosine similarity. Embedding failure degrades to text-only silently.
func (m *Manager) rankedVectorHits(ctx context.Context, query string) []string {
	qvec, err := m.engine.Embed(ctx, query)
	if err != nil || len(qvec) == 0 {
		m.log.Warn("query embedding failed, text-only search: %v", err)
		return nil
	}

	var all []vectorHit
	for _, ix := range m.files {
		hits, err := ix.vectorScan(ctx, qvec)
		if err != nil {
			m.log.Warn("vector scan failed for %s: %v", ix.path, err)
			continue
		}
		all = append(all, hits...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })

	seen := make(map[string]bool, len(all))
	var ranked []string
	for _, h := range all {
		if seen[h.chunkID] {
			continue
		}
		seen[h.chunkID] = true
		ranked = append(ranked, h.chunkID)
		if len(ranked) >= candidateLimit {
			break
		}
	}
	return ranked
}

// buildResult loads a candidate chunk and assembles the final result.
// ok is false when the chunk is gone, filtered by source, or its
// backing file no longer exists.
func (m *Manager) buildResult(ctx context.Context, chunkID string, score float64, q Query) (SearchResult, bool, error) {
	var chunk *types.Chunk
	var holder *indexFile
	for _, ix := range m.files {
		c, err := ix.chunkByID(ctx, chunkID)
		if err != nil {
			return SearchResult{}, false, types.WrapErr(types.KindInternal, "load chunk", err)
		}
		if c != nil {
			chunk, holder = c, ix
			break
		}
	}
	if chunk == nil {
		return SearchResult{}, false, nil
	}
	if q.SourceFilter != "" && chunk.Source != q.SourceFilter {
		return SearchResult{}, false, nil
	}
	// Dangling reference: the indexed file was deleted underneath us.
	if _, err := os.Stat(chunk.Path); err != nil {
		return SearchResult{}, false, nil
	}

	contextLines := q.ContextLines
	if contextLines == 0 {
		contextLines = m.search.Query.ContextLines
	}

	refs, err := holder.fileRefsFor(ctx, []string{chunkID})
	if err != nil {
		return SearchResult{}, false, types.WrapErr(types.KindInternal, "load file refs", err)
	}
	refStrings := make([]string, 0, len(refs[chunkID]))
	for _, r := range refs[chunkID] {
		refStrings = append(refStrings, r.String())
	}

	return SearchResult{
		Chunk: ChunkView{
			ID:        chunk.ID,
			Path:      chunk.Path,
			Source:    chunk.Source,
			StartLine: chunk.StartLine,
			EndLine:   chunk.EndLine,
			Text:      chunk.Text,
		},
		Score:    score,
		Context:  contextAround(chunk.Path, chunk.StartLine, chunk.EndLine, contextLines),
		FileRefs: refStrings,
	}, true, nil
}
