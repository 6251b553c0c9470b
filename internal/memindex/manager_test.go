package memindex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"baagent/internal/config"
	"baagent/internal/types"
)

// stubEngine embeds by counting marker words, so related texts land
// near each other without a real model.
type stubEngine struct{}

func (stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "revenue")),
		float32(strings.Count(lower, "churn")),
		1,
	}, nil
}

func (e stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (stubEngine) Dimensions() int { return 3 }
func (stubEngine) Name() string    { return "stub" }

func newTestManager(t *testing.T, hybrid bool) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()

	search := config.DefaultMemoryConfig().Search
	search.Hybrid.Enabled = hybrid

	var eng stubEngine
	var m *Manager
	var err error
	if hybrid {
		m, err = Open(filepath.Join(dir, "index"), config.RotationConfig{}, search, eng)
	} else {
		m, err = Open(filepath.Join(dir, "index"), config.RotationConfig{}, search, nil)
	}
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestIndexFileIdempotent(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()
	path := writeFile(t, dir, "notes.md", "W: quarterly revenue target is 2M\nB: the client prefers dashboards\n")

	res, err := m.IndexFile(ctx, path, "memory")
	if err != nil {
		t.Fatalf("first index: %v", err)
	}
	if !res.Updated || res.ChunksAdded == 0 {
		t.Fatalf("first index: got %+v, want an update with chunks", res)
	}

	res, err = m.IndexFile(ctx, path, "memory")
	if err != nil {
		t.Fatalf("second index: %v", err)
	}
	if res.Updated {
		t.Error("unchanged file reported as updated")
	}

	// Modified content reindexes and the old chunks are replaced.
	writeFile(t, dir, "notes.md", "W: quarterly revenue target is 3M\n")
	res, err = m.IndexFile(ctx, path, "memory")
	if err != nil {
		t.Fatalf("third index: %v", err)
	}
	if !res.Updated {
		t.Error("changed file not reported as updated")
	}

	results, err := m.Search(ctx, Query{Text: "revenue target"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if strings.Contains(r.Chunk.Text, "2M") {
			t.Error("stale chunk survived reindex")
		}
	}
}

func TestSearchScoresAndOrdering(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()

	writeFileAndIndex(t, m, dir, "a.md", "revenue revenue revenue growth for the quarter\n")
	writeFileAndIndex(t, m, dir, "b.md", "one mention of revenue here\n")
	writeFileAndIndex(t, m, dir, "c.md", "nothing relevant at all\n")

	results, err := m.Search(ctx, Query{Text: "revenue", K: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results for a matching query")
	}
	if len(results) > 5 {
		t.Fatalf("got %d results, want at most 5", len(results))
	}
	for i, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("result %d score %f out of [0,1]", i, r.Score)
		}
		if i > 0 && r.Score > results[i-1].Score {
			t.Errorf("results not sorted: score[%d]=%f > score[%d]=%f",
				i, r.Score, i-1, results[i-1].Score)
		}
		if strings.Contains(r.Chunk.Text, "nothing relevant") {
			t.Error("non-matching chunk returned")
		}
	}
}

func TestSearchEmptyQueryAndCorpus(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()

	if _, err := m.Search(ctx, Query{Text: ""}); types.KindOf(err) != types.KindBadInput {
		t.Errorf("empty query: got kind %v, want bad_input", types.KindOf(err))
	}

	results, err := m.Search(ctx, Query{Text: "anything"})
	if err != nil {
		t.Fatalf("empty corpus search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("empty corpus returned %d results", len(results))
	}

	// An empty file indexes to zero chunks without error.
	path := writeFile(t, dir, "empty.md", "")
	res, err := m.IndexFile(ctx, path, "memory")
	if err != nil {
		t.Fatalf("index empty file: %v", err)
	}
	if res.ChunksAdded != 0 {
		t.Errorf("empty file produced %d chunks", res.ChunksAdded)
	}
}

func TestSearchSkipsDanglingReferences(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()

	keep := writeFileAndIndex(t, m, dir, "keep.md", "revenue forecast stays\n")
	gone := writeFileAndIndex(t, m, dir, "gone.md", "revenue forecast leaves\n")

	if err := os.Remove(gone); err != nil {
		t.Fatalf("remove: %v", err)
	}

	results, err := m.Search(ctx, Query{Text: "revenue forecast"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Chunk.Path == gone {
			t.Error("result references a deleted file")
		}
	}
	found := false
	for _, r := range results {
		if r.Chunk.Path == keep {
			found = true
		}
	}
	if !found {
		t.Error("surviving file missing from results")
	}
}

func TestHybridSearch(t *testing.T) {
	m, dir := newTestManager(t, true)
	ctx := context.Background()

	writeFileAndIndex(t, m, dir, "a.md", "customer churn analysis for Q3\n")
	writeFileAndIndex(t, m, dir, "b.md", "office seating chart\n")

	results, err := m.Search(ctx, Query{Text: "churn", UseHybrid: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("hybrid search returned nothing")
	}
	if !strings.Contains(results[0].Chunk.Text, "churn") {
		t.Errorf("top result %q does not match query", results[0].Chunk.Text)
	}
}

func TestSourceFilter(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()

	writeFileAndIndex(t, m, dir, "mem.md", "revenue memo from memory\n")
	code := writeFile(t, dir, "calc.py", "# revenue calculation script\n")
	if _, err := m.IndexFile(ctx, code, "code"); err != nil {
		t.Fatalf("index code: %v", err)
	}

	results, err := m.Search(ctx, Query{Text: "revenue", SourceFilter: "code"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Chunk.Source != "code" {
			t.Errorf("source filter leaked source %q", r.Chunk.Source)
		}
	}
}

func TestContextEnrichment(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()

	var b strings.Builder
	for i := 1; i <= 30; i++ {
		if i == 15 {
			b.WriteString("the churn spike happened here\n")
		} else {
			b.WriteString("filler line\n")
		}
	}
	writeFileAndIndex(t, m, dir, "ctx.md", b.String())

	results, err := m.Search(ctx, Query{Text: "churn spike", ContextLines: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Context == "" {
		t.Error("context requested but empty")
	}
}

func TestRemovePath(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()

	path := writeFileAndIndex(t, m, dir, "drop.md", "revenue item to drop\n")
	if err := m.RemovePath(ctx, path); err != nil {
		t.Fatalf("RemovePath: %v", err)
	}

	results, err := m.Search(ctx, Query{Text: "revenue item"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Chunk.Path == path {
			t.Error("removed path still searchable")
		}
	}

	// Removing again is a no-op.
	if err := m.RemovePath(ctx, path); err != nil {
		t.Errorf("second RemovePath: %v", err)
	}
}

func TestFileState(t *testing.T) {
	m, dir := newTestManager(t, false)
	path := writeFileAndIndex(t, m, dir, "state.md", "tracked content\n")

	mtime, size, ok := m.FileState(path)
	if !ok {
		t.Fatal("indexed file has no recorded state")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mtime != info.ModTime().Unix() || size != info.Size() {
		t.Errorf("state (%d, %d) does not match disk (%d, %d)",
			mtime, size, info.ModTime().Unix(), info.Size())
	}

	if _, _, ok := m.FileState(filepath.Join(dir, "unknown.md")); ok {
		t.Error("unknown file reported as tracked")
	}
}

func TestBindFileRef(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()

	writeFileAndIndex(t, m, dir, "refs.md", "revenue chart was generated\n")
	results, err := m.Search(ctx, Query{Text: "revenue chart"})
	if err != nil || len(results) == 0 {
		t.Fatalf("Search: %v (%d results)", err, len(results))
	}

	ref := types.FileRef{Category: types.CategoryChart, FileID: "abc123"}
	if err := m.BindFileRef(ctx, results[0].Chunk.ID, ref, `{"title":"q3"}`); err != nil {
		t.Fatalf("BindFileRef: %v", err)
	}
	// Binding twice is idempotent.
	if err := m.BindFileRef(ctx, results[0].Chunk.ID, ref, ""); err != nil {
		t.Fatalf("second BindFileRef: %v", err)
	}

	results, err = m.Search(ctx, Query{Text: "revenue chart"})
	if err != nil || len(results) == 0 {
		t.Fatalf("Search after bind: %v", err)
	}
	want := ref.String()
	found := false
	for _, got := range results[0].FileRefs {
		if got == want {
			found = true
		}
	}
	if !found {
		t.Errorf("bound ref %q missing from result refs %v", want, results[0].FileRefs)
	}

	err = m.BindFileRef(ctx, "no-such-chunk", ref, "")
	if types.KindOf(err) != types.KindNotFound {
		t.Errorf("unknown chunk: got kind %v, want not_found", types.KindOf(err))
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	search := config.DefaultMemoryConfig().Search
	m, err := Open(filepath.Join(dir, "index"),
		config.RotationConfig{MaxSizeMB: 1}, search, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	// Push the active file past 1 MiB so the next write rotates.
	big := strings.Repeat("revenue line with plenty of padding text\n", 40000)
	bigPath := writeFile(t, dir, "big.md", big)
	if _, err := m.IndexFile(ctx, bigPath, "memory"); err != nil {
		t.Fatalf("index big: %v", err)
	}

	smallPath := writeFile(t, dir, "small.md", "churn summary after rotation\n")
	if _, err := m.IndexFile(ctx, smallPath, "memory"); err != nil {
		t.Fatalf("index small: %v", err)
	}
	if m.FileCount() < 2 {
		t.Fatalf("got %d index files, want rotation to have created a second", m.FileCount())
	}

	// Reads union across rotated files.
	results, err := m.Search(ctx, Query{Text: "churn summary"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Chunk.Path == smallPath {
			found = true
		}
	}
	if !found {
		t.Error("chunk in rotated file not found by search")
	}

	// Updating a file held by an old index moves it to the active one
	// without leaving a stale copy behind.
	writeFile(t, dir, "big.md", "big file rewritten to a churn note\n")
	if _, err := m.IndexFile(ctx, bigPath, "memory"); err != nil {
		t.Fatalf("reindex big: %v", err)
	}
	results, err = m.Search(ctx, Query{Text: "churn note"})
	if err != nil {
		t.Fatalf("Search after move: %v", err)
	}
	hits := 0
	for _, r := range results {
		if r.Chunk.Path == bigPath {
			hits++
		}
	}
	if hits != 1 {
		t.Errorf("moved file matched %d times, want exactly 1", hits)
	}
}

func TestReopenFindsRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	indexDir := filepath.Join(dir, "index")
	search := config.DefaultMemoryConfig().Search

	m, err := Open(indexDir, config.RotationConfig{MaxSizeMB: 1}, search, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	big := strings.Repeat("padding text for the rotation threshold\n", 40000)
	bigPath := writeFile(t, dir, "big.md", big)
	ctx := context.Background()
	if _, err := m.IndexFile(ctx, bigPath, "memory"); err != nil {
		t.Fatalf("index: %v", err)
	}
	smallPath := writeFile(t, dir, "small.md", "note kept across reopen\n")
	if _, err := m.IndexFile(ctx, smallPath, "memory"); err != nil {
		t.Fatalf("index: %v", err)
	}
	wantFiles := m.FileCount()
	m.Close()

	m2, err := Open(indexDir, config.RotationConfig{MaxSizeMB: 1}, search, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	if m2.FileCount() != wantFiles {
		t.Errorf("reopen found %d files, want %d", m2.FileCount(), wantFiles)
	}
	results, err := m2.Search(ctx, Query{Text: "reopen"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Error("indexed content lost across reopen")
	}
}

func TestSearchDegradesToLikeScan(t *testing.T) {
	m, dir := newTestManager(t, false)
	ctx := context.Background()

	writeFileAndIndex(t, m, dir, "a.md", "revenue revenue revenue and churn for Q3\n")
	writeFileAndIndex(t, m, dir, "b.md", "a single revenue mention\n")
	writeFileAndIndex(t, m, dir, "c.md", "nothing relevant at all\n")

	// Same shape the index takes when the FTS table fails to create:
	// textSearch falls back to a LIKE scan.
	for _, ix := range m.files {
		ix.ftsAvailable = false
	}

	results, err := m.Search(ctx, Query{Text: "revenue churn"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results from the LIKE fallback")
	}
	for i, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("result %d score %f out of [0,1]", i, r.Score)
		}
		if i > 0 && r.Score > results[i-1].Score {
			t.Errorf("results not sorted: score[%d]=%f > score[%d]=%f",
				i, r.Score, i-1, results[i-1].Score)
		}
		if strings.Contains(r.Chunk.Text, "nothing relevant") {
			t.Error("non-matching chunk returned")
		}
	}
	if !strings.Contains(results[0].Chunk.Text, "revenue revenue") {
		t.Errorf("top result %q, want the chunk with the most term matches", results[0].Chunk.Text)
	}
}

func TestConfiguredMinScoreApplies(t *testing.T) {
	dir := t.TempDir()
	search := config.DefaultMemoryConfig().Search
	search.Query.MinScore = 0.5
	m, err := Open(filepath.Join(dir, "index"), config.RotationConfig{}, search, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	strong := writeFileAndIndex(t, m, dir, "strong.md", "revenue revenue revenue growth\n")
	writeFileAndIndex(t, m, dir, "weak.md", "revenue mentioned once\n")

	// The caller leaves MinScore zero; the configured floor applies.
	results, err := m.Search(ctx, Query{Text: "revenue"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want the floor to keep only the best match", len(results))
	}
	if results[0].Chunk.Path != strong {
		t.Errorf("surviving result is %q, want %q", results[0].Chunk.Path, strong)
	}
}

func TestMergeByRank(t *testing.T) {
	// Hits from one index file carry negated bm25 relevances, hits
	// from another carry LIKE term-frequency scores; the merge must go
	// by rank position, not by magnitude.
	fts := []textHit{
		{chunkID: "f1", relevance: 5.2},
		{chunkID: "f2", relevance: 3.9},
	}
	like := []textHit{
		{chunkID: "l1", relevance: 0.3},
		{chunkID: "l2", relevance: 0.1},
	}
	got := mergeByRank([][]textHit{fts, like}, 10)
	want := []string{"f1", "l1", "f2", "l2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// A chunk present in several lists keeps its best rank, and the
	// limit caps the merge.
	dup := []textHit{
		{chunkID: "l1", relevance: 9.9},
		{chunkID: "f9", relevance: 1.0},
	}
	got = mergeByRank([][]textHit{dup, like}, 3)
	want = []string{"l1", "f9", "l2"}
	if len(got) != len(want) {
		t.Fatalf("with duplicates: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("with duplicates: got %v, want %v", got, want)
		}
	}

	if got := mergeByRank(nil, 5); len(got) != 0 {
		t.Errorf("empty input produced %v", got)
	}
}

func writeFileAndIndex(t *testing.T, m *Manager, dir, name, content string) string {
	t.Helper()
	path := writeFile(t, dir, name, content)
	if _, err := m.IndexFile(context.Background(), path, "memory"); err != nil {
		t.Fatalf("index %s: %v", name, err)
	}
	return path
}
