package memindex

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// rrfK is the rank-smoothing constant for reciprocal-rank fusion.
const rrfK = 60

// candidateLimit caps how many hits each ranked list contributes
// before fusion.
const candidateLimit = 200

// Query describes one search over the index set.
type Query struct {
	Text         string
	K            int     // max results, default 10
	MinScore     float64 // drop fused scores below this
	SourceFilter string  // restrict to chunks from this source, "" = all
	UseHybrid    bool    // fuse vector scores when an engine is configured
	ContextLines int     // lines of surrounding file context per result
}

// SearchResult is one fused hit.
type SearchResult struct {
	Chunk    ChunkView
	Score    float64
	Context  string
	FileRefs []string // canonical <category>:<file_id> forms
}

// ChunkView is the result-facing projection of an indexed chunk.
type ChunkView struct {
	ID        string
	Path      string
	Source    string
	StartLine int
	EndLine   int
	Text      string
}

// textHit is a raw full-text candidate before fusion. relevance is
// higher-is-better regardless of backend (negated bm25 for FTS, term
// frequency for the LIKE fallback).
type textHit struct {
	chunkID   string
	relevance float64
}

// textSearch runs full-text matching against one index file. It uses
// FTS5 when the table exists and otherwise degrades to a LIKE scan
// scored min(1, matches/10).
func (ix *indexFile) textSearch(ctx context.Context, q string, limit int) ([]textHit, error) {
	if ix.ftsAvailable {
		return ix.ftsSearch(ctx, q, limit)
	}
	return ix.likeSearch(ctx, q, limit)
}

func (ix *indexFile) ftsSearch(ctx context.Context, q string, limit int) ([]textHit, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, bm25(chunks_fts) FROM chunks_fts WHERE chunks_fts MATCH ? ORDER BY bm25(chunks_fts) LIMIT ?`,
		ftsMatchExpr(q), limit)
	if err != nil {
		// Malformed match expressions should not fail the whole query.
		return nil, nil
	}
	defer rows.Close()

	var hits []textHit
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		// bm25 is lower-is-better; negate so merge sorting is uniform.
		hits = append(hits, textHit{chunkID: id, relevance: -rank})
	}
	return hits, rows.Err()
}

func (ix *indexFile) likeSearch(ctx context.Context, q string, limit int) ([]textHit, error) {
	terms := queryTerms(q)
	if len(terms) == 0 {
		return nil, nil
	}

	var where []string
	var args []interface{}
	for _, t := range terms {
		where = append(where, "lower(text) LIKE ?")
		args = append(args, "%"+strings.ToLower(t)+"%")
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, text FROM chunks WHERE `+strings.Join(where, " OR "), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []textHit
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		lower := strings.ToLower(text)
		matches := 0
		for _, t := range terms {
			matches += strings.Count(lower, strings.ToLower(t))
		}
		if matches == 0 {
			continue
		}
		score := float64(matches) / 10
		if score > 1 {
			score = 1
		}
		hits = append(hits, textHit{chunkID: id, relevance: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].relevance > hits[j].relevance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ftsMatchExpr quotes each term so user input cannot inject FTS5
// operators.
func ftsMatchExpr(q string) string {
	terms := queryTerms(q)
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func queryTerms(q string) []string {
	return strings.Fields(q)
}

// fuseRRF combines the text and vector ranked lists with reciprocal
// rank fusion: score(d) = wText/(K+rankText) + wVec/(K+rankVec), with
// ranks 1-based and absent lists contributing nothing.
func fuseRRF(textRanked, vecRanked []string, wText, wVec float64) map[string]float64 {
	fused := make(map[string]float64)
	for i, id := range textRanked {
		fused[id] += wText / float64(rrfK+i+1)
	}
	for i, id := range vecRanked {
		fused[id] += wVec / float64(rrfK+i+1)
	}
	return fused
}

// normalizeScores min-max scales fused scores into [0, 1]. A single
// candidate maps to 1.
func normalizeScores(fused map[string]float64) {
	if len(fused) == 0 {
		return
	}
	min, max := 0.0, 0.0
	first := true
	for _, s := range fused {
		if first {
			min, max = s, s
			first = false
			continue
		}
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	span := max - min
	for id, s := range fused {
		if span == 0 {
			fused[id] = 1
		} else {
			fused[id] = (s - min) / span
		}
	}
}

// contextAround re-reads the chunk's source file and returns the chunk
// range widened by n lines on each side. Any read failure yields "".
func contextAround(path string, startLine, endLine, n int) string {
	if n <= 0 {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	lo := startLine - 1 - n
	if lo < 0 {
		lo = 0
	}
	hi := endLine + n
	if hi > len(lines) {
		hi = len(lines)
	}
	if lo >= hi {
		return ""
	}
	var b strings.Builder
	for i := lo; i < hi; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i+1, lines[i])
	}
	return b.String()
}
