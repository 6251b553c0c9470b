// Package memindex maintains the searchable index over the memory
// corpus: line-range chunking, SQLite-backed full-text search, optional
// vector search, and reciprocal-rank fusion. Index files rotate at a
// size cap; reads union across every rotated file.
package memindex

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"baagent/internal/types"
)

// ChunkFile splits text into overlapping line-range chunks. size and
// overlap are line counts; the final chunk covers through the last line
// even when shorter. Empty or whitespace-only ranges are skipped.
func ChunkFile(path, source, text string, size, overlap int) []types.Chunk {
	if size <= 0 {
		size = 400
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	lines := strings.Split(text, "\n")
	// A trailing newline yields one phantom empty line; drop it.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil
	}

	now := time.Now()
	var chunks []types.Chunk
	step := size - overlap

	for start := 0; start < len(lines); start += step {
		end := start + size
		if end > len(lines) {
			end = len(lines)
		}
		chunkText := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(chunkText) != "" {
			hash := HashText(chunkText)
			chunks = append(chunks, types.Chunk{
				ID:          types.ChunkID(path, start+1, end, hash),
				Path:        path,
				Source:      source,
				StartLine:   start + 1,
				EndLine:     end,
				ContentHash: hash,
				Text:        chunkText,
				UpdatedAt:   now,
			})
		}
		if end == len(lines) {
			break
		}
	}
	return chunks
}

// HashText returns the sha256 hex digest of text, the content hash used
// for chunk ids and the embedding cache.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
