package memindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"baagent/internal/embedding"
	"baagent/internal/logging"
)

// encodeVector packs a float32 vector into a little-endian blob, the
// on-disk form for chunk_vectors and embedding_cache.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func (ix *indexFile) storeVector(ctx context.Context, chunkID string, vec []float32) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunk_vectors (chunk_id, embedding, dims, updated_at)
		 VALUES (?, ?, ?, ?)`,
		chunkID, encodeVector(vec), len(vec), time.Now().UTC())
	return err
}

func (ix *indexFile) deleteVectorsForPath(ctx context.Context, path string) error {
	_, err := ix.db.ExecContext(ctx,
		`DELETE FROM chunk_vectors WHERE chunk_id IN (SELECT id FROM chunks WHERE path = ?)`, path)
	return err
}

// cachedEmbedding returns the cached vector for (provider, model,
// contentHash), or nil on a miss.
func (ix *indexFile) cachedEmbedding(ctx context.Context, provider, model, contentHash string) ([]float32, error) {
	var blob []byte
	err := ix.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE provider = ? AND model = ? AND content_hash = ?`,
		provider, model, contentHash).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVector(blob)
}

func (ix *indexFile) cacheEmbedding(ctx context.Context, provider, model, contentHash string, vec []float32) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embedding_cache (provider, model, content_hash, embedding, dims, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		provider, model, contentHash, encodeVector(vec), len(vec), time.Now().UTC())
	return err
}

// vectorHit pairs a chunk id with its cosine similarity to a query.
type vectorHit struct {
	chunkID string
	score   float64
}

// vectorScan walks every stored vector and scores it against query.
// The corpus is small enough that a brute-force scan beats maintaining
// an ANN structure; rotation keeps each file bounded.
func (ix *indexFile) vectorScan(ctx context.Context, query []float32) ([]vectorHit, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM chunk_vectors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil || len(vec) != len(query) {
			continue
		}
		hits = append(hits, vectorHit{chunkID: id, score: embedding.CosineSimilarity(query, vec)})
	}
	return hits, rows.Err()
}

// embedChunks generates and stores vectors for the given chunk ids,
// consulting the embedding cache by content hash first. Embedding
// failures degrade the index to text-only rather than failing the
// write.
func (ix *indexFile) embedChunks(ctx context.Context, eng embedding.Engine, ids, hashes, texts []string) {
	if eng == nil || len(ids) == 0 {
		return
	}
	log := logging.Get(logging.CategoryEmbedding)

	var missIdx []int
	for i := range ids {
		vec, err := ix.cachedEmbedding(ctx, eng.Name(), "", hashes[i])
		if err == nil && vec != nil {
			if err := ix.storeVector(ctx, ids[i], vec); err != nil {
				log.Warn("store cached vector for %s: %v", ids[i], err)
			}
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return
	}

	missTexts := make([]string, len(missIdx))
	for i, idx := range missIdx {
		missTexts[i] = texts[idx]
	}
	vecs, err := eng.EmbedBatch(ctx, missTexts)
	if err != nil {
		log.Warn("embed batch of %d chunks failed, index stays text-only: %v", len(missIdx), err)
		return
	}
	for i, idx := range missIdx {
		if i >= len(vecs) || len(vecs[i]) == 0 {
			continue
		}
		if err := ix.storeVector(ctx, ids[idx], vecs[i]); err != nil {
			log.Warn("store vector for %s: %v", ids[idx], err)
			continue
		}
		if err := ix.cacheEmbedding(ctx, eng.Name(), "", hashes[idx], vecs[i]); err != nil {
			log.Warn("cache embedding for %s: %v", ids[idx], err)
		}
	}
}
