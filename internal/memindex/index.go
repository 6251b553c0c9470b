package memindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"baagent/internal/logging"
	"baagent/internal/types"
)

// indexFile is one physical SQLite index database. The manager owns a
// slice of these; only the last one accepts writes.
type indexFile struct {
	db   *sql.DB
	path string

	// ftsAvailable is false when FTS5 table creation failed at open;
	// queries then fall back to LIKE scans.
	ftsAvailable bool
}

func openIndexFile(path string) (*indexFile, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	ix := &indexFile{db: db, path: path}
	if err := ix.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *indexFile) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		source TEXT,
		hash TEXT NOT NULL,
		mtime INTEGER,
		size INTEGER
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		source TEXT,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		hash TEXT NOT NULL,
		text TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);

	CREATE TABLE IF NOT EXISTS chunk_vectors (
		chunk_id TEXT PRIMARY KEY,
		embedding BLOB NOT NULL,
		dims INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS embedding_cache (
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedding BLOB NOT NULL,
		dims INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (provider, model, content_hash)
	);

	CREATE TABLE IF NOT EXISTS chunk_file_refs (
		chunk_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		category TEXT NOT NULL,
		metadata_json TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (chunk_id, file_id, category)
	);
	CREATE INDEX IF NOT EXISTS idx_refs_chunk ON chunk_file_refs(chunk_id);
	`
	if _, err := ix.db.Exec(schema); err != nil {
		return fmt.Errorf("create index schema: %w", err)
	}

	// FTS5 may be compiled out; the index degrades to LIKE scans then.
	_, err := ix.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(id UNINDEXED, text)`)
	if err != nil {
		logging.Get(logging.CategoryIndex).Warn("fts5 unavailable for %s, degrading to LIKE: %v", ix.path, err)
		ix.ftsAvailable = false
	} else {
		ix.ftsAvailable = true
	}
	return nil
}

func (ix *indexFile) close() error { return ix.db.Close() }

// sizeBytes reports the on-disk footprint for the rotation check. The
// WAL sidecar counts too, since under WAL the main file only grows at
// checkpoints.
func (ix *indexFile) sizeBytes() int64 {
	var total int64
	for _, p := range []string{ix.path, ix.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// fileHash returns the stored content hash for path, or "" if unknown.
func (ix *indexFile) fileHash(path string) (string, error) {
	var hash string
	err := ix.db.QueryRow(`SELECT hash FROM files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// fileState returns (hash, mtime, size) for the watcher's dirty check.
func (ix *indexFile) fileState(path string) (hash string, mtime int64, size int64, ok bool, err error) {
	err = ix.db.QueryRow(`SELECT hash, mtime, size FROM files WHERE path = ?`, path).
		Scan(&hash, &mtime, &size)
	if err == sql.ErrNoRows {
		return "", 0, 0, false, nil
	}
	if err != nil {
		return "", 0, 0, false, err
	}
	return hash, mtime, size, true, nil
}

// replaceFile swaps all chunks of path for the new set in one
// transaction: old chunks and FTS rows out, new ones in, files row
// upserted.
func (ix *indexFile) replaceFile(ctx context.Context, path, source, hash string, mtime, size int64, chunks []types.Chunk) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ix.ftsAvailable {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks_fts WHERE id IN (SELECT id FROM chunks WHERE path = ?)`, path); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return err
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO chunks (id, path, source, start_line, end_line, hash, text, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Path, c.Source, c.StartLine, c.EndLine, c.ContentHash, c.Text, c.UpdatedAt.UTC()); err != nil {
			return err
		}
		if ix.ftsAvailable {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunks_fts (id, text) VALUES (?, ?)`, c.ID, c.Text); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (path, source, hash, mtime, size) VALUES (?, ?, ?, ?, ?)`,
		path, source, hash, mtime, size); err != nil {
		return err
	}
	return tx.Commit()
}

// removePath drops a file and all of its chunks from this index.
func (ix *indexFile) removePath(ctx context.Context, path string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ix.ftsAvailable {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks_fts WHERE id IN (SELECT id FROM chunks WHERE path = ?)`, path); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE path = ?`, path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return err
	}
	return tx.Commit()
}

// chunkByID loads a single chunk.
func (ix *indexFile) chunkByID(ctx context.Context, id string) (*types.Chunk, error) {
	var c types.Chunk
	err := ix.db.QueryRowContext(ctx,
		`SELECT id, path, source, start_line, end_line, hash, text, updated_at
		 FROM chunks WHERE id = ?`, id).
		Scan(&c.ID, &c.Path, &c.Source, &c.StartLine, &c.EndLine, &c.ContentHash, &c.Text, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// chunksForPath returns path's chunks ordered by start line.
func (ix *indexFile) chunksForPath(ctx context.Context, path string) ([]types.Chunk, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, path, source, start_line, end_line, hash, text, updated_at
		 FROM chunks WHERE path = ? ORDER BY start_line`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.Path, &c.Source, &c.StartLine, &c.EndLine,
			&c.ContentHash, &c.Text, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// bindFileRef records a chunk-to-FileRef binding.
func (ix *indexFile) bindFileRef(ctx context.Context, chunkID string, ref types.FileRef, metadataJSON string) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chunk_file_refs (chunk_id, file_id, category, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		chunkID, ref.FileID, string(ref.Category), metadataJSON, time.Now().UTC())
	return err
}

// fileRefsFor batch-loads the FileRefs bound to a set of chunk ids.
func (ix *indexFile) fileRefsFor(ctx context.Context, chunkIDs []string) (map[string][]types.FileRef, error) {
	out := make(map[string][]types.FileRef)
	if len(chunkIDs) == 0 {
		return out, nil
	}

	query := `SELECT chunk_id, file_id, category FROM chunk_file_refs WHERE chunk_id IN (?` +
		repeatPlaceholders(len(chunkIDs)-1) + `)`
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var chunkID, fileID, category string
		if err := rows.Scan(&chunkID, &fileID, &category); err != nil {
			return nil, err
		}
		out[chunkID] = append(out[chunkID], types.FileRef{
			FileID:   fileID,
			Category: types.Category(category),
		})
	}
	return out, rows.Err()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}
