package filestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"baagent/internal/types"
)

// catIndex is the SQLite metadata index of one indexed category.
// A single connection serialises writes; WAL keeps readers cheap.
type catIndex struct {
	db *sql.DB
}

func openCatIndex(path string) (*catIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
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

	schema := `
	CREATE TABLE IF NOT EXISTS files (
		file_id TEXT PRIMARY KEY,
		session_id TEXT,
		filename TEXT,
		size INTEGER NOT NULL,
		hash TEXT NOT NULL,
		mime TEXT,
		metadata_json TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		access_count INTEGER DEFAULT 0,
		last_accessed DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_files_session ON files(session_id);
	CREATE INDEX IF NOT EXISTS idx_files_expires ON files(expires_at);
	CREATE INDEX IF NOT EXISTS idx_files_created ON files(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &catIndex{db: db}, nil
}

func (ix *catIndex) close() error { return ix.db.Close() }

func (ix *catIndex) insert(ref types.FileRef, filename string, expiresAt *time.Time) error {
	var metaJSON []byte
	if len(ref.Metadata) > 0 {
		metaJSON, _ = json.Marshal(ref.Metadata)
	}
	_, err := ix.db.Exec(`
		INSERT OR REPLACE INTO files
		(file_id, session_id, filename, size, hash, mime, metadata_json, created_at, expires_at, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		ref.FileID, ref.SessionID, filename, ref.Size, ref.Hash, ref.Mime,
		string(metaJSON), ref.CreatedAt.UTC(), nullableTime(expiresAt), ref.CreatedAt.UTC())
	return err
}

func (ix *catIndex) get(cat types.Category, fileID string) (*types.FileMetadata, error) {
	row := ix.db.QueryRow(`
		SELECT file_id, session_id, filename, size, hash, mime, metadata_json,
		       created_at, expires_at, access_count, last_accessed
		FROM files WHERE file_id = ?`, fileID)
	meta, err := scanFileRow(cat, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return meta, err
}

func (ix *catIndex) delete(fileID string) (bool, error) {
	res, err := ix.db.Exec(`DELETE FROM files WHERE file_id = ?`, fileID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (ix *catIndex) touch(fileID string) error {
	_, err := ix.db.Exec(`
		UPDATE files SET access_count = access_count + 1, last_accessed = ?
		WHERE file_id = ?`, time.Now().UTC(), fileID)
	return err
}

// list returns newest-first metadata, optionally filtered by session.
func (ix *catIndex) list(cat types.Category, sessionID string, limit int) ([]types.FileMetadata, error) {
	query := `
		SELECT file_id, session_id, filename, size, hash, mime, metadata_json,
		       created_at, expires_at, access_count, last_accessed
		FROM files`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FileMetadata
	for rows.Next() {
		meta, err := scanFileRow(cat, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *meta)
	}
	return out, rows.Err()
}

// expired returns file ids whose expiry passed as of now.
func (ix *catIndex) expired(now time.Time) ([]string, error) {
	rows, err := ix.db.Query(
		`SELECT file_id FROM files WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// knownIDs returns every indexed file id, for the startup orphan sweep.
func (ix *catIndex) knownIDs() (map[string]bool, error) {
	rows, err := ix.db.Query(`SELECT file_id FROM files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFileRow(cat types.Category, row rowScanner) (*types.FileMetadata, error) {
	var (
		meta       types.FileMetadata
		sessionID  sql.NullString
		filename   sql.NullString
		mime       sql.NullString
		metaJSON   sql.NullString
		expiresAt  sql.NullTime
		lastAccess sql.NullTime
	)
	err := row.Scan(&meta.Ref.FileID, &sessionID, &filename, &meta.Ref.Size,
		&meta.Ref.Hash, &mime, &metaJSON, &meta.Ref.CreatedAt,
		&expiresAt, &meta.AccessCount, &lastAccess)
	if err != nil {
		return nil, err
	}
	meta.Ref.Category = cat
	meta.Ref.SessionID = sessionID.String
	meta.Ref.Mime = mime.String
	meta.Filename = filename.String
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &meta.Ref.Metadata)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		meta.ExpiresAt = &t
	}
	if lastAccess.Valid {
		meta.LastAccessedAt = lastAccess.Time
	}
	return &meta, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
