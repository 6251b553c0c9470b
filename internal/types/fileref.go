// Package types defines the shared data model of the ba-agent runtime:
// file references, memory records, conversation messages, tool results,
// and the error-kind taxonomy. It is pure data - no I/O, no globals.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Category is a top-level namespace in the file store. Each category has
// its own size limit, TTL, indexing choice, and access rules.
type Category string

const (
	CategoryArtifact   Category = "artifact"
	CategoryUpload     Category = "upload"
	CategoryReport     Category = "report"
	CategoryChart      Category = "chart"
	CategoryCache      Category = "cache"
	CategoryTemp       Category = "temp"
	CategoryMemory     Category = "memory"
	CategoryCheckpoint Category = "checkpoint"
	CategoryCode       Category = "code"
)

// AllCategories lists every known category in janitor sweep order:
// cache and temp first, then the rest.
var AllCategories = []Category{
	CategoryCache,
	CategoryTemp,
	CategoryArtifact,
	CategoryUpload,
	CategoryReport,
	CategoryChart,
	CategoryMemory,
	CategoryCheckpoint,
	CategoryCode,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// FileRef is the opaque, path-free handle the runtime uses in place of
// filesystem paths. Immutable once emitted by a store call.
type FileRef struct {
	FileID    string            `json:"file_id"`
	Category  Category          `json:"category"`
	SessionID string            `json:"session_id,omitempty"`
	Size      int64             `json:"size"`
	Hash      string            `json:"hash"`
	Mime      string            `json:"mime,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// String returns the canonical "<category>:<file_id>" form.
func (r FileRef) String() string {
	return fmt.Sprintf("%s:%s", r.Category, r.FileID)
}

// ParseFileRef parses the canonical "<category>:<file_id>" form.
// Only the category and id are recoverable from the string form.
func ParseFileRef(s string) (FileRef, error) {
	cat, id, ok := strings.Cut(s, ":")
	if !ok || cat == "" || id == "" {
		return FileRef{}, E(KindBadInput, "malformed file ref %q", s)
	}
	c := Category(cat)
	if !c.Valid() {
		return FileRef{}, E(KindBadInput, "unknown category %q in file ref", cat)
	}
	if err := ValidateFileID(id); err != nil {
		return FileRef{}, err
	}
	return FileRef{FileID: id, Category: c}, nil
}

// ValidateFileID rejects ids that could escape a category directory:
// path separators, parent references, NUL/CR/LF and other control bytes.
func ValidateFileID(id string) error {
	if id == "" {
		return E(KindPathViolation, "empty file id")
	}
	if strings.Contains(id, "..") {
		return E(KindPathViolation, "file id %q contains parent reference", id)
	}
	for _, r := range id {
		switch {
		case r == '/' || r == '\\':
			return E(KindPathViolation, "file id %q contains path separator", id)
		case r < 0x20 || r == 0x7f:
			return E(KindPathViolation, "file id contains control byte 0x%02x", r)
		}
	}
	return nil
}

// FileMetadata is the mutable bookkeeping attached to a stored file.
// It changes only through store operations.
type FileMetadata struct {
	Ref            FileRef    `json:"ref"`
	Filename       string     `json:"filename,omitempty"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the file's TTL elapsed as of now.
func (m FileMetadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Chunk is a bounded, hashed line range of a source file - the unit of
// indexing and retrieval. Line numbers are 1-based, inclusive both ends.
type Chunk struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Source      string    `json:"source"`
	StartLine   int       `json:"start_line"`
	EndLine     int       `json:"end_line"`
	ContentHash string    `json:"content_hash"`
	Text        string    `json:"text"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChunkID derives the canonical chunk id "<path>:<start>:<end>:<hash>".
func ChunkID(path string, start, end int, hash string) string {
	return fmt.Sprintf("%s:%d:%d:%s", path, start, end, hash)
}
