// Package filestore implements the category-partitioned blob store every
// tool output and upload flows through. Each category gets its own
// directory under the base dir, its own size/TTL policy, and - for
// indexed categories - a SQLite metadata index. FileRefs are the only
// handles callers ever see; raw paths never leave this package.
package filestore

import (
	"path/filepath"
	"time"

	"baagent/internal/config"
	"baagent/internal/types"
)

// Policy is the per-category behavior contract.
type Policy struct {
	Category types.Category

	// Dir is the on-disk directory name relative to the base dir.
	Dir string

	// MaxItemBytes caps a single blob; 0 means unlimited.
	MaxItemBytes int64

	// TTL is the default expiry; 0 means items never expire.
	TTL time.Duration

	// Indexed categories keep a SQLite metadata index; unindexed ones
	// derive metadata from the filesystem.
	Indexed bool

	// SessionScoped categories record the owning session and restrict
	// reads/deletes to it.
	SessionScoped bool

	// ContentAddressed categories derive the file id from the content
	// hash instead of a UUID, so identical payloads dedupe.
	ContentAddressed bool
}

const mib = int64(1024 * 1024)

// defaultPolicies is the built-in policy table.
var defaultPolicies = map[types.Category]Policy{
	types.CategoryArtifact: {
		Category: types.CategoryArtifact, Dir: "artifacts",
		MaxItemBytes: 100 * mib, TTL: 24 * time.Hour,
		Indexed: false, SessionScoped: false,
	},
	types.CategoryUpload: {
		Category: types.CategoryUpload, Dir: "uploads",
		MaxItemBytes: 50 * mib, TTL: 168 * time.Hour,
		Indexed: true, SessionScoped: true,
	},
	types.CategoryReport: {
		Category: types.CategoryReport, Dir: "reports",
		MaxItemBytes: 50 * mib, TTL: 720 * time.Hour,
		Indexed: true, SessionScoped: true,
	},
	types.CategoryChart: {
		Category: types.CategoryChart, Dir: "charts",
		MaxItemBytes: 10 * mib, TTL: 168 * time.Hour,
		Indexed: true, SessionScoped: true,
	},
	types.CategoryCache: {
		Category: types.CategoryCache, Dir: "cache",
		MaxItemBytes: 10 * mib, TTL: time.Hour,
		Indexed: true, SessionScoped: true, ContentAddressed: true,
	},
	types.CategoryTemp: {
		Category: types.CategoryTemp, Dir: "temp",
		MaxItemBytes: 50 * mib, TTL: 24 * time.Hour,
		Indexed: true, SessionScoped: true,
	},
	types.CategoryMemory: {
		Category: types.CategoryMemory, Dir: "memory",
		Indexed: false, SessionScoped: false, // indexed by the memory index, not here
	},
	types.CategoryCode: {
		Category: types.CategoryCode, Dir: "code",
		Indexed: true, SessionScoped: false,
	},
	types.CategoryCheckpoint: {
		Category: types.CategoryCheckpoint, Dir: filepath.Join("temp", "checkpoints"),
		TTL:     24 * time.Hour,
		Indexed: false, SessionScoped: true,
	},
}

// buildPolicies applies config overrides on top of the built-in table.
func buildPolicies(cfg config.FileStoreConfig) map[types.Category]Policy {
	policies := make(map[types.Category]Policy, len(defaultPolicies))
	for cat, p := range defaultPolicies {
		if over, ok := cfg.Categories[string(cat)]; ok {
			if over.MaxSizeMB > 0 {
				p.MaxItemBytes = int64(over.MaxSizeMB) * mib
			}
			if over.TTLHours > 0 {
				p.TTL = time.Duration(over.TTLHours * float64(time.Hour))
			} else if over.TTLHours < 0 {
				p.TTL = 0
			}
		}
		policies[cat] = p
	}
	return policies
}
