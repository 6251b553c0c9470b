package config

// MemoryConfig groups the memory subsystems: compaction flushes, hybrid
// search, the watcher loop, and index rotation.
type MemoryConfig struct {
	Flush         FlushConfig    `yaml:"flush"`
	Search        SearchConfig   `yaml:"search"`
	Watcher       WatcherConfig  `yaml:"watcher"`
	IndexRotation RotationConfig `yaml:"index_rotation"`
}

// FlushConfig configures the memory compactor (when and what to flush).
type FlushConfig struct {
	Enabled             bool   `yaml:"enabled"`
	SoftThresholdTokens int    `yaml:"soft_threshold_tokens"`
	ReserveTokensFloor  int    `yaml:"reserve_tokens_floor"`
	MinMemoryCount      int    `yaml:"min_memory_count"`
	MaxMemoryAgeHours   int    `yaml:"max_memory_age_hours"`
	LLMModel            string `yaml:"llm_model"`
	LLMTimeout          string `yaml:"llm_timeout"`
}

// SearchConfig configures hybrid retrieval over the memory index.
type SearchConfig struct {
	Chunking ChunkingConfig `yaml:"chunking"`
	Query    QueryConfig    `yaml:"query"`
	Hybrid   HybridConfig   `yaml:"hybrid"`
}

// ChunkingConfig controls how files are split into indexable chunks.
// Units are lines.
type ChunkingConfig struct {
	Size    int `yaml:"tokens"`  // lines per chunk
	Overlap int `yaml:"overlap"` // overlapping lines between adjacent chunks
}

// QueryConfig bounds search results.
type QueryConfig struct {
	MaxResults   int     `yaml:"max_results"`
	MinScore     float64 `yaml:"min_score"`
	ContextLines int     `yaml:"context_lines"`
}

// HybridConfig controls reciprocal-rank fusion weights.
type HybridConfig struct {
	Enabled      bool    `yaml:"enabled"`
	VectorWeight float64 `yaml:"vector_weight"`
	TextWeight   float64 `yaml:"text_weight"`
}

// WatcherConfig controls the polling loop that keeps the index in sync.
type WatcherConfig struct {
	Enabled              bool     `yaml:"enabled"`
	WatchPaths           []string `yaml:"watch_paths"`
	DebounceSeconds      int      `yaml:"debounce_seconds"`
	CheckIntervalSeconds int      `yaml:"check_interval_seconds"`
}

// RotationConfig controls index file rotation.
type RotationConfig struct {
	MaxSizeMB   int    `yaml:"max_size_mb"`
	IndexPrefix string `yaml:"index_prefix"`
	IndexDir    string `yaml:"index_dir"`
}

// DefaultMemoryConfig returns the memory defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Flush: FlushConfig{
			Enabled:             true,
			SoftThresholdTokens: 20000,
			ReserveTokensFloor:  4000,
			MinMemoryCount:      1,
			MaxMemoryAgeHours:   72,
			LLMTimeout:          "30s",
		},
		Search: SearchConfig{
			Chunking: ChunkingConfig{Size: 400, Overlap: 80},
			Query:    QueryConfig{MaxResults: 10, MinScore: 0.0, ContextLines: 2},
			Hybrid:   HybridConfig{Enabled: true, VectorWeight: 0.7, TextWeight: 0.3},
		},
		Watcher: WatcherConfig{
			Enabled:              true,
			DebounceSeconds:      2,
			CheckIntervalSeconds: 10,
		},
		IndexRotation: RotationConfig{
			MaxSizeMB:   256,
			IndexPrefix: "memory",
		},
	}
}
