package config

// FileStoreConfig configures the category-partitioned file store.
type FileStoreConfig struct {
	BaseDir                 string                    `yaml:"base_dir"`
	MaxTotalSizeGB          float64                   `yaml:"max_total_size_gb"`
	CleanupIntervalHours    float64                   `yaml:"cleanup_interval_hours"`
	CleanupThresholdPercent float64                   `yaml:"cleanup_threshold_percent"`
	Categories              map[string]CategoryConfig `yaml:"categories"`
}

// CategoryConfig overrides per-category policy knobs. Zero values mean
// "keep the built-in default"; TTLHours < 0 means no expiry.
type CategoryConfig struct {
	MaxSizeMB int     `yaml:"max_size_mb"`
	TTLHours  float64 `yaml:"ttl_hours"`
}

// DefaultFileStoreConfig returns file store defaults. BaseDir is left
// empty so Load can fill in the platform data directory.
func DefaultFileStoreConfig() FileStoreConfig {
	return FileStoreConfig{
		MaxTotalSizeGB:          10,
		CleanupIntervalHours:    1,
		CleanupThresholdPercent: 85,
		Categories:              map[string]CategoryConfig{},
	}
}
