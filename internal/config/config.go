// Package config holds all ba-agent configuration. A root Config is
// loaded once at process start from YAML plus environment overrides and
// treated as read-only afterwards; components receive the sections they
// need as explicit values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ba-agent configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Memory    MemoryConfig    `yaml:"memory"`
	Docker    DockerConfig    `yaml:"docker"`
	Security  SecurityConfig  `yaml:"security"`
	FileStore FileStoreConfig `yaml:"filestore"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP transport and auth tokens.
type ServerConfig struct {
	Addr                 string `yaml:"addr"`
	JWTSecret            string `yaml:"jwt_secret"`
	AccessExpiryMinutes  int    `yaml:"access_expiry_minutes"`
	RefreshExpiryDays    int    `yaml:"refresh_expiry_days"`
	ShutdownTimeoutSecs  int    `yaml:"shutdown_timeout_seconds"`
	MaxUploadSizeMB      int    `yaml:"max_upload_size_mb"`
	ContextWindowTokens  int    `yaml:"context_window_tokens"`

	// BootstrapUser seeds a single account at startup so a fresh
	// deployment can log in. Empty disables seeding.
	BootstrapUser     string `yaml:"bootstrap_user"`
	BootstrapPassword string `yaml:"bootstrap_password"`
}

// LLMConfig configures the conversational model collaborator.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// LoggingConfig configures the category logger.
type LoggingConfig struct {
	Level   string `yaml:"level"` // debug, info, warn, error
	Dir     string `yaml:"dir"`   // empty = alongside filestore base
	Console bool   `yaml:"console"`
}

// EmbeddingConfig configures the vector embedding engine.
// Supports Ollama (local) and GenAI (cloud) backends.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "", "ollama" or "genai"

	OllamaEndpoint string `yaml:"ollama_endpoint"` // default http://localhost:11434
	OllamaModel    string `yaml:"ollama_model"`    // default embeddinggemma

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // default gemini-embedding-001
	TaskType    string `yaml:"task_type"`   // default SEMANTIC_SIMILARITY
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ba-agent",
		Version: "1.0.0",
		Server: ServerConfig{
			Addr:                ":8090",
			AccessExpiryMinutes: 30,
			RefreshExpiryDays:   7,
			ShutdownTimeoutSecs: 10,
			MaxUploadSizeMB:     50,
			ContextWindowTokens: 128000,
		},
		Memory:    DefaultMemoryConfig(),
		Docker:    DefaultDockerConfig(),
		Security:  DefaultSecurityConfig(),
		FileStore: DefaultFileStoreConfig(),
		Embedding: EmbeddingConfig{
			Provider:       "",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			Timeout:  "120s",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from path, layering it over defaults and then
// applying environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if cfg.FileStore.BaseDir == "" {
		cfg.FileStore.BaseDir = DefaultBaseDir()
	}
	return cfg, nil
}

// applyEnvOverrides applies BA_AGENT_* environment variables on top of
// file values. Secrets are the usual reason to prefer the environment.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BA_AGENT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("BA_AGENT_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("BA_AGENT_BOOTSTRAP_PASSWORD"); v != "" {
		c.Server.BootstrapPassword = v
	}
	if v := os.Getenv("BA_AGENT_DATA_DIR"); v != "" {
		c.FileStore.BaseDir = v
	}
	if v := os.Getenv("BA_AGENT_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("BA_AGENT_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("BA_AGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// DefaultBaseDir returns the platform data directory for ba-agent:
// ~/Library/Application Support/ba-agent on macOS, %APPDATA%/ba-agent on
// Windows, $XDG_DATA_HOME/ba-agent (or ~/.local/share/ba-agent) on Linux.
func DefaultBaseDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "ba-agent")
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "ba-agent")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "ba-agent")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "ba-agent")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "ba-agent")
	}
}

// ParseDuration parses a duration string with a fallback default.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
