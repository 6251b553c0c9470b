package config

// DockerConfig configures the sandbox container runtime.
type DockerConfig struct {
	Image           string  `yaml:"image"`
	MemoryLimit     string  `yaml:"memory_limit"`      // commands; e.g. "128m"
	CodeMemoryLimit string  `yaml:"code_memory_limit"` // code; e.g. "512m"
	CPULimit        float64 `yaml:"cpu_limit"`         // fractional CPUs
	TimeoutSeconds  int     `yaml:"timeout"`
	NetworkDisabled bool    `yaml:"network_disabled"`
}

// SecurityConfig holds sandbox allow-lists.
type SecurityConfig struct {
	// CommandWhitelist lists executables that execute_command may run.
	CommandWhitelist []string `yaml:"command_whitelist"`

	// ModuleAllowList lists Python modules that submitted code may import.
	ModuleAllowList []string `yaml:"module_allow_list"`
}

// DefaultDockerConfig returns the sandbox runtime defaults.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:           "python:3.12-slim",
		MemoryLimit:     "128m",
		CodeMemoryLimit: "512m",
		CPULimit:        0.5,
		TimeoutSeconds:  30,
		NetworkDisabled: true,
	}
}

// DefaultSecurityConfig returns conservative allow-lists.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		CommandWhitelist: []string{"ls", "cat", "echo", "head", "tail", "wc", "python3"},
		ModuleAllowList: []string{
			"math", "statistics", "json", "csv", "datetime", "re",
			"collections", "itertools", "functools", "decimal",
			"pandas", "numpy",
		},
	}
}
