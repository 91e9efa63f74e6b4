// Package config handles Loom agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loom-editor/loom/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./loom.yaml, ~/.config/loom/config.yaml, /etc/loom/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"loom.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loom", "config.yaml"))
	}

	paths = append(paths, "/etc/loom/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Loom agent configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Model     ModelConfig     `yaml:"model"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Shell     ShellConfig     `yaml:"shell"`
	Agent     AgentConfig     `yaml:"agent"`
	Tools     ToolsConfig     `yaml:"tools"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "127.0.0.1")
	Port    int    `yaml:"port"`
}

// ModelConfig selects the LLM provider and model.
type ModelConfig struct {
	Provider  string `yaml:"provider"` // ollama, anthropic
	Name      string `yaml:"name"`
	OllamaURL string `yaml:"ollama_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file tool paths must resolve inside this directory.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
	// SensitiveFiles are workspace-relative paths the agent may read but
	// never write or delete (e.g., ".env", "secrets.yaml").
	SensitiveFiles []string `yaml:"sensitive_files"`
}

// ShellConfig defines shell command execution capabilities.
type ShellConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// DeniedPatterns are command substrings to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	// MaxIterations caps model-call iterations per turn.
	MaxIterations int `yaml:"max_iterations"`
	// LoopRepeatThreshold is how many consecutive identical tool-call
	// batches trigger the loop breaker.
	LoopRepeatThreshold int `yaml:"loop_repeat_threshold"`
	// Retry controls transport-level retry with exponential backoff.
	Retry RetryConfig `yaml:"retry"`
	// ObserveMaxIssues bounds how many diagnostics the observe phase
	// reports back to the model after a batch of edits.
	ObserveMaxIssues int `yaml:"observe_max_issues"`
}

// RetryConfig defines exponential backoff for retryable LLM failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	// TimeoutSec is the hard per-tool execution timeout in seconds.
	TimeoutSec int `yaml:"timeout_sec"`
	// ResultMaxChars is the character budget for tool results before
	// tool-aware truncation kicks in.
	ResultMaxChars int `yaml:"result_max_chars"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.Workspace.Path = paths.ExpandHome(cfg.Workspace.Path)
	cfg.DataDir = paths.ExpandHome(cfg.DataDir)

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Address: "127.0.0.1", Port: 8315},
		Model: ModelConfig{
			Provider:  "ollama",
			Name:      "qwen3:8b",
			OllamaURL: "http://localhost:11434",
			MaxTokens: 4096,
		},
		Agent: AgentConfig{
			MaxIterations:       25,
			LoopRepeatThreshold: 2,
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  500 * time.Millisecond,
				Multiplier: 2.0,
			},
			ObserveMaxIssues: 5,
		},
		Tools: ToolsConfig{
			TimeoutSec:     60,
			ResultMaxChars: 24000,
		},
	}
}
