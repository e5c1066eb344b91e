package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration for the CodeCanvas backend.
type Config struct {
	Server   ServerConfig   `json:"server"`
	LLM      LLMConfig      `json:"llm"`
	Scanner  ScannerConfig  `json:"scanner"`
	Diagrams DiagramsConfig `json:"diagrams"`
	Shell    ShellConfig    `json:"shell"`
	Prompts  PromptsConfig  `json:"prompts"`
	History  HistoryConfig  `json:"history"`
	Events   EventsConfig   `json:"events"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	RateLimitRPM   int      `json:"rate_limit_rpm"` // <=0 disables the limiter
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	StaticDir      string   `json:"static_dir"`
}

// LLMConfig configures the upstream LLM provider.
type LLMConfig struct {
	Provider     string   `json:"provider"` // "openai", "anthropic", or any OpenAI-compatible name
	APIKey       string   `json:"-"`        // from env API_KEY only, never persisted
	APIBase      string   `json:"api_base,omitempty"`
	DefaultModel string   `json:"default_model"`
	Models       []string `json:"models,omitempty"`
}

// ScannerConfig configures workspace scanning and the content cache.
type ScannerConfig struct {
	WorkspaceRoot   string   `json:"workspace_root"`
	IgnoreFolders   []string `json:"ignore_folders,omitempty"`
	Extensions      []string `json:"extensions,omitempty"`
	MaxContextBytes int      `json:"max_context_bytes"`
	CacheSize       int      `json:"cache_size"`
	CacheFileCap    int      `json:"cache_file_cap"` // per-file byte cap for cache entries
}

// DiagramsConfig configures the external diagram CLIs.
type DiagramsConfig struct {
	D2Path      string `json:"d2_path,omitempty"`      // explicit d2 executable path
	MermaidPath string `json:"mermaid_path,omitempty"` // explicit mmdc executable path
}

// ShellConfig configures the interactive shell session manager.
type ShellConfig struct {
	CommandTimeoutSec int `json:"command_timeout_sec"`
	IdleTTLSec        int `json:"idle_ttl_sec"`
	EvictEverySec     int `json:"evict_every_sec"`
}

// PromptsConfig configures the agent prompt library.
type PromptsConfig struct {
	Dir string `json:"dir,omitempty"`
}

// HistoryConfig configures conversation history persistence.
type HistoryConfig struct {
	Dir string `json:"dir"`
}

// EventsConfig configures the diagram event log database.
type EventsConfig struct {
	DBPath string `json:"db_path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8000,
			StaticDir: "static",
		},
		LLM: LLMConfig{
			Provider:     "openai",
			DefaultModel: "gpt-4o-mini",
		},
		Scanner: ScannerConfig{
			IgnoreFolders: []string{
				".git", "node_modules", "__pycache__", ".venv", "venv",
				"env", ".idea", ".vscode", "dist", "build", "target",
			},
			Extensions: []string{
				".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".java", ".cs",
				".rb", ".rs", ".c", ".h", ".cpp", ".hpp", ".sql", ".sh",
				".md", ".yaml", ".yml", ".json", ".toml", ".html", ".css",
			},
			MaxContextBytes: 512 * 1024,
			CacheSize:       128,
			CacheFileCap:    256 * 1024,
		},
		Shell: ShellConfig{
			CommandTimeoutSec: 300,
			IdleTTLSec:        1800,
			EvictEverySec:     60,
		},
		History: HistoryConfig{Dir: "history"},
		Events:  EventsConfig{DBPath: "events.db"},
	}
}

// WorkspaceRoot returns the absolute workspace root, or "" when unset.
func (c *Config) WorkspaceRoot() string {
	root := ExpandHome(c.Scanner.WorkspaceRoot)
	if root == "" {
		return ""
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return root
	}
	return abs
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if root := c.WorkspaceRoot(); root != "" {
		if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
			return fmt.Errorf("workspace root not a readable directory: %s", root)
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
