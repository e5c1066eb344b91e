package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads the config file (JSON5: comments and trailing commas allowed),
// falls back to defaults when the file is absent, and applies environment
// overrides last. Secrets (API_KEY) come from the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		cfg.LLM.DefaultModel = v
	}
	if v := os.Getenv("MODELS"); v != "" {
		cfg.LLM.Models = splitCSV(v)
	}
	if v := os.Getenv("CODE_PATH"); v != "" {
		cfg.Scanner.WorkspaceRoot = v
	}
	if v := os.Getenv("IGNORE_FOLDERS"); v != "" {
		cfg.Scanner.IgnoreFolders = append(cfg.Scanner.IgnoreFolders, splitCSV(v)...)
	}
	if v := os.Getenv("D2_EXECUTABLE_PATH"); v != "" {
		cfg.Diagrams.D2Path = v
	}
	if v := os.Getenv("MERMAID_EXECUTABLE_PATH"); v != "" {
		cfg.Diagrams.MermaidPath = v
	}
	if v := os.Getenv("PROMPTS_DIR"); v != "" {
		cfg.Prompts.Dir = v
	}
	if v := os.Getenv("HISTORY_DIR"); v != "" {
		cfg.History.Dir = v
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
	if v := os.Getenv("EVENTS_DB"); v != "" {
		cfg.Events.DBPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
