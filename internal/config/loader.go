package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "BIZFLOW_"
	// Delimiter separates nested keys.
	Delimiter = "."
	// envSeparator separates sections in environment variable names:
	// BIZFLOW_MCP__SERVER_URL -> mcp.server_url.
	envSeparator = "__"
)

// Loader layers configuration sources.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load merges, in increasing priority: defaults, the config file, the
// environment and overrides. An empty configPath looks for a file in the
// standard locations and continues without one.
func (l *Loader) Load(configPath string, overrides map[string]any) (*Config, error) {
	if err := l.k.Load(confmap.Provider(defaults(), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := l.loadFile(configPath); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else if err := l.loadDefaultFiles(); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	if err := l.k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, envSeparator, Delimiter)
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return l.k.Load(file.Provider(path), parser)
}

// loadDefaultFiles loads the first existing candidate. A candidate that
// exists but fails to parse is an error.
func (l *Loader) loadDefaultFiles() error {
	candidates := []string{
		"bizflow.yaml",
		"bizflow.yml",
		"bizflow.json",
		filepath.Join(Dir(), "settings.yaml"),
		filepath.Join(Dir(), "settings.json"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return l.loadFile(path)
		}
	}
	return nil
}

// Sprint renders the merged key/value pairs, for debugging.
func (l *Loader) Sprint() string {
	return l.k.Sprint()
}

// Load is a convenience wrapper around a fresh Loader.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
