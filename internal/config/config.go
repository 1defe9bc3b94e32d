// Package config loads bizflow configuration from defaults, a YAML or JSON
// file, BIZFLOW_ environment variables and command-line overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/bizflow/internal/agent"
	"github.com/rendis/bizflow/internal/scheduler"
)

// Config is the complete bizflow configuration.
type Config struct {
	MCP         MCPConfig               `koanf:"mcp"`
	Engine      EngineConfig            `koanf:"engine"`
	Store       StoreConfig             `koanf:"store"`
	Permissions agent.StaticPermissions `koanf:"permissions"`
	Log         LogConfig               `koanf:"log"`
	Metrics     MetricsConfig           `koanf:"metrics"`
	Schedules   []scheduler.Job         `koanf:"schedules" validate:"dive"`
}

// MCPConfig describes the remote tool server.
type MCPConfig struct {
	ServerURL   string        `koanf:"server_url" validate:"required,url"`
	Transport   string        `koanf:"transport" validate:"oneof=streamable sse jsonrpc"`
	Path        string        `koanf:"path"` // jsonrpc only
	AccessToken string        `koanf:"access_token"`
	Timeout     time.Duration `koanf:"timeout" validate:"gte=1s,lte=300s"`
	RetryCount  int           `koanf:"retry_count" validate:"gte=0,lte=10"`
	RateLimit   float64       `koanf:"rate_limit" validate:"gt=0"`
	BackoffBase time.Duration `koanf:"backoff_base" validate:"gte=0"`
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	DefaultTimeout   time.Duration `koanf:"default_timeout" validate:"gte=1m,lte=480m"`
	MaxParallel      int           `koanf:"max_parallel" validate:"gte=0"`
	UnresolvedParams string        `koanf:"unresolved_params" validate:"oneof=keep error"`
	StepBackoffBase  time.Duration `koanf:"step_backoff_base" validate:"gte=0"`
}

// StoreConfig locates the libSQL database. An empty Path disables persistence.
type StoreConfig struct {
	Path            string        `koanf:"path"`
	Retention       time.Duration `koanf:"retention" validate:"gt=0"`
	CleanupSchedule string        `koanf:"cleanup_schedule" validate:"required"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ListenAddr string `koanf:"listen_addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// Dir is the per-user bizflow directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bizflow"
	}
	return filepath.Join(home, ".bizflow")
}

// defaults is the lowest configuration layer, keyed by dotted path.
func defaults() map[string]any {
	perms := agent.DefaultPermissions()
	return map[string]any{
		"mcp.server_url":   "http://localhost:8080",
		"mcp.transport":    "streamable",
		"mcp.path":         "/mcp",
		"mcp.timeout":      "30s",
		"mcp.retry_count":  3,
		"mcp.rate_limit":   10.0,
		"mcp.backoff_base": "1s",

		"engine.default_timeout":   "30m",
		"engine.max_parallel":      0,
		"engine.unresolved_params": "keep",
		"engine.step_backoff_base": "1s",

		"store.path":             "file:" + filepath.Join(Dir(), "bizflow.db"),
		"store.retention":        "24h",
		"store.cleanup_schedule": scheduler.DefaultCleanupSchedule,

		"permissions.user_id":               perms.UserID,
		"permissions.can_read_database":     perms.CanReadDatabase,
		"permissions.can_write_database":    perms.CanWriteDatabase,
		"permissions.can_send_email":        perms.CanSendEmail,
		"permissions.can_scrape_web":        perms.CanScrapeWeb,
		"permissions.can_execute_workflows": perms.CanExecuteWorkflows,
		"permissions.max_query_results":     perms.MaxQueryResults,

		"log.level":  "info",
		"log.format": "text",

		"metrics.enabled":     false,
		"metrics.listen_addr": "127.0.0.1:9464",
	}
}
