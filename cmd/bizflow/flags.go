package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"
)

// commonFlags are accepted by every command that loads configuration.
type commonFlags struct {
	configPath string
	serverURL  string
	logLevel   string
	dbPath     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (default: ./bizflow.yaml or ~/.bizflow/settings.yaml)")
	fs.StringVar(&c.serverURL, "server-url", "", "remote MCP tool server URL")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&c.dbPath, "db-path", "", "libsql database URI; \"none\" disables persistence")
}

// overrides turns the flags that were set into dotted config keys.
func (c *commonFlags) overrides() map[string]any {
	out := map[string]any{}
	if c.serverURL != "" {
		out["mcp.server_url"] = c.serverURL
	}
	if c.logLevel != "" {
		out["log.level"] = c.logLevel
	}
	switch c.dbPath {
	case "":
	case "none":
		out["store.path"] = ""
	default:
		out["store.path"] = c.dbPath
	}
	return out
}

// parseParams reads key=value pairs. Values that parse as JSON (numbers,
// booleans, arrays, objects) keep their type; everything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}
