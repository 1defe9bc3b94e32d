package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/bizflow/internal/agent"
	"github.com/rendis/bizflow/internal/config"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/invoker"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/metrics"
	"github.com/rendis/bizflow/internal/scheduler"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/templates"
	bizmcp "github.com/rendis/bizflow/pkg/mcp"
	"github.com/rendis/bizflow/pkg/schema"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Manager
	hub      *streaming.MemoryHub
	invoker  *invoker.Invoker
	store    *store.LibSQLStore // nil when persistence is off
	events   *store.EventLog
	engine   *engine.Engine
	registry *templates.Registry

	stopRecorder func()
}

// newApp loads configuration and wires every component except the
// scheduler and the MCP server, which only serve needs.
func newApp(ctx context.Context, flags commonFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath, flags.overrides())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr),
		hub:    streaming.NewMemoryHub(256),
	}

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = cfg.Metrics.Enabled
	a.metrics = metrics.NewManager(mcfg)

	invoker.ClientVersion = version
	transport, err := newTransport(cfg.MCP)
	if err != nil {
		return nil, err
	}
	a.invoker = invoker.New(transport, invoker.Config{
		RetryCount:  cfg.MCP.RetryCount,
		RateLimit:   cfg.MCP.RateLimit,
		Timeout:     cfg.MCP.Timeout,
		BackoffBase: cfg.MCP.BackoffBase,
		Logger:      a.logger.With(slog.String("component", "invoker")),
		Metrics:     a.metrics,
	})

	var archive engine.Archive
	if cfg.Store.Path != "" {
		if err := a.openStore(ctx, cfg.Store.Path); err != nil {
			a.close()
			return nil, err
		}
		archive = a.store
	}

	a.engine = engine.New(engine.Options{
		Store:           engine.NewExecutionStore(archive, a.logger),
		Invoker:         a.invoker,
		Events:          a.hub,
		Metrics:         a.metrics,
		Logger:          a.logger.With(slog.String("component", "engine")),
		StepBackoffBase: cfg.Engine.StepBackoffBase,
		MaxParallel:     cfg.Engine.MaxParallel,
		DefaultTimeout:  cfg.Engine.DefaultTimeout,
		Unresolved:      cfg.UnresolvedPolicy(),
	})

	a.registry, err = templates.NewRegistry(a.engine, a.logger.With(slog.String("component", "templates")))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load template catalog: %w", err)
	}
	if err := a.loadDefinitions(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func newTransport(cfg config.MCPConfig) (invoker.Transport, error) {
	if cfg.Transport == "jsonrpc" {
		return invoker.NewJSONRPCTransport(invoker.JSONRPCOptions{
			BaseURL:     cfg.ServerURL,
			Path:        cfg.Path,
			AccessToken: cfg.AccessToken,
			Timeout:     cfg.Timeout,
		})
	}
	return invoker.NewMCPTransport(invoker.MCPOptions{
		URL:         cfg.ServerURL,
		Kind:        cfg.Transport,
		AccessToken: cfg.AccessToken,
		Timeout:     cfg.Timeout,
	})
}

// openStore opens and migrates the database and starts recording events.
func (a *app) openStore(ctx context.Context, path string) error {
	if file, ok := strings.CutPrefix(path, "file:"); ok {
		if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(path)
	if err != nil {
		return err
	}
	a.store = st
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	a.events = store.NewEventLog(st)
	stop, err := store.NewRecorder(a.events, a.hub, a.logger.With(slog.String("component", "recorder"))).Start(ctx)
	if err != nil {
		return err
	}
	a.stopRecorder = stop
	return nil
}

// loadDefinitions registers the workflows agents defined in earlier runs.
func (a *app) loadDefinitions(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	defs, err := a.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load stored definitions: %w", err)
	}
	for _, sd := range defs {
		if _, err := a.registry.Register(sd.Definition); err != nil {
			if schema.IsCode(err, schema.ErrCodeConflict) {
				a.logger.Warn("stored definition shadows a built-in template", slog.String("workflow_id", sd.ID))
				continue
			}
			a.logger.Warn("skipping invalid stored definition",
				slog.String("workflow_id", sd.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	opts := scheduler.Options{
		Launcher:        a.registry,
		Executions:      a.engine.Store(),
		Retention:       a.cfg.Store.Retention,
		CleanupSchedule: a.cfg.Store.CleanupSchedule,
		Jobs:            a.cfg.Schedules,
		Logger:          a.logger.With(slog.String("component", "scheduler")),
	}
	if a.store != nil {
		opts.Archive = a.store
	}
	return scheduler.New(opts)
}

func (a *app) newServer() *bizmcp.Server {
	bizmcp.ServerVersion = version
	deps := bizmcp.ServerDeps{
		Templates:   a.registry,
		Executions:  a.engine.Store(),
		Tools:       agent.NewGuardFromPermissions(a.invoker, a.cfg.Permissions, a.logger.With(slog.String("component", "guard"))),
		Remote:      a.invoker,
		Permissions: a.cfg.Permissions,
		Hub:         a.hub,
		Logger:      a.logger.With(slog.String("component", "mcp")),
	}
	if a.store != nil {
		deps.Definitions = a.store
		deps.History = a.events
	}
	return bizmcp.NewServer(deps)
}

// close flushes recorded events before closing the database.
func (a *app) close() {
	if a.stopRecorder != nil {
		a.stopRecorder()
	}
	if a.invoker != nil {
		if err := a.invoker.Close(); err != nil {
			a.logger.Warn("closing invoker", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", slog.String("error", err.Error()))
		}
	}
}
