package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, common)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	if a.cfg.Metrics.Enabled {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.Metrics.ListenAddr); err != nil {
				a.logger.Error("metrics endpoint stopped", slog.String("error", err.Error()))
			}
		}()
	}

	sched, err := a.newScheduler()
	if err != nil {
		a.close()
		fatalf("scheduler: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		a.close()
		fatalf("scheduler: %v", err)
	}
	defer sched.Stop()

	health := a.invoker.HealthCheck(ctx)
	if !health.Success {
		a.logger.Warn("remote tool server unreachable at startup",
			slog.String("server_url", a.cfg.MCP.ServerURL), slog.String("error", health.Error))
	}

	a.logger.Info("bizflow serving on stdio",
		slog.String("version", version),
		slog.Int("templates", len(a.registry.List())),
		slog.Int("schedules", len(a.cfg.Schedules)),
		slog.Bool("persistence", a.store != nil))

	if err := a.newServer().Serve(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("mcp server stopped", slog.String("error", err.Error()))
	}
}
