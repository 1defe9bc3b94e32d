package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: bizflow run [flags] <template_id> [key=value ...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}
	templateID := fs.Arg(0)
	params, err := parseParams(fs.Args()[1:])
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, common)
	if err != nil {
		fatalf("%v", err)
	}

	exec, runErr := a.registry.Launch(ctx, templateID, params)
	a.close()
	if exec == nil {
		fatalf("%v", runErr)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exec); err != nil {
		fatalf("encode result: %v", err)
	}
	if runErr != nil {
		fatalf("%v", runErr)
	}
	if !exec.Status.Terminal() || len(exec.FailedSteps) > 0 {
		os.Exit(1)
	}
}
