package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/jarvis/internal/agent"
	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/mcpserver"
	"github.com/mtzanidakis/jarvis/internal/registry"
	"github.com/mtzanidakis/jarvis/internal/runner"
)

// runSubagents is started by the CLI itself as an MCP server. Sub-agent
// events go to the gateway's ingest endpoint.
func runSubagents() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	fwd := mcpserver.NewForwarder(cfg.IngestURL(), cfg.LogsDir())
	r := runner.New(cfg.CLI.Binary, cfg.Home, fwd, nil)

	sessions, subSessions := openSessions(cfg, db)
	orch := agent.NewOrchestrator(cfg, r, registry.Discover(cfg.AgentsDir()), sessions, subSessions, db, nil)
	go watchRegistry(ctx, cfg.AgentsDir(), orch)

	err = mcpserver.New(orch, version).Serve(ctx, os.Stdin, os.Stdout)
	r.Tracker().StopAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
