package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/jarvis/internal/agent"
	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/eventbus"
	"github.com/mtzanidakis/jarvis/internal/logstore"
	"github.com/mtzanidakis/jarvis/internal/metrics"
	"github.com/mtzanidakis/jarvis/internal/natsbus"
	"github.com/mtzanidakis/jarvis/internal/registry"
	"github.com/mtzanidakis/jarvis/internal/runner"
	"github.com/mtzanidakis/jarvis/internal/telegram"
	"github.com/mtzanidakis/jarvis/internal/web"
)

const (
	runRetention   = 90 * 24 * time.Hour
	logPathEntries = 256
)

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting jarvis gateway", "version", version, "home", cfg.Home)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if n, err := db.PruneRuns(time.Now().Add(-runRetention)); err != nil {
		slog.Warn("prune run history failed", "error", err)
	} else if n > 0 {
		slog.Info("pruned run history", "runs", n)
	}

	// Event bus and its consumers
	bus := eventbus.New()
	writer, err := logstore.NewWriter(cfg.LogsDir(), logPathEntries)
	if err != nil {
		return fmt.Errorf("init log writer: %w", err)
	}
	bus.Subscribe(writer.Handle)

	// Embedded NATS relays events to the live feed
	nb, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer nb.Close()
	nc, err := natsbus.NewClient(nb)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	bus.Subscribe(natsbus.NewRelay(nc).Handle)
	slog.Info("nats started", "port", nb.Port())

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r := runner.New(cfg.CLI.Binary, cfg.Home, bus, nil)
	m := metrics.New(promReg, r.Tracker().Len)
	bus.Subscribe(m.Handle)

	// Orchestrator
	sessions, subSessions := openSessions(cfg, db)
	orch := agent.NewOrchestrator(cfg, r, registry.Discover(cfg.AgentsDir()), sessions, subSessions, db, m)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(cfg, bus, nc, db, orch, r.Tracker(), m, promReg, version)
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("log server: %w", err)
			}
			return nil
		})
	}

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, orch)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		g.Go(func() error {
			return bot.Start(gctx)
		})
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	g.Go(func() error {
		watchRegistry(gctx, cfg.AgentsDir(), orch)
		return nil
	})

	err = g.Wait()
	slog.Info("shutting down")
	if n := r.Tracker().StopAll(); n > 0 {
		slog.Info("stopped running cli processes", "count", n)
	}
	return err
}
