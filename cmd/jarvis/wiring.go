package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/jarvis/internal/agent"
	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/registry"
	"github.com/mtzanidakis/jarvis/internal/session"
	"github.com/mtzanidakis/jarvis/internal/store"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	slog.Debug("store initialized", "path", cfg.Store.Path)
	return db, nil
}

// openSessions returns the conversation and sub-agent session stores for the
// configured backend.
func openSessions(cfg *config.Config, db *store.Store) (session.Store, session.Store) {
	if cfg.Sessions.Backend == "sqlite" {
		return db.Sessions(store.NamespaceConversations), db.Sessions(store.NamespaceSubagents)
	}
	return session.NewFileStore(cfg.SessionsPath()), session.NewFileStore(cfg.SubagentSessionsPath())
}

// watchRegistry re-discovers the agents on SIGHUP until ctx is done.
func watchRegistry(ctx context.Context, dir string, orch *agent.Orchestrator) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadRegistry(dir, orch)
		}
	}
}

func reloadRegistry(dir string, orch *agent.Orchestrator) registry.Diff {
	next := registry.Discover(dir)
	diff := registry.Compare(orch.Registry(), next)
	orch.SetRegistry(next)

	if diff.HasChanges() {
		slog.Info("agents reloaded", "added", diff.Added, "removed", diff.Removed, "changed", diff.Changed)
	} else {
		slog.Info("agents reloaded, no changes")
	}
	return diff
}
