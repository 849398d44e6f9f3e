package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mtzanidakis/jarvis/internal/agent"
	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/eventbus"
	"github.com/mtzanidakis/jarvis/internal/logstore"
	"github.com/mtzanidakis/jarvis/internal/registry"
	"github.com/mtzanidakis/jarvis/internal/runner"
	"github.com/mtzanidakis/jarvis/internal/web"
)

// chatKey is the conversation key of the terminal REPL.
const chatKey = "cli"

type asker interface {
	Ask(ctx context.Context, key, text string) (*runner.Result, error)
	Reset(key string) error
}

func runChat() error {
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

	bus := eventbus.New()
	writer, err := logstore.NewWriter(cfg.LogsDir(), logPathEntries)
	if err != nil {
		return fmt.Errorf("init log writer: %w", err)
	}
	bus.Subscribe(writer.Handle)

	r := runner.New(cfg.CLI.Binary, cfg.Home, bus, nil)
	defer r.Tracker().StopAll()

	sessions, subSessions := openSessions(cfg, db)
	orch := agent.NewOrchestrator(cfg, r, registry.Discover(cfg.AgentsDir()), sessions, subSessions, db, nil)

	// Without NATS the log server feeds its websocket from the bus directly.
	if cfg.Web.Enabled {
		srv := web.NewServer(cfg, bus, nil, db, orch, r.Tracker(), nil, nil, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Warn("log server unavailable", "error", err)
			}
		}()
	}

	return chatLoop(ctx, orch, os.Stdin, os.Stdout)
}

// chatLoop reads prompts line by line until /exit, end of input or ctx is
// done.
func chatLoop(ctx context.Context, a asker, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	fmt.Fprintln(out, "Jarvis CLI. Type /exit to quit, /reset to clear the session.")
	for {
		fmt.Fprint(out, "jarvis> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/exit":
			fmt.Fprintln(out, "Goodbye.")
			return nil
		case "/reset":
			if err := a.Reset(chatKey); err != nil {
				return err
			}
			fmt.Fprintln(out, "Session reset.")
			continue
		}

		res, err := a.Ask(ctx, chatKey, line)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out)
				return nil
			}
			fmt.Fprintf(out, "[error] %s\n", describe(err))
			continue
		}
		fmt.Fprintln(out, res.Text)
	}
}

func describe(err error) string {
	var re *runner.Error
	if errors.As(err, &re) {
		return fmt.Sprintf("%s: %s", re.Kind, re.Message)
	}
	return err.Error()
}
