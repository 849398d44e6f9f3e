package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/registry"
	"github.com/mtzanidakis/jarvis/internal/session"
	"github.com/mtzanidakis/jarvis/internal/store"
)

func runAgents() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return printAgents(os.Stdout, registry.Discover(cfg.AgentsDir()))
}

func printAgents(out io.Writer, reg *registry.Registry) error {
	agents := reg.List()
	if len(agents) == 0 {
		fmt.Fprintf(out, "No sub-agents found in %s.\n", reg.Dir())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSESSION\tTIMEOUT\tCALLERS\tTOOLS\tDESCRIPTION")
	for _, a := range agents {
		sess := ""
		if a.Session {
			sess = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Name, sess, a.Timeout,
			strings.Join(a.AllowedCallers, ", "),
			strings.Join(a.Permissions.Allow, ", "),
			a.Description)
	}
	if skills := reg.Skills(); len(skills) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "SKILL\tDESCRIPTION")
		for _, s := range skills {
			fmt.Fprintf(w, "%s\t%s\n", s.Name, s.Description)
		}
	}
	return w.Flush()
}

func runRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	agentName := fs.String("agent", "", "only show runs of this agent")
	limit := fs.Int("n", 20, "number of runs to show")
	stats := fs.Bool("stats", false, "show per-agent totals instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if *stats {
		s, err := db.RunStats()
		if err != nil {
			return err
		}
		return printRunStats(os.Stdout, s)
	}

	runs, err := db.ListRuns(*agentName, *limit)
	if err != nil {
		return err
	}
	return printRuns(os.Stdout, runs)
}

func printRuns(out io.Writer, runs []store.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tAGENT\tSTATUS\tDURATION\tCOST\tSESSION\tERROR")
	for _, r := range runs {
		d := time.Duration(r.DurationMs) * time.Millisecond
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Agent, r.Status, d.Round(time.Millisecond), r.CostUSD,
			r.SessionID, r.Error)
	}
	return w.Flush()
}

func printRunStats(out io.Writer, stats []store.RunStats) error {
	if len(stats) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tRUNS\tFAILED\tCOST")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t$%.4f\n", s.Agent, s.Runs, s.Failed, s.CostUSD)
	}
	return w.Flush()
}

func runSessions(args []string) error {
	if len(args) == 0 {
		printSessionsUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	switch args[0] {
	case "list":
		conv, sub := openSessions(cfg, db)
		return printSessions(os.Stdout, conv, sub)
	case "import":
		return importSessions(os.Stdout, cfg, db)
	default:
		printSessionsUsage()
		return fmt.Errorf("unknown sessions command: %s", args[0])
	}
}

func printSessionsUsage() {
	fmt.Fprintf(os.Stderr, `Usage: jarvis sessions <command>

Commands:
  list      Show stored session ids of the configured backend
  import    Copy the JSON session files into sqlite
`)
}

// lister is implemented by both session backends.
type lister interface {
	All() map[string]string
}

func printSessions(out io.Writer, conv, sub session.Store) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tKEY\tSESSION")
	rows := 0
	for _, src := range []struct {
		scope string
		store session.Store
	}{{"conversation", conv}, {"subagent", sub}} {
		l, ok := src.store.(lister)
		if !ok {
			continue
		}
		all := l.All()
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%s\n", src.scope, k, all[k])
			rows++
		}
	}
	if rows == 0 {
		fmt.Fprintln(out, "No sessions stored.")
		return nil
	}
	return w.Flush()
}

func importSessions(out io.Writer, cfg *config.Config, db *store.Store) error {
	for _, src := range []struct {
		path      string
		namespace string
	}{
		{cfg.SessionsPath(), store.NamespaceConversations},
		{cfg.SubagentSessionsPath(), store.NamespaceSubagents},
	} {
		n, err := db.Sessions(src.namespace).Import(session.NewFileStore(src.path).All())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Imported %d sessions from %s\n", n, src.path)
	}
	if cfg.Sessions.Backend != "sqlite" {
		fmt.Fprintln(out, "Set sessions.backend to sqlite to use them.")
	}
	return nil
}
