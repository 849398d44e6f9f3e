package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// The REPL shares the terminal with the log output.
	level := slog.LevelInfo
	if os.Args[1] == "chat" {
		level = slog.LevelWarn
	}
	setupLogging(level)

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("jarvis %s\n", version)
		return
	case "gateway":
		err = runGateway()
	case "chat":
		err = runChat()
	case "subagents":
		err = runSubagents()
	case "agents":
		err = runAgents()
	case "runs":
		err = runRuns(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: jarvis <command>

Commands:
  gateway     Start the Telegram bot and the log server
  chat        Talk to the main agent in the terminal
  subagents   Serve the run_subagent MCP tool on stdio
  agents      List the configured sub-agents
  runs        Show run history
  sessions    Manage stored session ids
  backup      Archive agents, skills and data
  restore     Restore an archive created by backup
  version     Print version
`)
}

// setupLogging sends logs to stderr; stdout belongs to the MCP protocol and
// the REPL. JARVIS_LOG_LEVEL overrides the level.
func setupLogging(level slog.Level) {
	switch strings.ToLower(os.Getenv("JARVIS_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
