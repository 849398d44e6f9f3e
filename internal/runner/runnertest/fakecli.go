// Package runnertest turns a test binary into a scripted stand-in for the
// Claude CLI. A package's TestMain calls Main; when the binary is re-executed
// with JARVIS_FAKE_CLI set it plays the named scenario instead of running
// tests.
package runnertest

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"
)

const (
	// EnvScenario selects the scenario to play.
	EnvScenario = "JARVIS_FAKE_CLI"
	// EnvArgsFile, when set, receives the argument vector as a JSON array.
	EnvArgsFile = "JARVIS_FAKE_CLI_ARGS"
	// EnvSession overrides the session id reported by the scenarios.
	EnvSession = "JARVIS_FAKE_CLI_SESSION"
)

// Main runs the fake CLI when requested and the tests otherwise.
func Main(m *testing.M) {
	if scenario := os.Getenv(EnvScenario); scenario != "" {
		os.Exit(play(scenario, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// Env returns the environment entries that select scenario.
func Env(scenario string) []string {
	return []string{EnvScenario + "=" + scenario}
}

func play(scenario string, args []string) int {
	if path := os.Getenv(EnvArgsFile); path != "" {
		data, _ := json.Marshal(args)
		_ = os.WriteFile(path, data, 0o644)
	}

	sid := os.Getenv(EnvSession)
	if sid == "" {
		sid = "sid-7"
	}
	prompt := ""
	if len(args) > 0 {
		prompt = args[len(args)-1]
	}

	switch scenario {
	case "result":
		emit(map[string]any{"type": "system", "subtype": "init", "session_id": sid, "model": "fake", "tools": []string{}})
		emit(assistant(sid, "", text("thinking")))
		emit(map[string]any{"type": "result", "subtype": "success", "is_error": false, "result": "echo: " + prompt, "session_id": sid, "total_cost_usd": 0.01, "num_turns": 1, "duration_ms": 5})
	case "chunked":
		line, _ := json.Marshal(map[string]any{"type": "result", "subtype": "success", "result": "chunked answer", "session_id": sid, "total_cost_usd": 0.02})
		line = append(line, '\n')
		for i := 0; i < len(line); i += 7 {
			end := min(i+7, len(line))
			os.Stdout.Write(line[i:end])
			time.Sleep(2 * time.Millisecond)
		}
	case "fallback":
		emit(map[string]any{"type": "system", "subtype": "init", "session_id": "sid-early"})
		fmt.Println("this is not json")
		emit(assistant(sid, "", text("Hel")))
		emit(assistant(sid, "", map[string]any{"type": "tool_use", "id": "tu_1", "name": "Task", "input": map[string]any{"subagent_type": "researcher"}}))
		emit(assistant(sid, "tu_1", text("ignored sub-agent text")))
		// Last line without a trailing newline.
		line, _ := json.Marshal(assistant(sid, "", text("lo")))
		os.Stdout.Write(line)
	case "is-error":
		emit(map[string]any{"type": "result", "subtype": "error_during_execution", "is_error": true, "result": "boom", "session_id": sid})
	case "is-error-empty":
		emit(map[string]any{"type": "result", "is_error": true, "session_id": sid})
	case "exit":
		fmt.Fprintln(os.Stderr, "unknown flag --bogus")
		return 3
	case "exit-silent":
		return 2
	case "result-then-exit":
		emit(map[string]any{"type": "result", "result": "done", "session_id": sid})
		return 1
	case "empty":
		fmt.Println("nothing to see")
	case "hang":
		emit(map[string]any{"type": "system", "subtype": "init", "session_id": sid})
		time.Sleep(time.Minute)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		emit(map[string]any{"type": "system", "subtype": "init", "session_id": sid})
		time.Sleep(time.Minute)
	case "env":
		emit(map[string]any{"type": "result", "result": os.Getenv("JARVIS_PARENT_SESSION_ID"), "session_id": sid})
	case "delegate":
		emit(assistant(sid, "", map[string]any{"type": "tool_use", "id": "tu_1", "name": "Task", "input": map[string]any{"subagent_type": "researcher"}}))
		emit(assistant(sid, "tu_1", text("digging")))
		emit(map[string]any{"type": "result", "result": "delegated: " + strings.TrimSpace(prompt), "session_id": sid})
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", scenario)
		return 99
	}
	return 0
}

func emit(v any) {
	data, _ := json.Marshal(v)
	os.Stdout.Write(append(data, '\n'))
}

func text(s string) map[string]any {
	return map[string]any{"type": "text", "text": s}
}

func assistant(sid, parent string, blocks ...map[string]any) map[string]any {
	ev := map[string]any{
		"type":       "assistant",
		"session_id": sid,
		"message":    map[string]any{"role": "assistant", "content": blocks},
	}
	if parent != "" {
		ev["parent_tool_use_id"] = parent
	} else {
		ev["parent_tool_use_id"] = nil
	}
	return ev
}
