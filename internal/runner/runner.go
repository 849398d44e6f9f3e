// Package runner spawns the Claude CLI in streaming mode, turns its stdout
// into enriched events and reduces them to a single answer.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/jarvis/internal/events"
)

const (
	defaultTimeout = 120 * time.Second
	// killGrace is how long a process gets after SIGTERM before SIGKILL.
	killGrace = 5 * time.Second
)

// Publisher receives every enriched event in stdout order. *eventbus.Bus
// satisfies it.
type Publisher interface {
	Publish(events.Event)
}

// Request describes one CLI invocation.
type Request struct {
	// Agent is the default attribution for the run's events: "main" for the
	// conversation agent, the sub-agent's name for delegated runs.
	Agent string

	Prompt             string
	SystemPrompt       string
	AppendSystemPrompt string

	// Tools, when non-nil, is passed as an explicit allow-list. A non-nil
	// empty slice disables all tools.
	Tools *[]string

	MCPConfigPath   string
	ResumeSessionID string
	Timeout         time.Duration

	// Env is appended to the current process environment.
	Env []string
}

// Result is the outcome of a run. Run returns it even on failure so callers
// can record the run id and the events seen.
type Result struct {
	RunID     string
	Agent     string
	Text      string
	SessionID string
	Duration  time.Duration
	CostUSD   float64
	Events    []events.Event
}

type Runner struct {
	binary  string
	dir     string
	pub     Publisher
	tracker *Tracker
}

// New returns a Runner that executes binary in dir. tracker may be nil.
func New(binary, dir string, pub Publisher, tracker *Tracker) *Runner {
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Runner{
		binary:  binary,
		dir:     dir,
		pub:     pub,
		tracker: tracker,
	}
}

func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// Args builds the CLI argument vector for req. The prompt always follows
// "--" so variadic flags like --tools cannot swallow it.
func Args(req Request) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--setting-sources", "project",
		"--system-prompt", req.SystemPrompt,
	}
	if req.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.AppendSystemPrompt)
	}
	if req.Tools != nil {
		args = append(args, "--tools", strings.Join(*req.Tools, ","))
	}
	if req.MCPConfigPath != "" {
		args = append(args, "--mcp-config", req.MCPConfigPath)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	return append(args, "--", req.Prompt)
}

// run holds the state of one invocation from spawn to resolution.
type run struct {
	id      string
	tracker *events.Tracker
	pub     Publisher
	lines   LineBuffer

	mu     sync.Mutex // guards lines and events
	events []events.Event
}

// Write receives raw stdout chunks from the process.
func (rn *run) Write(p []byte) (int, error) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	for _, line := range rn.lines.Write(p) {
		rn.handleLine(line)
	}
	return len(p), nil
}

func (rn *run) flush() {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rest := rn.lines.Flush(); rest != "" {
		rn.handleLine(rest)
	}
}

func (rn *run) snapshot() []events.Event {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return append([]events.Event(nil), rn.events...)
}

// handleLine is called with rn.mu held.
func (rn *run) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	ev, err := events.Decode([]byte(line))
	if err != nil {
		slog.Debug("skipping non-json cli output", "run", rn.id, "line", truncate(line, 200))
		return
	}
	ev = rn.tracker.Enrich(ev)
	rn.events = append(rn.events, ev)

	if rn.pub != nil {
		rn.pub.Publish(ev)
	}
}

// Run executes the CLI and blocks until it exits. The error, if any, is a
// *Error. Cancelling ctx terminates the process.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	agent := req.Agent
	if agent == "" {
		agent = events.MainAgent
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rn := &run{
		id:  uuid.New().String(),
		pub: r.pub,
	}
	rn.tracker = events.NewTracker(rn.id, agent)
	res := &Result{RunID: rn.id, Agent: agent}

	var stderr bytes.Buffer
	cmd := exec.Command(r.binary, Args(req)...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdin = nil
	cmd.Stdout = rn
	cmd.Stderr = &stderr
	cmd.WaitDelay = killGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Duration = time.Since(start)
		return res, newError(KindCLI, fmt.Sprintf("start %s: %v", filepath.Base(r.binary), err))
	}

	r.tracker.add(&Process{RunID: rn.id, Agent: agent, PID: cmd.Process.Pid, StartedAt: start, cmd: cmd})
	defer r.tracker.remove(rn.id)

	slog.Info("cli run started", "run", rn.id, "agent", agent, "pid", cmd.Process.Pid, "resume", req.ResumeSessionID != "")

	var timedOut, cancelled atomic.Bool
	terminate := func() {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		time.AfterFunc(killGrace, func() { _ = cmd.Process.Kill() })
	}
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		terminate()
	})
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			terminate()
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	timer.Stop()
	rn.flush()

	res.Duration = time.Since(start)
	res.Events = rn.snapshot()

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
	case errors.As(waitErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		exitCode = -1
	}

	err := resolve(res, res.Events, exitCode, timedOut.Load(), stderr.String(), r.binary, timeout)
	if err != nil && cancelled.Load() && !timedOut.Load() {
		err = newError(KindCLI, fmt.Sprintf("run cancelled: %v", ctx.Err()))
	}

	if err != nil {
		slog.Warn("cli run failed", "run", rn.id, "agent", agent, "duration", res.Duration, "events", len(res.Events), "error", err)
	} else {
		slog.Info("cli run finished", "run", rn.id, "agent", agent, "duration", res.Duration, "events", len(res.Events), "session", res.SessionID)
	}
	return res, err
}

// resolve reduces the finished run to a result, in priority order: timeout,
// result event, non-zero exit, text fallback.
func resolve(res *Result, evs []events.Event, exitCode int, timedOut bool, stderr, binary string, timeout time.Duration) error {
	if timedOut {
		return newError(KindTimeout, fmt.Sprintf("%s timed out after %s", res.Agent, timeout))
	}

	for _, ev := range evs {
		if ev.Result == nil {
			continue
		}
		if ev.Result.IsError {
			msg := ev.Result.Result
			if msg == "" {
				msg = fmt.Sprintf("%s returned an error", res.Agent)
			}
			return newError(KindCLI, msg)
		}
		res.Text = ev.Result.Result
		res.SessionID = ev.SessionID
		res.CostUSD = ev.Result.TotalCostUSD
		return nil
	}

	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("%s exited with code %d", filepath.Base(binary), exitCode)
		}
		return newError(KindCLI, msg)
	}

	var text strings.Builder
	var found bool
	var lastSession string
	for _, ev := range evs {
		if ev.Kind == events.KindAssistant && ev.AgentName == res.Agent {
			for _, t := range ev.Texts() {
				text.WriteString(t)
				found = true
			}
		}
		if ev.SessionID != "" {
			lastSession = ev.SessionID
		}
	}
	if !found {
		return newError(KindParse, "no result event or text content in cli output")
	}
	res.Text = text.String()
	res.SessionID = lastSession
	res.CostUSD = 0
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
