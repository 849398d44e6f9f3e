// Package agent runs conversation turns for the main agent and delegations
// to sub-agents on top of the CLI runner.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/events"
	"github.com/mtzanidakis/jarvis/internal/metrics"
	"github.com/mtzanidakis/jarvis/internal/registry"
	"github.com/mtzanidakis/jarvis/internal/runner"
	"github.com/mtzanidakis/jarvis/internal/session"
	"github.com/mtzanidakis/jarvis/internal/store"
)

var (
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrCallerNotAllowed = errors.New("caller not allowed")
)

// ParentSessionEnv carries the conversation's session id into the main
// agent's process so nested tools can correlate their own runs.
const ParentSessionEnv = "JARVIS_PARENT_SESSION_ID"

type Orchestrator struct {
	cfg         *config.Config
	runner      *runner.Runner
	registry    atomic.Pointer[registry.Registry]
	sessions    session.Store
	subSessions session.Store
	store       *store.Store
	metrics     *metrics.Metrics
	lanes       *lanes
}

// NewOrchestrator wires the orchestrator. s and m may be nil to disable run
// history and metrics.
func NewOrchestrator(cfg *config.Config, r *runner.Runner, reg *registry.Registry, sessions, subSessions session.Store, s *store.Store, m *metrics.Metrics) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		runner:      r,
		sessions:    sessions,
		subSessions: subSessions,
		store:       s,
		metrics:     m,
		lanes:       newLanes(),
	}
	o.registry.Store(reg)
	return o
}

func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry.Load()
}

// SetRegistry swaps in a freshly discovered registry. Delegations already
// running keep the descriptor they started with.
func (o *Orchestrator) SetRegistry(reg *registry.Registry) {
	o.registry.Store(reg)
}

// Ask runs one turn of the conversation identified by key and returns the
// main agent's answer. The conversation's session id is resumed and then
// replaced by the one the CLI reports.
func (o *Orchestrator) Ask(ctx context.Context, key, text string) (*runner.Result, error) {
	release, err := o.lanes.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	systemPrompt, err := os.ReadFile(o.cfg.MainSystemPromptPath())
	if err != nil {
		return nil, &runner.Error{Kind: runner.KindCLI, Message: fmt.Sprintf("read system prompt: %v", err)}
	}
	memory, err := os.ReadFile(o.cfg.MainMemoryPath())
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("read main memory failed", "path", o.cfg.MainMemoryPath(), "error", err)
	}

	sid := o.sessions.Get(key)
	req := runner.Request{
		Agent:              events.MainAgent,
		Prompt:             text,
		SystemPrompt:       string(systemPrompt),
		AppendSystemPrompt: string(memory),
		ResumeSessionID:    sid,
		Timeout:            o.cfg.CLI.Timeout,
		Env:                []string{ParentSessionEnv + "=" + sid},
	}

	res, err := o.runner.Run(ctx, req)
	o.record(res, err)
	if err != nil {
		return res, err
	}

	if res.SessionID != "" && res.SessionID != sid {
		if err := o.sessions.Set(key, res.SessionID); err != nil {
			slog.Error("save session failed", "key", key, "session", res.SessionID, "error", err)
		}
	}
	return res, nil
}

// Reset forgets the conversation's session so the next turn starts fresh.
func (o *Orchestrator) Reset(key string) error {
	if err := o.sessions.Clear(key); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	slog.Info("conversation reset", "key", key)
	return nil
}

// Busy reports whether a turn is in progress for key.
func (o *Orchestrator) Busy(key string) bool {
	return o.lanes.busy(key)
}

// Delegate runs a sub-agent on behalf of caller. taskContext, when
// non-empty, is prepended to the prompt.
func (o *Orchestrator) Delegate(ctx context.Context, caller, agentName, prompt, taskContext string) (*runner.Result, error) {
	reg := o.registry.Load()
	cfg, ok := reg.Get(agentName)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAgent, agentName)
	}
	if !cfg.AllowsCaller(caller) {
		return nil, fmt.Errorf("%w: %q cannot call %q", ErrCallerNotAllowed, caller, agentName)
	}

	laneKey := "delegate:" + agentName
	if cfg.Session {
		release, err := o.lanes.acquire(ctx, laneKey)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	memory, err := reg.ReadMemory(agentName)
	if err != nil {
		slog.Warn("read agent memory failed", "agent", agentName, "error", err)
	}

	mcpPath, err := writeMCPConfig(o.cfg.TmpDir(), cfg)
	if err != nil {
		return nil, &runner.Error{Kind: runner.KindCLI, Message: err.Error()}
	}

	tools := append([]string{}, cfg.Permissions.Allow...)
	req := runner.Request{
		Agent:              agentName,
		Prompt:             composePrompt(prompt, taskContext),
		SystemPrompt:       cfg.SystemPrompt,
		AppendSystemPrompt: memory,
		Tools:              &tools,
		MCPConfigPath:      mcpPath,
		Timeout:            cfg.Timeout,
	}
	if cfg.Session {
		req.ResumeSessionID = o.subSessions.Get(agentName)
	}

	slog.Info("delegating", "caller", caller, "agent", agentName, "resume", req.ResumeSessionID != "")
	res, err := o.runner.Run(ctx, req)
	o.record(res, err)
	if err != nil {
		return res, err
	}

	if cfg.Session && res.SessionID != "" {
		if err := o.subSessions.Set(agentName, res.SessionID); err != nil {
			slog.Error("save sub-agent session failed", "agent", agentName, "error", err)
		}
	}
	return res, nil
}

func composePrompt(prompt, taskContext string) string {
	if strings.TrimSpace(taskContext) == "" {
		return prompt
	}
	return "Context:\n" + taskContext + "\n\nTask:\n" + prompt
}

// record stores the run summary and updates metrics.
func (o *Orchestrator) record(res *runner.Result, runErr error) {
	if res == nil {
		return
	}

	status, label, errMsg := store.RunSuccess, "success", ""
	if runErr != nil {
		status, label, errMsg = store.RunError, string(runner.KindCLI), runErr.Error()
		var re *runner.Error
		if errors.As(runErr, &re) {
			label = string(re.Kind)
			if re.Kind == runner.KindTimeout {
				status = store.RunTimeout
			}
		}
	}
	o.metrics.ObserveRun(res.Agent, label, res.Duration, res.CostUSD)

	if o.store == nil {
		return
	}
	finished := time.Now()
	run := &store.Run{
		ID:         res.RunID,
		Agent:      res.Agent,
		SessionID:  res.SessionID,
		Status:     status,
		Error:      errMsg,
		CostUSD:    res.CostUSD,
		DurationMs: res.Duration.Milliseconds(),
		Events:     len(res.Events),
		StartedAt:  finished.Add(-res.Duration),
		FinishedAt: &finished,
	}
	if err := o.store.SaveRun(run); err != nil {
		slog.Warn("save run failed", "run", res.RunID, "error", err)
	}
}

// UserMessage maps a run error to the text shown to the person chatting.
func UserMessage(err error) string {
	if errors.Is(err, runner.ErrTimeout) {
		return "Sorry, that took too long. Try a simpler request."
	}
	return "Something went wrong. Please try again."
}
