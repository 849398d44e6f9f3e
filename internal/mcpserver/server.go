// Package mcpserver exposes sub-agent delegation to the main agent as an MCP
// tool served over stdio.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mtzanidakis/jarvis/internal/agent"
	"github.com/mtzanidakis/jarvis/internal/registry"
	"github.com/mtzanidakis/jarvis/internal/runner"
)

const (
	serverName      = "jarvis-subagents"
	protocolVersion = "2024-11-05"
	toolName        = "run_subagent"
	maxMessageSize  = 16 << 20
)

// Caller is the identity checked against an agent's allowed_callers. Only
// the main agent talks to this server.
const Caller = "main"

// Delegator runs sub-agents. *agent.Orchestrator satisfies it.
type Delegator interface {
	Registry() *registry.Registry
	Delegate(ctx context.Context, caller, agentName, prompt, taskContext string) (*runner.Result, error)
}

type Server struct {
	delegator Delegator
	version   string

	mu  sync.Mutex // serialises writes to out
	out io.Writer
	wg  sync.WaitGroup
}

func New(d Delegator, version string) *Server {
	return &Server{delegator: d, version: version}
}

// Serve reads newline-delimited JSON-RPC messages from in and writes the
// responses to out until in is exhausted or ctx is done. Tool calls run
// concurrently; Serve waits for them before returning.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), maxMessageSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				s.wg.Wait()
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
				default:
				}
				return nil
			}
			s.handleLine(ctx, line)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(newErrorResponse(nil, codeParseError, "parse error"))
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		if !req.isNotification() {
			s.write(newErrorResponse(req.ID, codeInvalidRequest, "invalid request"))
		}
		return
	}
	if req.isNotification() {
		slog.Debug("mcp notification", "method", req.Method)
		return
	}

	if req.Method == "tools/call" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.write(s.handleToolCall(ctx, &req))
		}()
		return
	}
	s.write(s.dispatch(&req))
}

func (s *Server) dispatch(req *request) *response {
	switch req.Method {
	case "initialize":
		var params struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &params)
		version := params.ProtocolVersion
		if version == "" {
			version = protocolVersion
		}
		return newResponse(req.ID, map[string]any{
			"protocolVersion": version,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": s.version},
		})
	case "ping":
		return newResponse(req.ID, map[string]any{})
	case "tools/list":
		return newResponse(req.ID, map[string]any{"tools": []any{s.toolDefinition()}})
	default:
		return newErrorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) available() string {
	names := s.delegator.Registry().Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func (s *Server) toolDefinition() map[string]any {
	available := s.available()
	return map[string]any{
		"name":        toolName,
		"description": "Delegate a task to a specialized subagent. Available agents: " + available,
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_name": map[string]any{
					"type":        "string",
					"description": "Name of the subagent. Available: " + available,
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "The task or question for the subagent",
				},
				"context": map[string]any{
					"type":        "string",
					"description": "Optional brief context with only the facts the subagent needs. Omit if the prompt is self-contained.",
				},
			},
			"required": []string{"agent_name", "prompt"},
		},
	}
}

type toolCallParams struct {
	Name      string `json:"name"`
	Arguments struct {
		AgentName string `json:"agent_name"`
		Prompt    string `json:"prompt"`
		Context   string `json:"context"`
	} `json:"arguments"`
}

type toolResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string, isError bool) toolResult {
	return toolResult{Content: []textContent{{Type: "text", Text: text}}, IsError: isError}
}

func (s *Server) handleToolCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newErrorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
	}
	if params.Name != toolName {
		return newErrorResponse(req.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}
	args := params.Arguments
	if args.AgentName == "" || args.Prompt == "" {
		return newErrorResponse(req.ID, codeInvalidParams, "agent_name and prompt are required")
	}

	res, err := s.delegator.Delegate(ctx, Caller, args.AgentName, args.Prompt, args.Context)
	if err != nil {
		return newResponse(req.ID, textResult(s.describeError(args.AgentName, err), true))
	}

	payload, err := json.Marshal(map[string]any{
		"agent":       args.AgentName,
		"result":      res.Text,
		"duration_ms": res.Duration.Milliseconds(),
		"cost_usd":    res.CostUSD,
	})
	if err != nil {
		return newErrorResponse(req.ID, codeInternalError, err.Error())
	}
	return newResponse(req.ID, textResult(string(payload), false))
}

func (s *Server) describeError(agentName string, err error) string {
	var re *runner.Error
	switch {
	case errors.Is(err, agent.ErrUnknownAgent):
		return fmt.Sprintf("Unknown agent: %q. Available: %s", agentName, s.available())
	case errors.Is(err, agent.ErrCallerNotAllowed):
		return fmt.Sprintf("Agent %q does not allow caller %q.", agentName, Caller)
	case errors.As(err, &re):
		return fmt.Sprintf("Subagent %q failed (%s): %s", agentName, re.Kind, re.Message)
	default:
		return fmt.Sprintf("Subagent %q failed (%s): %v", agentName, runner.KindCLI, err)
	}
}

func (s *Server) write(resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("encode mcp response failed", "error", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		slog.Error("write mcp response failed", "error", err)
	}
}
