package events

import (
	"encoding/json"
	"strings"
	"time"
)

// delegateToolName is the built-in sub-agent tool of the CLI.
const delegateToolName = "Task"

// subagentToolSuffix matches the MCP delegate tool however the CLI namespaces
// it (mcp__<server>__run_subagent).
const subagentToolSuffix = "run_subagent"

// Tracker attributes the events of a single run to the agent that produced
// them. It remembers which tool-use ids launched which sub-agent and resolves
// parent_tool_use_id against that map. Events must be fed in arrival order.
// A Tracker belongs to one run and is discarded with it.
type Tracker struct {
	runID        string
	defaultAgent string
	agents       map[string]string // tool_use id -> sub-agent name
	now          func() time.Time
}

func NewTracker(runID, defaultAgent string) *Tracker {
	if defaultAgent == "" {
		defaultAgent = MainAgent
	}
	return &Tracker{
		runID:        runID,
		defaultAgent: defaultAgent,
		agents:       make(map[string]string),
		now:          time.Now,
	}
}

// Enrich records delegations found in ev and stamps it with the receipt time,
// the run id and the resolved agent name.
func (t *Tracker) Enrich(ev Event) Event {
	if ev.Assistant != nil {
		for _, block := range ev.Assistant.Content {
			if block.Type != "tool_use" || block.ID == "" {
				continue
			}
			if name := delegatedAgent(block); name != "" {
				t.agents[block.ID] = name
			}
		}
	}

	ev.AgentName = t.defaultAgent
	if ev.ParentToolUseID != "" {
		if name, ok := t.agents[ev.ParentToolUseID]; ok {
			ev.AgentName = name
		}
	}
	ev.Timestamp = t.now().UnixMilli()
	ev.RunID = t.runID
	return ev
}

// Lookup reports the sub-agent launched by a tool-use id.
func (t *Tracker) Lookup(toolUseID string) (string, bool) {
	name, ok := t.agents[toolUseID]
	return name, ok
}

func delegatedAgent(block ContentBlock) string {
	var input struct {
		SubagentType string `json:"subagent_type"`
		AgentName    string `json:"agent_name"`
	}
	if len(block.Input) == 0 || json.Unmarshal(block.Input, &input) != nil {
		return ""
	}
	switch {
	case block.Name == delegateToolName:
		return input.SubagentType
	case strings.HasSuffix(block.Name, subagentToolSuffix):
		return input.AgentName
	}
	return ""
}
