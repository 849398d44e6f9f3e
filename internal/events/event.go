// Package events models the records emitted by `claude -p --output-format
// stream-json --verbose` and the enrichment Jarvis adds to each of them.
//
// A decoded Event keeps the original JSON object so it can be persisted and
// broadcast verbatim; the typed variant fields are views over that object.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the variant of an Event.
type Kind string

const (
	KindSystemInit Kind = "system-init"
	KindSystemHook Kind = "system-hook"
	KindSystem     Kind = "system"
	KindAssistant  Kind = "assistant"
	KindUser       Kind = "user"
	KindResult     Kind = "result"
	KindUnknown    Kind = "unknown"
)

// MainAgent is the attribution used for events that cannot be tied to a
// sub-agent.
const MainAgent = "main"

// Enrichment keys added to every event before it reaches the bus.
const (
	keyTimestamp = "_timestamp"
	keyRunID     = "_runId"
	keyAgentName = "_agentName"
)

var ErrNotObject = errors.New("event is not a JSON object")

type Event struct {
	Kind            Kind
	Type            string
	Subtype         string
	SessionID       string
	ParentToolUseID string

	Timestamp int64 // receipt time, unix milliseconds
	RunID     string
	AgentName string

	Init      *SystemInit
	Hook      *SystemHook
	Assistant *AssistantMessage
	User      *UserMessage
	Result    *Result

	raw map[string]json.RawMessage
}

type SystemInit struct {
	Model             string      `json:"model"`
	Tools             []string    `json:"tools"`
	Cwd               string      `json:"cwd,omitempty"`
	Agents            []string    `json:"agents,omitempty"`
	Skills            []string    `json:"skills,omitempty"`
	MCPServers        []MCPStatus `json:"mcp_servers,omitempty"`
	ClaudeCodeVersion string      `json:"claude_code_version,omitempty"`
}

type MCPStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type SystemHook struct {
	HookName  string `json:"hook_name,omitempty"`
	HookEvent string `json:"hook_event,omitempty"`
	HookID    string `json:"hook_id,omitempty"`
	Output    string `json:"output,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

type AssistantMessage struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type UserMessage struct {
	Role          string          `json:"role"`
	Content       []ContentBlock  `json:"content"`
	ToolUseResult json.RawMessage `json:"-"`
}

type Result struct {
	IsError           bool            `json:"is_error"`
	DurationMs        int64           `json:"duration_ms"`
	DurationAPIMs     int64           `json:"duration_api_ms,omitempty"`
	NumTurns          int             `json:"num_turns"`
	Result            string          `json:"result"`
	TotalCostUSD      float64         `json:"total_cost_usd"`
	PermissionDenials json.RawMessage `json:"permission_denials,omitempty"`
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ContentBlock is one entry of a message's content array. Which fields are
// set depends on Type: "text", "tool_use" or "tool_result".
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Decode parses one stream record. Anything that is not a JSON object is an
// error; objects with an unrecognised or malformed payload decode as
// KindUnknown so they are still logged.
func Decode(data []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if raw == nil {
		return Event{}, ErrNotObject
	}
	return fromRaw(raw), nil
}

// FromMap builds an Event from an already-decoded JSON object.
func FromMap(m map[string]any) (Event, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	return Decode(data)
}

func fromRaw(raw map[string]json.RawMessage) Event {
	ev := Event{raw: raw}
	ev.Type = stringField(raw, "type")
	ev.Subtype = stringField(raw, "subtype")
	ev.SessionID = stringField(raw, "session_id")
	ev.ParentToolUseID = stringField(raw, "parent_tool_use_id")
	ev.RunID = stringField(raw, keyRunID)
	ev.AgentName = stringField(raw, keyAgentName)
	if ts, ok := raw[keyTimestamp]; ok {
		_ = json.Unmarshal(ts, &ev.Timestamp)
	}

	ev.Kind = KindUnknown
	switch ev.Type {
	case "system":
		ev.Kind = KindSystem
		switch ev.Subtype {
		case "init":
			var init SystemInit
			if decodeInto(raw, &init) {
				ev.Kind = KindSystemInit
				ev.Init = &init
			}
		case "hook_started", "hook_response":
			var hook SystemHook
			if decodeInto(raw, &hook) {
				ev.Kind = KindSystemHook
				ev.Hook = &hook
			}
		}
	case "assistant":
		var msg AssistantMessage
		if decodeField(raw, "message", &msg) {
			ev.Kind = KindAssistant
			ev.Assistant = &msg
		}
	case "user":
		var msg UserMessage
		if decodeField(raw, "message", &msg) {
			msg.ToolUseResult = raw["tool_use_result"]
			ev.Kind = KindUser
			ev.User = &msg
		}
	case "result":
		var res Result
		if decodeInto(raw, &res) {
			ev.Kind = KindResult
			ev.Result = &res
		}
	}
	return ev
}

// MarshalJSON writes the original object plus the enrichment keys.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.raw)+3)
	for k, v := range e.raw {
		out[k] = v
	}
	if e.Type != "" {
		out["type"], _ = json.Marshal(e.Type)
	}
	if e.Timestamp != 0 {
		out[keyTimestamp], _ = json.Marshal(e.Timestamp)
	}
	if e.RunID != "" {
		out[keyRunID], _ = json.Marshal(e.RunID)
	}
	if e.AgentName != "" {
		out[keyAgentName], _ = json.Marshal(e.AgentName)
	}
	return json.Marshal(out)
}

// Field returns a raw top-level field of the original record.
func (e Event) Field(name string) (json.RawMessage, bool) {
	v, ok := e.raw[name]
	return v, ok
}

// Texts returns the text blocks of an assistant event in order.
func (e Event) Texts() []string {
	if e.Assistant == nil {
		return nil
	}
	var out []string
	for _, b := range e.Assistant.Content {
		if b.Type == "text" {
			out = append(out, b.Text)
		}
	}
	return out
}

func stringField(raw map[string]json.RawMessage, name string) string {
	v, ok := raw[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func decodeInto(raw map[string]json.RawMessage, v any) bool {
	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func decodeField(raw map[string]json.RawMessage, name string, v any) bool {
	data, ok := raw[name]
	if !ok {
		return false
	}
	return json.Unmarshal(data, v) == nil
}
