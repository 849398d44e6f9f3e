package registry

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultTimeout = 120 * time.Second

// AgentConfig is a parsed agents/<name>/agent.md descriptor.
type AgentConfig struct {
	Name           string
	Description    string
	Session        bool
	AllowedCallers []string
	Timeout        time.Duration
	Permissions    Permissions
	MCPServers     []MCPServer
	SystemPrompt   string
}

// Permissions is an allow-list: tools not in Allow are denied, and an empty
// Allow means the agent gets no tools at all.
type Permissions struct {
	Allow []string
	Deny  []string
}

type MCPServer struct {
	Name    string            `yaml:"name" json:"-"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
}

// AllowsCaller reports whether caller may delegate to this agent.
func (c *AgentConfig) AllowsCaller(caller string) bool {
	for _, allowed := range c.AllowedCallers {
		if allowed == caller {
			return true
		}
	}
	return false
}

// ConfigError reports an invalid descriptor.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid agent config %s: %s", e.Path, e.Reason)
}

var (
	frontmatterRe = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n---\r?\n?(.*)$`)
	envVarRe      = regexp.MustCompile(`\$\{(\w+)\}`)
)

type agentHeader struct {
	Session        *bool       `yaml:"session"`
	AllowedCallers []string    `yaml:"allowed_callers"`
	TimeoutMs      *int64      `yaml:"timeout_ms"`
	Permissions    permissions `yaml:"permissions"`
	MCPServers     []MCPServer `yaml:"mcp_servers"`
}

type permissions struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ParseAgentConfig reads and validates an agent descriptor. Undefined
// ${VAR} references in MCP server env values expand to the empty string.
func ParseAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}

	fields, body, err := splitFrontmatter(path, data)
	if err != nil {
		return nil, err
	}

	name, err := requiredString(path, fields, "name")
	if err != nil {
		return nil, err
	}
	description, err := requiredString(path, fields, "description")
	if err != nil {
		return nil, err
	}

	var header agentHeader
	if err := fields.Decode(&header); err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}

	cfg := &AgentConfig{
		Name:           name,
		Description:    description,
		AllowedCallers: []string{"main"},
		Timeout:        defaultTimeout,
		Permissions: Permissions{
			Allow: nonNil(header.Permissions.Allow),
			Deny:  nonNil(header.Permissions.Deny),
		},
		MCPServers:   make([]MCPServer, 0, len(header.MCPServers)),
		SystemPrompt: strings.TrimSpace(body),
	}
	if header.Session != nil {
		cfg.Session = *header.Session
	}
	if header.AllowedCallers != nil {
		cfg.AllowedCallers = header.AllowedCallers
	}
	if header.TimeoutMs != nil {
		cfg.Timeout = time.Duration(*header.TimeoutMs) * time.Millisecond
	}

	for i, s := range header.MCPServers {
		if s.Name == "" || s.Command == "" {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("MCP server entry %d missing \"name\" or \"command\"", i)}
		}
		if s.Env != nil {
			env := make(map[string]string, len(s.Env))
			for k, v := range s.Env {
				env[k] = expandEnvVars(v)
			}
			s.Env = env
		}
		cfg.MCPServers = append(cfg.MCPServers, s)
	}

	return cfg, nil
}

// Skill is a parsed skills/<name>/SKILL.md descriptor.
type Skill struct {
	Name         string
	Description  string
	AllowedTools []string
	Body         string
}

type skillHeader struct {
	AllowedTools []string `yaml:"allowed-tools"`
}

func ParseSkill(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}

	fields, body, err := splitFrontmatter(path, data)
	if err != nil {
		return nil, err
	}

	name, err := requiredString(path, fields, "name")
	if err != nil {
		return nil, err
	}
	description, err := requiredString(path, fields, "description")
	if err != nil {
		return nil, err
	}

	var header skillHeader
	if err := fields.Decode(&header); err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}

	return &Skill{
		Name:         name,
		Description:  description,
		AllowedTools: header.AllowedTools,
		Body:         strings.TrimSpace(body),
	}, nil
}

// header wraps the decoded front-matter node so fields can be checked by
// type before the whole header is decoded into a struct.
type header struct {
	node   yaml.Node
	values map[string]any
}

func (h *header) Decode(v any) error {
	return h.node.Decode(v)
}

func splitFrontmatter(path string, data []byte) (*header, string, error) {
	m := frontmatterRe.FindSubmatch(data)
	if m == nil {
		return nil, "", &ConfigError{Path: path, Reason: "missing front-matter delimiters"}
	}

	h := &header{}
	if err := yaml.Unmarshal(m[1], &h.node); err != nil {
		return nil, "", &ConfigError{Path: path, Reason: fmt.Sprintf("parse front-matter: %v", err)}
	}
	if err := h.node.Decode(&h.values); err != nil {
		return nil, "", &ConfigError{Path: path, Reason: "front-matter is not a mapping"}
	}
	return h, string(m[2]), nil
}

func requiredString(path string, h *header, key string) (string, error) {
	s, ok := h.values[key].(string)
	if !ok || s == "" {
		return "", &ConfigError{Path: path, Reason: fmt.Sprintf("missing required field %q", key)}
	}
	return s, nil
}

func expandEnvVars(value string) string {
	return envVarRe.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(match)[1])
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
