package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/jarvis/internal/registry"
)

type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

type mcpConfigFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// writeMCPConfig writes the agent's MCP servers to <dir>/mcp-<name>.json in
// the format accepted by --mcp-config. It returns "" when the agent has no
// servers. The file is rewritten on every delegation.
func writeMCPConfig(dir string, cfg *registry.AgentConfig) (string, error) {
	if len(cfg.MCPServers) == 0 {
		return "", nil
	}

	file := mcpConfigFile{MCPServers: make(map[string]mcpServerEntry, len(cfg.MCPServers))}
	for _, s := range cfg.MCPServers {
		entry := mcpServerEntry{Command: s.Command, Args: s.Args, Env: s.Env}
		if entry.Args == nil {
			entry.Args = []string{}
		}
		if entry.Env == nil {
			entry.Env = map[string]string{}
		}
		file.MCPServers[s.Name] = entry
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode mcp config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}
	path := filepath.Join(dir, "mcp-"+cfg.Name+".json")

	// Concurrent delegations to the same agent share the file; a CLI that is
	// reading it must see either the old or the new content.
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp mcp config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close mcp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("replace mcp config: %w", err)
	}
	return path, nil
}
