package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const researcherMD = `---
name: researcher
description: Digs through documentation
session: true
allowed_callers: [main, planner]
timeout_ms: 30000
permissions:
  allow: [WebSearch, Read]
  deny: [Bash]
mcp_servers:
  - name: search
    command: search-mcp
    args: ["--fast"]
    env:
      API_KEY: ${TEST_SEARCH_KEY}
      OTHER: ${TEST_UNSET_VAR_XYZ}
---

You are a careful researcher.
`

func TestParseAgentConfig(t *testing.T) {
	t.Setenv("TEST_SEARCH_KEY", "secret")
	path := filepath.Join(t.TempDir(), "agent.md")
	writeFile(t, path, researcherMD)

	cfg, err := ParseAgentConfig(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Name != "researcher" || cfg.Description != "Digs through documentation" {
		t.Errorf("unexpected identity %q / %q", cfg.Name, cfg.Description)
	}
	if !cfg.Session {
		t.Error("expected session enabled")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.Timeout)
	}
	if !cfg.AllowsCaller("planner") || cfg.AllowsCaller("coder") {
		t.Errorf("unexpected callers %v", cfg.AllowedCallers)
	}
	if len(cfg.Permissions.Allow) != 2 || cfg.Permissions.Deny[0] != "Bash" {
		t.Errorf("unexpected permissions %+v", cfg.Permissions)
	}
	if len(cfg.MCPServers) != 1 {
		t.Fatalf("expected 1 MCP server, got %d", len(cfg.MCPServers))
	}
	srv := cfg.MCPServers[0]
	if srv.Name != "search" || srv.Command != "search-mcp" || srv.Args[0] != "--fast" {
		t.Errorf("unexpected server %+v", srv)
	}
	if srv.Env["API_KEY"] != "secret" {
		t.Errorf("expected expanded env, got %q", srv.Env["API_KEY"])
	}
	if v, ok := srv.Env["OTHER"]; !ok || v != "" {
		t.Errorf("unset var should expand to empty string, got %q (%v)", v, ok)
	}
	if cfg.SystemPrompt != "You are a careful researcher." {
		t.Errorf("unexpected system prompt %q", cfg.SystemPrompt)
	}
}

func TestParseAgentConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.md")
	writeFile(t, path, "---\nname: echo\ndescription: Echoes\nunknown_key: 1\n---\nRepeat.")

	cfg, err := ParseAgentConfig(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Session {
		t.Error("session should default to false")
	}
	if len(cfg.AllowedCallers) != 1 || cfg.AllowedCallers[0] != "main" {
		t.Errorf("expected [main], got %v", cfg.AllowedCallers)
	}
	if cfg.Timeout != 120*time.Second {
		t.Errorf("expected 120s default, got %v", cfg.Timeout)
	}
	if cfg.Permissions.Allow == nil || len(cfg.Permissions.Allow) != 0 {
		t.Errorf("expected empty allow list, got %v", cfg.Permissions.Allow)
	}
	if len(cfg.MCPServers) != 0 {
		t.Errorf("expected no MCP servers, got %v", cfg.MCPServers)
	}
}

func TestParseAgentConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no delimiters", "name: x\ndescription: y\n"},
		{"unterminated", "---\nname: x\ndescription: y\n"},
		{"missing name", "---\ndescription: y\n---\nbody"},
		{"name not string", "---\nname: [a]\ndescription: y\n---\nbody"},
		{"missing description", "---\nname: x\n---\nbody"},
		{"mcp without command", "---\nname: x\ndescription: y\nmcp_servers:\n  - name: s\n---\nbody"},
		{"bad yaml", "---\nname: [unclosed\ndescription: y\n---\nbody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "agent.md")
			writeFile(t, path, tt.content)

			_, err := ParseAgentConfig(path)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Path != path {
				t.Errorf("expected path %s, got %s", path, cfgErr.Path)
			}
		})
	}
}

func TestParseSkill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SKILL.md")
	writeFile(t, path, "---\nname: pdf\ndescription: Reads PDFs\nallowed-tools: [Read, Bash]\n---\nUse pdftotext.\n")

	s, err := ParseSkill(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Name != "pdf" || len(s.AllowedTools) != 2 || s.Body != "Use pdftotext." {
		t.Errorf("unexpected skill %+v", s)
	}

	writeFile(t, path, "---\nname: pdf\n---\n")
	if _, err := ParseSkill(path); err == nil {
		t.Error("expected error for skill without description")
	}
}

func newTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	agents := filepath.Join(home, "agents")
	writeFile(t, filepath.Join(agents, "researcher", "agent.md"), researcherMD)
	writeFile(t, filepath.Join(agents, "coder", "agent.md"), "---\nname: coder\ndescription: Writes code\n---\nCode.")
	writeFile(t, filepath.Join(agents, "broken", "agent.md"), "no header at all")
	writeFile(t, filepath.Join(agents, "main", "agent.md"), "---\nname: main\ndescription: should be skipped\n---\n")
	writeFile(t, filepath.Join(agents, "main", "system-prompt.md"), "You are Jarvis.")
	if err := os.MkdirAll(filepath.Join(agents, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(agents, "coder", "memory.md"), "Prefers Go.")
	writeFile(t, filepath.Join(home, "skills", "pdf", "SKILL.md"), "---\nname: pdf\ndescription: Reads PDFs\n---\n")
	return agents
}

func TestDiscover(t *testing.T) {
	reg := Discover(newTestHome(t))

	names := reg.Names()
	if len(names) != 2 || names[0] != "coder" || names[1] != "researcher" {
		t.Fatalf("expected [coder researcher], got %v", names)
	}
	if _, ok := reg.Get("main"); ok {
		t.Error("main agent must not be registered")
	}
	if _, ok := reg.Get("broken"); ok {
		t.Error("broken agent must be skipped")
	}

	list := reg.List()
	if len(list) != 2 || list[0].Name != "coder" {
		t.Errorf("unexpected list order")
	}

	descs := reg.Descriptions()
	if descs["coder"] != "Writes code" {
		t.Errorf("unexpected descriptions %v", descs)
	}

	if skills := reg.Skills(); len(skills) != 1 || skills[0].Name != "pdf" {
		t.Errorf("unexpected skills %v", skills)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	reg := Discover(filepath.Join(t.TempDir(), "nope"))
	if len(reg.Names()) != 0 {
		t.Errorf("expected empty registry")
	}
}

func TestReadMemory(t *testing.T) {
	reg := Discover(newTestHome(t))

	mem, err := reg.ReadMemory("coder")
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if mem != "Prefers Go." {
		t.Errorf("unexpected memory %q", mem)
	}

	mem, err = reg.ReadMemory("researcher")
	if err != nil || mem != "" {
		t.Errorf("missing memory should be empty, got %q, %v", mem, err)
	}
}

func TestCompare(t *testing.T) {
	dir := newTestHome(t)
	old := Discover(dir)

	if d := Compare(old, old); d.HasChanges() {
		t.Errorf("expected no changes, got %+v", d)
	}

	writeFile(t, filepath.Join(dir, "coder", "agent.md"), "---\nname: coder\ndescription: Writes better code\n---\nCode.")
	writeFile(t, filepath.Join(dir, "planner", "agent.md"), "---\nname: planner\ndescription: Plans\n---\nPlan.")
	if err := os.RemoveAll(filepath.Join(dir, "researcher")); err != nil {
		t.Fatal(err)
	}
	d := Compare(old, Discover(dir))

	if len(d.Added) != 1 || d.Added[0] != "planner" {
		t.Errorf("expected planner added, got %v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0] != "researcher" {
		t.Errorf("expected researcher removed, got %v", d.Removed)
	}
	if len(d.Changed) != 1 || d.Changed[0] != "coder" {
		t.Errorf("expected coder changed, got %v", d.Changed)
	}
}
