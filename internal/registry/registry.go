package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const (
	mainAgentDir  = "main"
	agentFileName = "agent.md"
	memoryFile    = "memory.md"
	skillFileName = "SKILL.md"
)

// Registry is a snapshot of the sub-agents found under the agents directory
// and the skills found next to it. It never changes after Discover.
type Registry struct {
	dir    string
	agents map[string]*AgentConfig
	skills []*Skill
}

// Discover loads every agents/<name>/agent.md except the main agent's.
// Invalid descriptors are logged and skipped; a missing directory yields an
// empty registry.
func Discover(dir string) *Registry {
	r := &Registry{
		dir:    dir,
		agents: make(map[string]*AgentConfig),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("read agents dir failed", "dir", dir, "error", err)
		}
		return r
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == mainAgentDir {
			continue
		}
		path := filepath.Join(dir, e.Name(), agentFileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := ParseAgentConfig(path)
		if err != nil {
			slog.Warn("skipping agent", "path", path, "error", err)
			continue
		}
		if _, dup := r.agents[cfg.Name]; dup {
			slog.Warn("duplicate agent name, keeping first", "agent", cfg.Name, "path", path)
			continue
		}
		r.agents[cfg.Name] = cfg
	}

	r.skills = discoverSkills(filepath.Join(filepath.Dir(dir), "skills"))
	slog.Info("agents discovered", "count", len(r.agents), "skills", len(r.skills))
	return r
}

func discoverSkills(dir string) []*Skill {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var skills []*Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), skillFileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s, err := ParseSkill(path)
		if err != nil {
			slog.Warn("skipping skill", "path", path, "error", err)
			continue
		}
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

func (r *Registry) Get(name string) (*AgentConfig, bool) {
	cfg, ok := r.agents[name]
	return cfg, ok
}

// Names returns the agent names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) List() []*AgentConfig {
	out := make([]*AgentConfig, 0, len(r.agents))
	for _, name := range r.Names() {
		out = append(out, r.agents[name])
	}
	return out
}

func (r *Registry) Descriptions() map[string]string {
	descs := make(map[string]string, len(r.agents))
	for name, cfg := range r.agents {
		descs[name] = cfg.Description
	}
	return descs
}

func (r *Registry) Skills() []*Skill {
	return r.skills
}

func (r *Registry) Dir() string {
	return r.dir
}

func (r *Registry) MemoryPath(name string) string {
	return filepath.Join(r.dir, name, memoryFile)
}

// ReadMemory returns the agent's memory file, or "" when it does not exist.
func (r *Registry) ReadMemory(name string) (string, error) {
	data, err := os.ReadFile(r.MemoryPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read memory for %s: %w", name, err)
	}
	return string(data), nil
}
