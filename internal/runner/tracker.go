package runner

import (
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Process describes an in-flight CLI invocation.
type Process struct {
	RunID     string    `json:"run_id"`
	Agent     string    `json:"agent"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`

	cmd *exec.Cmd
}

// Tracker keeps the set of running CLI processes so they can be listed and
// terminated on shutdown.
type Tracker struct {
	procs map[string]*Process // runID → process
	mu    sync.RWMutex
	grace time.Duration
}

func NewTracker() *Tracker {
	return &Tracker{
		procs: make(map[string]*Process),
		grace: killGrace,
	}
}

func (t *Tracker) add(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.RunID] = p
}

func (t *Tracker) remove(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, runID)
}

// Active returns the running processes, oldest first.
func (t *Tracker) Active() []Process {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// StopAll sends SIGTERM to every running process, waits for them to exit
// and kills whatever is still running after the grace period. It returns how
// many processes were signalled. Their runs resolve as CLI errors.
func (t *Tracker) StopAll() int {
	n := 0
	for _, p := range t.running() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			slog.Warn("terminate cli process failed", "run", p.RunID, "pid", p.PID, "error", err)
			continue
		}
		n++
	}
	if n == 0 {
		return 0
	}

	deadline := time.Now().Add(t.grace)
	for t.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	for _, p := range t.running() {
		slog.Warn("cli process ignored SIGTERM, killing", "run", p.RunID, "pid", p.PID)
		_ = p.cmd.Process.Kill()
	}
	return n
}

func (t *Tracker) running() []*Process {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		if p.cmd != nil && p.cmd.Process != nil {
			out = append(out, p)
		}
	}
	return out
}
