package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	conv := s.Sessions(NamespaceConversations)
	subs := s.Sessions(NamespaceSubagents)

	if got := conv.Get("cli"); got != "" {
		t.Errorf("expected empty session, got %q", got)
	}

	if err := conv.Set("cli", "sid-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := conv.Set("cli", "sid-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got := conv.Get("cli"); got != "sid-2" {
		t.Errorf("expected sid-2, got %q", got)
	}

	// Namespaces are independent.
	if got := subs.Get("cli"); got != "" {
		t.Errorf("namespace leak: %q", got)
	}

	if err := conv.Clear("cli"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := conv.Get("cli"); got != "" {
		t.Errorf("expected cleared, got %q", got)
	}
}

func TestSessionsConcurrentSet(t *testing.T) {
	s := newTestStore(t)
	sess := s.Sessions(NamespaceSubagents)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Set(fmt.Sprintf("agent-%d", i), fmt.Sprintf("sid-%d", i)); err != nil {
				t.Errorf("set: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := range 10 {
		if got := sess.Get(fmt.Sprintf("agent-%d", i)); got != fmt.Sprintf("sid-%d", i) {
			t.Errorf("agent-%d: lost update, got %q", i, got)
		}
	}
}

func TestSessionsImport(t *testing.T) {
	s := newTestStore(t)
	sess := s.Sessions(NamespaceConversations)
	if err := sess.Set("cli", "current"); err != nil {
		t.Fatal(err)
	}

	n, err := sess.Import(map[string]string{"cli": "stale", "telegram:1": "sid-t"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 imported, got %d", n)
	}
	if got := sess.Get("cli"); got != "current" {
		t.Errorf("import must not overwrite, got %q", got)
	}
	if got := sess.Get("telegram:1"); got != "sid-t" {
		t.Errorf("expected sid-t, got %q", got)
	}

	all := sess.All()
	if len(all) != 2 || all["cli"] != "current" {
		t.Errorf("unexpected All(): %v", all)
	}
	if other := s.Sessions(NamespaceSubagents).All(); len(other) != 0 {
		t.Errorf("namespaces must not leak, got %v", other)
	}
}

func TestRunHistory(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	running := &Run{ID: "r1", Agent: "main", Status: RunRunning, StartedAt: base}
	if err := s.SaveRun(running); err != nil {
		t.Fatalf("save run: %v", err)
	}

	finished := base.Add(3 * time.Second)
	running.Status = RunSuccess
	running.SessionID = "sid-7"
	running.CostUSD = 0.02
	running.DurationMs = 3000
	running.Events = 5
	running.FinishedAt = &finished
	if err := s.SaveRun(running); err != nil {
		t.Fatalf("update run: %v", err)
	}

	if err := s.SaveRun(&Run{ID: "r2", Agent: "researcher", Status: RunTimeout, Error: "timed out", StartedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Status != RunSuccess || got.SessionID != "sid-7" || got.Events != 5 || got.FinishedAt == nil {
		t.Errorf("unexpected run %+v", got)
	}

	missing, err := s.GetRun("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil run, got %+v, %v", missing, err)
	}

	runs, err := s.ListRuns("", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" {
		t.Fatalf("expected newest first, got %+v", runs)
	}
	if runs[0].Error != "timed out" {
		t.Errorf("expected error text, got %q", runs[0].Error)
	}

	runs, err = s.ListRuns("main", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("expected only main runs, got %+v", runs)
	}

	stats, err := s.RunStats()
	if err != nil {
		t.Fatalf("run stats: %v", err)
	}
	if len(stats) != 2 || stats[0].Agent != "main" || stats[1].Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	n, err := s.PruneRuns(base.Add(30 * time.Second))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	if err := s.Sessions(NamespaceConversations).Set("cli", "sid-1"); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "copy.db")
	if err := s.Snapshot(dest); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	copied, err := New(dest)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copied.Close()
	if got := copied.Sessions(NamespaceConversations).Get("cli"); got != "sid-1" {
		t.Errorf("expected sid-1 in snapshot, got %q", got)
	}

	if err := s.Snapshot(dest); err == nil {
		t.Error("expected error when destination exists")
	}
}
