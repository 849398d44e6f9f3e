package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sessions.json")
	s := NewFileStore(path)

	if got := s.Get("telegram:1"); got != "" {
		t.Errorf("expected empty session, got %q", got)
	}

	if err := s.Set("telegram:1", "sid-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("cli", "sid-2"); err != nil {
		t.Fatalf("set: %v", err)
	}

	// A fresh store on the same file sees the same data.
	other := NewFileStore(path)
	if got := other.Get("telegram:1"); got != "sid-1" {
		t.Errorf("expected sid-1, got %q", got)
	}

	if err := other.Clear("telegram:1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := s.Get("telegram:1"); got != "" {
		t.Errorf("expected cleared session, got %q", got)
	}
	if got := s.Get("cli"); got != "sid-2" {
		t.Errorf("other keys must survive clear, got %q", got)
	}

	// Clearing a missing key is a no-op.
	if err := s.Clear("nope"); err != nil {
		t.Errorf("clear missing: %v", err)
	}
}

func TestFileStoreFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := NewFileStore(path)
	if err := s.Set("cli", "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "{\n  \"cli\": \"abc\"\n}\n" {
		t.Errorf("unexpected file content %q", data)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", "{not json"},
		{"null", "null\n"},
		{"array", `["cli"]`},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sessions.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			s := NewFileStore(path)

			if got := s.Get("cli"); got != "" {
				t.Errorf("corrupt file should read as empty, got %q", got)
			}
			if err := s.Set("cli", "sid"); err != nil {
				t.Fatalf("set over corrupt file: %v", err)
			}
			if got := s.Get("cli"); got != "sid" {
				t.Errorf("expected sid, got %q", got)
			}
			if err := s.Clear("other"); err != nil {
				t.Errorf("clear: %v", err)
			}
		})
	}
}

func TestFileStoreConcurrentSet(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "sessions.json"))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("sid-%d", i)); err != nil {
				t.Errorf("set: %v", err)
			}
		}()
	}
	wg.Wait()

	all := s.All()
	if len(all) != 20 {
		t.Errorf("expected 20 keys without lost updates, got %d", len(all))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}
