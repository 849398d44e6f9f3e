// Package session maps conversation keys to CLI session ids so that later
// turns can resume the same conversation.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store is a key → session id map. Get never fails: an unreadable backing
// store behaves like an empty one.
type Store interface {
	Get(key string) string
	Set(key, sessionID string) error
	Clear(key string) error
}

// FileStore persists the whole map as one indented JSON file. Every
// operation reloads the file, so edits made by another process between
// calls are picked up.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()[key]
}

func (s *FileStore) Set(key, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.load()
	m[key] = sessionID
	return s.save(m)
}

func (s *FileStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.load()
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.save(m)
}

// All returns a copy of the current map.
func (s *FileStore) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() map[string]string {
	m := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read session file failed", "path", s.path, "error", err)
		}
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		slog.Warn("corrupt session file, starting empty", "path", s.path, "error", err)
		return make(map[string]string)
	}
	return m
}

func (s *FileStore) save(m map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close sessions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
