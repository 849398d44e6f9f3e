package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Sessions is a session.Store over one namespace of the sessions table.
// Set is a single upsert, so concurrent writers never lose each other's keys.
type Sessions struct {
	db        *sql.DB
	namespace string
}

// Session namespaces used by the orchestrator.
const (
	NamespaceConversations = "conversations"
	NamespaceSubagents     = "subagents"
)

func (s *Store) Sessions(namespace string) *Sessions {
	return &Sessions{db: s.db, namespace: namespace}
}

func (s *Sessions) Get(key string) string {
	var id string
	err := s.db.QueryRow(`
		SELECT session_id FROM sessions WHERE namespace = ? AND key = ?`,
		s.namespace, key).Scan(&id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("read session failed", "namespace", s.namespace, "key", key, "error", err)
		}
		return ""
	}
	return id
}

func (s *Sessions) Set(key, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (namespace, key, session_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = CURRENT_TIMESTAMP`,
		s.namespace, key, sessionID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Sessions) Clear(key string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE namespace = ? AND key = ?`, s.namespace, key)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Import copies entries that are not yet present, for moving a JSON session
// map over to sqlite.
func (s *Sessions) Import(m map[string]string) (int, error) {
	var n int
	for key, id := range m {
		res, err := s.db.Exec(`
			INSERT INTO sessions (namespace, key, session_id)
			VALUES (?, ?, ?)
			ON CONFLICT(namespace, key) DO NOTHING`,
			s.namespace, key, id)
		if err != nil {
			return n, fmt.Errorf("import session %s: %w", key, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}

// All returns every key of the namespace. Read errors yield what was read so
// far.
func (s *Sessions) All() map[string]string {
	out := make(map[string]string)
	rows, err := s.db.Query(`
		SELECT key, session_id FROM sessions WHERE namespace = ?`, s.namespace)
	if err != nil {
		slog.Warn("list sessions failed", "namespace", s.namespace, "error", err)
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			slog.Warn("scan session failed", "namespace", s.namespace, "error", err)
			return out
		}
		out[key] = id
	}
	return out
}
