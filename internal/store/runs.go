package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunTimeout = "timeout"
	RunError   = "error"
)

// Run is a one-row summary of a CLI invocation. The full event stream lives
// in the JSONL logs under the session id.
type Run struct {
	ID         string     `json:"id"`
	Agent      string     `json:"agent"`
	SessionID  string     `json:"session_id,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CostUSD    float64    `json:"cost_usd"`
	DurationMs int64      `json:"duration_ms"`
	Events     int        `json:"events"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SaveRun inserts or replaces the run with r.ID.
func (s *Store) SaveRun(r *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, agent, session_id, status, error, cost_usd, duration_ms, events, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			status = excluded.status,
			error = excluded.error,
			cost_usd = excluded.cost_usd,
			duration_ms = excluded.duration_ms,
			events = excluded.events,
			finished_at = excluded.finished_at`,
		r.ID, r.Agent, nullString(r.SessionID), r.Status, nullString(r.Error),
		r.CostUSD, r.DurationMs, r.Events, r.StartedAt.UTC(), nullTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, agent, session_id, status, error, cost_usd, duration_ms, events, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first, optionally for one agent.
func (s *Store) ListRuns(agent string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, agent, session_id, status, error, cost_usd, duration_ms, events, started_at, finished_at
		FROM runs`
	args := []any{}
	if agent != "" {
		query += ` WHERE agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// RunStats aggregates run history per agent.
type RunStats struct {
	Agent   string  `json:"agent"`
	Runs    int     `json:"runs"`
	Failed  int     `json:"failed"`
	CostUSD float64 `json:"cost_usd"`
}

func (s *Store) RunStats() ([]RunStats, error) {
	rows, err := s.db.Query(`
		SELECT agent, COUNT(*),
			SUM(CASE WHEN status IN ('timeout', 'error') THEN 1 ELSE 0 END),
			COALESCE(SUM(cost_usd), 0)
		FROM runs
		GROUP BY agent
		ORDER BY agent`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	stats := []RunStats{}
	for rows.Next() {
		var st RunStats
		if err := rows.Scan(&st.Agent, &st.Runs, &st.Failed, &st.CostUSD); err != nil {
			return nil, fmt.Errorf("scan run stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// PruneRuns deletes runs that started before the cutoff.
func (s *Store) PruneRuns(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var sessionID, errMsg sql.NullString
	var finished sql.NullTime
	if err := sc.Scan(&r.ID, &r.Agent, &sessionID, &r.Status, &errMsg,
		&r.CostUSD, &r.DurationMs, &r.Events, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	r.SessionID = sessionID.String
	r.Error = errMsg.String
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
