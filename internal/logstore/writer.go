// Package logstore persists events as one JSONL file per CLI session,
// grouped by day, and reads them back for replay.
//
// Layout: <root>/<YYYY-MM-DD>/<session-id>.jsonl. Events without a session id
// go to unknown.jsonl.
package logstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mtzanidakis/jarvis/internal/events"
)

const (
	unknownSession   = "unknown"
	dateLayout       = "2006-01-02"
	defaultCacheSize = 1024
)

// Writer appends bus events to their session's log file. The first event of
// a session fixes the day directory; later events of that session follow it
// even across midnight. The path cache only saves the directory lookup.
type Writer struct {
	root  string
	paths *lru.Cache[string, string] // session id → file path
	mu    sync.Mutex
	now   func() time.Time
}

// NewWriter returns a Writer rooted at root. cacheSize bounds the number of
// sessions whose file path is remembered; <= 0 picks a default.
func NewWriter(root string, cacheSize int) (*Writer, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	paths, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create path cache: %w", err)
	}
	return &Writer{
		root:  root,
		paths: paths,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (w *Writer) Root() string {
	return w.root
}

// Handle is an eventbus.Handler. Write failures are logged, never raised.
func (w *Writer) Handle(ev events.Event) {
	if err := w.Write(ev); err != nil {
		slog.Error("write event log failed", "session", ev.SessionID, "run", ev.RunID, "error", err)
	}
}

func (w *Writer) Write(ev events.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path, err := w.pathFor(sessionKey(ev))
	if err != nil {
		return err
	}
	return appendLine(path, line)
}

func (w *Writer) pathFor(sessionID string) (string, error) {
	if path, ok := w.paths.Get(sessionID); ok {
		return path, nil
	}
	path, err := sessionPath(w.root, sessionID, w.now())
	if err != nil {
		return "", err
	}
	w.paths.Add(sessionID, path)
	return path, nil
}

// sessionPath returns the file already holding sessionID, in its earliest
// day directory, or a new one under today's. Unknown-session events start a
// new file every day.
func sessionPath(root, sessionID string, now time.Time) (string, error) {
	if sessionID != unknownSession {
		matches, err := filepath.Glob(filepath.Join(root, "*", sessionID+".jsonl"))
		if err != nil {
			return "", fmt.Errorf("find log file: %w", err)
		}
		for _, m := range matches {
			if _, err := time.Parse(dateLayout, filepath.Base(filepath.Dir(m))); err == nil {
				return m, nil
			}
		}
	}

	dir := filepath.Join(root, now.Format(dateLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	return filepath.Join(dir, sessionID+".jsonl"), nil
}

// Append writes ev to its session's file without a Writer. It is the
// direct-to-disk path used when the gateway cannot be reached.
func Append(root string, ev events.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	path, err := sessionPath(root, sessionKey(ev), time.Now().UTC())
	if err != nil {
		return err
	}
	return appendLine(path, line)
}

func sessionKey(ev events.Event) string {
	if ev.SessionID == "" || !validSessionID(ev.SessionID) {
		return unknownSession
	}
	return ev.SessionID
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append log line: %w", err)
	}
	return f.Close()
}
