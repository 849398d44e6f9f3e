package logstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrNotFound  = errors.New("session log not found")
	ErrForbidden = errors.New("session path outside log root")
)

var (
	dateRe      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// maxLineSize bounds a single persisted event when reading it back.
const maxLineSize = 16 << 20

type SessionInfo struct {
	Date      string `json:"date"`
	SessionID string `json:"sessionId"`
	File      string `json:"file"`
}

// Replay reads persisted session logs. It never modifies them.
type Replay struct {
	root string
}

func NewReplay(root string) *Replay {
	return &Replay{root: root}
}

// ListSessions returns every session log, newest day first and files sorted
// by name within a day. A missing root yields an empty list.
func (r *Replay) ListSessions() ([]SessionInfo, error) {
	sessions := []SessionInfo{}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return sessions, nil
		}
		return nil, fmt.Errorf("read log root: %w", err)
	}

	var dates []string
	for _, e := range entries {
		if e.IsDir() && dateRe.MatchString(e.Name()) {
			dates = append(dates, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	for _, date := range dates {
		files, err := os.ReadDir(filepath.Join(r.root, date))
		if err != nil {
			return nil, fmt.Errorf("read log dir %s: %w", date, err)
		}
		var names []string
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".jsonl") {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			sessions = append(sessions, SessionInfo{
				Date:      date,
				SessionID: strings.TrimSuffix(name, ".jsonl"),
				File:      date + "/" + name,
			})
		}
	}
	return sessions, nil
}

// ReadSession returns the events of one session log in file order.
// Malformed lines are skipped.
func (r *Replay) ReadSession(date, sessionID string) ([]json.RawMessage, error) {
	path, err := r.sessionPath(date, sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	evs := []json.RawMessage{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &obj); err != nil || obj == nil {
			continue
		}
		evs = append(evs, json.RawMessage(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return evs, nil
}

func (r *Replay) sessionPath(date, sessionID string) (string, error) {
	root, err := filepath.Abs(r.root)
	if err != nil {
		return "", fmt.Errorf("resolve log root: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(root, date, sessionID+".jsonl"))
	if err != nil {
		return "", fmt.Errorf("resolve session path: %w", err)
	}
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", ErrForbidden
	}
	if !dateRe.MatchString(date) {
		return "", ErrNotFound
	}
	if !validSessionID(sessionID) {
		return "", ErrForbidden
	}
	return path, nil
}

func validSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}
