package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/jarvis/internal/events"
	"github.com/mtzanidakis/jarvis/internal/logstore"
	"github.com/mtzanidakis/jarvis/internal/store"
)

const maxIngestBody = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Ingest from out-of-process producers
	mux.HandleFunc("POST /api/events", s.ingestEvent)

	// Replay
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/session/{date}/{id}", s.getSession)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)

	// Run history
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/active", s.listActiveRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/stats", s.getRunStats)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		jsonError(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		jsonError(w, "empty body", http.StatusBadRequest)
		return
	}
	ev, err := events.Decode(data)
	if err != nil {
		jsonError(w, "body must be a JSON object", http.StatusBadRequest)
		return
	}
	if ev.Type == "" {
		jsonError(w, `missing string field "type"`, http.StatusBadRequest)
		return
	}

	s.metrics.IncIngested()
	s.bus.Publish(ev)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.replay.ListSessions()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	lines, err := s.replay.ReadSession(r.PathValue("date"), r.PathValue("id"))
	switch {
	case errors.Is(err, logstore.ErrForbidden):
		jsonError(w, "forbidden", http.StatusForbidden)
		return
	case errors.Is(err, logstore.ErrNotFound):
		jsonError(w, "Session not found", http.StatusNotFound)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, lines)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	var mainAgent map[string]string
	if prompt, err := os.ReadFile(s.cfg.MainSystemPromptPath()); err == nil {
		memory, _ := os.ReadFile(s.cfg.MainMemoryPath())
		mainAgent = map[string]string{
			"systemPrompt": string(prompt),
			"memory":       string(memory),
		}
	}

	subAgents := []map[string]any{}
	skills := []map[string]any{}
	if s.orch != nil {
		reg := s.orch.Registry()
		for _, a := range reg.List() {
			servers := make([]string, 0, len(a.MCPServers))
			for _, m := range a.MCPServers {
				servers = append(servers, m.Name)
			}
			subAgents = append(subAgents, map[string]any{
				"slug":           a.Name,
				"name":           a.Name,
				"description":    a.Description,
				"tools":          a.Permissions.Allow,
				"prompt":         a.SystemPrompt,
				"session":        a.Session,
				"allowedCallers": a.AllowedCallers,
				"timeoutMs":      a.Timeout.Milliseconds(),
				"mcpServers":     servers,
			})
		}
		for _, sk := range reg.Skills() {
			skills = append(skills, map[string]any{
				"slug":         sk.Name,
				"name":         sk.Name,
				"description":  sk.Description,
				"allowedTools": strings.Join(sk.AllowedTools, ", "),
				"prompt":       sk.Body,
			})
		}
	}

	jsonResponse(w, map[string]any{
		"mainAgent": mainAgent,
		"subAgents": subAgents,
		"skills":    skills,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.Run{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.URL.Query().Get("agent"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	jsonResponse(w, runs)
}

func (s *Server) listActiveRuns(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.tracker.Active())
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "run history disabled", http.StatusNotFound)
		return
	}
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) getRunStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.RunStats{})
		return
	}
	stats, err := s.store.RunStats()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []store.RunStats{}
	}
	jsonResponse(w, stats)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents := 0
	if s.orch != nil {
		agents = len(s.orch.Registry().Names())
	}
	jsonResponse(w, map[string]any{
		"status":           "ok",
		"version":          s.version,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"active_processes": s.tracker.Len(),
		"agents_count":     agents,
		"ws_clients":       s.hub.Len(),
		"nats":             s.nats != nil,
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
