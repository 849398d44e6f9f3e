package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/eventbus"
	"github.com/mtzanidakis/jarvis/internal/events"
	"github.com/mtzanidakis/jarvis/internal/logstore"
	"github.com/mtzanidakis/jarvis/internal/metrics"
	"github.com/mtzanidakis/jarvis/internal/natsbus"
	"github.com/mtzanidakis/jarvis/internal/runner"
	"github.com/mtzanidakis/jarvis/internal/store"
)

type testServer struct {
	srv   *Server
	cfg   *config.Config
	bus   *eventbus.Bus
	store *store.Store
}

func newTestServer(t *testing.T, nc *natsbus.Client) *testServer {
	t.Helper()
	cfg := &config.Config{Home: t.TempDir()}
	s, err := store.New(filepath.Join(cfg.DataDir(), "jarvis.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := prometheus.NewRegistry()
	tracker := runner.NewTracker()
	bus := eventbus.New()
	srv := NewServer(cfg, bus, nc, s, nil, tracker, metrics.New(reg, tracker.Len), reg, "test")
	return &testServer{srv: srv, cfg: cfg, bus: bus, store: s}
}

func TestIngestEvent(t *testing.T) {
	ts := newTestServer(t, nil)
	var mu sync.Mutex
	var got []events.Event
	ts.bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"type":"assistant","_agentName":"researcher","message":{"content":[]}}`, http.StatusNoContent},
		{"empty", ``, http.StatusBadRequest},
		{"malformed", `{"type":`, http.StatusBadRequest},
		{"not an object", `["type"]`, http.StatusBadRequest},
		{"missing type", `{"session_id":"s1"}`, http.StatusBadRequest},
		{"non-string type", `{"type":42}`, http.StatusBadRequest},
		{"too large", `{"type":"user","pad":"` + strings.Repeat("x", maxIngestBody) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(hs.URL+"/api/events", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].AgentName != "researcher" {
		t.Errorf("expected exactly the valid event on the bus, got %+v", got)
	}
}

func writeLog(t *testing.T, root, date, sid string, lines ...string) {
	t.Helper()
	dir := filepath.Join(root, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, sid+".jsonl"), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestSessionsAPI(t *testing.T) {
	ts := newTestServer(t, nil)
	logs := ts.cfg.LogsDir()
	writeLog(t, logs, "2025-01-01", "aaa", `{"type":"result","result":"old"}`)
	writeLog(t, logs, "2025-01-02", "bbb", `{"type":"system"}`, `garbage`, `{"type":"result"}`)

	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	var sessions []logstore.SessionInfo
	if code := getJSON(t, hs.URL+"/api/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("sessions: %d", code)
	}
	if len(sessions) != 2 || sessions[0].Date != "2025-01-02" || sessions[0].File != "2025-01-02/bbb.jsonl" {
		t.Errorf("unexpected sessions %+v", sessions)
	}

	var evs []map[string]any
	if code := getJSON(t, hs.URL+"/api/session/2025-01-02/bbb", &evs); code != http.StatusOK {
		t.Fatalf("session: %d", code)
	}
	if len(evs) != 2 || evs[1]["type"] != "result" {
		t.Errorf("unexpected events %v", evs)
	}

	if code := getJSON(t, hs.URL+"/api/session/2025-01-02/missing", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	if code := getJSON(t, hs.URL+"/api/session/2025-01-02/bad.id", nil); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestRunsAPI(t *testing.T) {
	ts := newTestServer(t, nil)
	finished := time.Now()
	for _, r := range []store.Run{
		{ID: "r1", Agent: "main", Status: store.RunSuccess, CostUSD: 0.1, StartedAt: finished.Add(-time.Minute), FinishedAt: &finished},
		{ID: "r2", Agent: "researcher", Status: store.RunTimeout, StartedAt: finished, FinishedAt: &finished},
	} {
		if err := ts.store.SaveRun(&r); err != nil {
			t.Fatal(err)
		}
	}

	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	var runs []store.Run
	getJSON(t, hs.URL+"/api/runs", &runs)
	if len(runs) != 2 || runs[0].ID != "r2" {
		t.Errorf("expected newest first, got %+v", runs)
	}
	getJSON(t, hs.URL+"/api/runs?agent=main", &runs)
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("expected agent filter, got %+v", runs)
	}

	var run store.Run
	if code := getJSON(t, hs.URL+"/api/runs/r2", &run); code != http.StatusOK || run.Status != store.RunTimeout {
		t.Errorf("unexpected run %d %+v", code, run)
	}
	if code := getJSON(t, hs.URL+"/api/runs/nope", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	var active []runner.Process
	if code := getJSON(t, hs.URL+"/api/runs/active", &active); code != http.StatusOK || len(active) != 0 {
		t.Errorf("expected no active runs, got %d %+v", code, active)
	}

	var stats []store.RunStats
	getJSON(t, hs.URL+"/api/stats", &stats)
	if len(stats) != 2 || stats[1].Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	var status map[string]any
	if code := getJSON(t, hs.URL+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if status["status"] != "ok" || status["version"] != "test" {
		t.Errorf("unexpected status %v", status)
	}

	resp, err := http.Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.String(), "jarvis_active_processes") {
		t.Errorf("metrics output missing active gauge:\n%s", body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	req, _ := http.NewRequest(http.MethodOptions, hs.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("unexpected preflight response %d %v", resp.StatusCode, resp.Header)
	}
}

// serveLive starts the full server and opens a websocket to it.
func serveLive(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if string(msg) != `{"type":"connected","message":"Jarvis log stream connected"}` {
		t.Errorf("unexpected greeting %s", msg)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ts.srv.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func publish(t *testing.T, bus *eventbus.Bus, line string) {
	t.Helper()
	ev, err := events.Decode([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	bus.Publish(events.NewTracker("run-1", "").Enrich(ev))
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(msg, &out); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return out
}

func TestWebSocketFromBus(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := serveLive(t, ts)

	publish(t, ts.bus, `{"type":"result","result":"one"}`)
	publish(t, ts.bus, `{"type":"result","result":"two"}`)

	for _, want := range []string{"one", "two"} {
		ev := readEvent(t, conn)
		if ev["result"] != want || ev["_runId"] != "run-1" || ev["_agentName"] != "main" {
			t.Errorf("unexpected event %v", ev)
		}
	}
}

func TestWebSocketThroughNATS(t *testing.T) {
	nb, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("nats: %v", err)
	}
	defer nb.Close()
	nc, err := natsbus.NewClient(nb)
	if err != nil {
		t.Fatalf("nats client: %v", err)
	}
	defer nc.Close()

	ts := newTestServer(t, nc)
	ts.bus.Subscribe(natsbus.NewRelay(nc).Handle)
	conn := serveLive(t, ts)
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	publish(t, ts.bus, `{"type":"assistant","message":{"content":[{"type":"text","text":"via nats"}]}}`)

	ev := readEvent(t, conn)
	if ev["type"] != "assistant" || ev["_agentName"] != "main" {
		t.Errorf("unexpected event %v", ev)
	}
}
