package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtzanidakis/jarvis/internal/agent"
	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/eventbus"
	"github.com/mtzanidakis/jarvis/internal/events"
	"github.com/mtzanidakis/jarvis/internal/logstore"
	"github.com/mtzanidakis/jarvis/internal/metrics"
	"github.com/mtzanidakis/jarvis/internal/natsbus"
	"github.com/mtzanidakis/jarvis/internal/runner"
	"github.com/mtzanidakis/jarvis/internal/store"
)

// Server is the log server: event ingest, session replay, the live
// websocket feed and the run history API.
type Server struct {
	cfg       *config.Config
	bus       *eventbus.Bus
	nats      *natsbus.Client
	replay    *logstore.Replay
	store     *store.Store
	orch      *agent.Orchestrator
	tracker   *runner.Tracker
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	hub       *Hub
	version   string
	startedAt time.Time
}

// NewServer wires the log server. nc, s, orch, m and gatherer may be nil;
// without nc the live feed subscribes to the bus directly.
func NewServer(cfg *config.Config, bus *eventbus.Bus, nc *natsbus.Client, s *store.Store, orch *agent.Orchestrator, tracker *runner.Tracker, m *metrics.Metrics, gatherer prometheus.Gatherer, version string) *Server {
	return &Server{
		cfg:       cfg,
		bus:       bus,
		nats:      nc,
		replay:    logstore.NewReplay(cfg.LogsDir()),
		store:     s,
		orch:      orch,
		tracker:   tracker,
		metrics:   m,
		gatherer:  gatherer,
		hub:       NewHub(),
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return s.withMiddleware(mux)
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Web.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hub and the live feed subscription and serves HTTP on ln
// until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Run(ctx)

	unsubscribe, err := s.subscribeEvents()
	if err != nil {
		ln.Close()
		return err
	}
	defer unsubscribe()

	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		s.hub.CloseAll()
		server.Close()
	}()

	slog.Info("log server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, s.cfg.GUIPath())
}

// subscribeEvents feeds the websocket hub. Events arrive through the NATS
// relay when one is configured, otherwise straight from the bus.
func (s *Server) subscribeEvents() (func(), error) {
	if s.nats != nil {
		sub, err := s.nats.SubscribeEvents(func(_ string, data []byte) {
			s.hub.Broadcast(data)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe events: %w", err)
		}
		return func() { _ = sub.Unsubscribe() }, nil
	}

	id := s.bus.Subscribe(func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("encode event for websocket failed", "run", ev.RunID, "error", err)
			return
		}
		s.hub.Broadcast(data)
	})
	return func() { s.bus.Unsubscribe(id) }, nil
}
