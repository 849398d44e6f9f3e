package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/jarvis/internal/events"
	"github.com/mtzanidakis/jarvis/internal/logstore"
)

const forwardTimeout = 2 * time.Second

// Forwarder publishes sub-agent events to the gateway's ingest endpoint so
// they reach its bus. When the gateway is unreachable the event is appended
// to the log directory directly.
type Forwarder struct {
	url     string
	logsDir string
	client  *http.Client
}

func NewForwarder(url, logsDir string) *Forwarder {
	return &Forwarder{
		url:     url,
		logsDir: logsDir,
		client:  &http.Client{Timeout: forwardTimeout},
	}
}

func (f *Forwarder) Publish(ev events.Event) {
	err := f.post(ev)
	if err == nil {
		return
	}
	slog.Debug("forward event failed, writing to disk", "url", f.url, "error", err)
	if err := logstore.Append(f.logsDir, ev); err != nil {
		slog.Warn("append event failed", "run", ev.RunID, "error", err)
	}
}

func (f *Forwarder) post(ev events.Event) error {
	if f.url == "" {
		return fmt.Errorf("no ingest url")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("ingest returned %s", resp.Status)
	}
	return nil
}
