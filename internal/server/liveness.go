package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ehrlich-b/operator/internal/pushchan"
	"github.com/ehrlich-b/operator/internal/registry"
)

// Liveness is the background loop that keeps the registry honest: each
// tick it refreshes last_seen for nodes with an open push channel,
// probes the rest over HTTP, and prunes nodes silent for longer than
// twice the tick interval.
type Liveness struct {
	registry *registry.Registry
	channels *pushchan.Channels
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLiveness creates a Liveness loop. interval is the tick period
// (health_check_interval, default 30s); timeout bounds each HTTP probe
// (health_check_timeout, default 5s).
func NewLiveness(reg *registry.Registry, ch *pushchan.Channels, interval, timeout time.Duration, log *slog.Logger) *Liveness {
	if log == nil {
		log = slog.Default()
	}
	if interval == 0 {
		interval = 30 * time.Second
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Liveness{
		registry: reg,
		channels: ch,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the tick loop in the background.
func (l *Liveness) Start() {
	l.wg.Add(1)
	go l.loop()
}

// Stop cancels the loop and waits for it to exit.
func (l *Liveness) Stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *Liveness) loop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Liveness) tick() {
	for _, node := range l.registry.List() {
		if l.channels.IsOpen(node.NodeID) {
			l.registry.Heartbeat(node.NodeID)
			continue
		}
		l.probe(node.NodeID, node.URL)
	}

	pruned := l.registry.Prune(2 * l.interval)
	for _, node := range pruned {
		l.log.Info("pruned stale node", "node_id", node.NodeID, "last_seen", node.LastSeen)
	}
}

// probe issues a short-timeout GET to {url}/health. Any failure is
// logged and swallowed; health probes are a background concern, never
// surfaced into a request.
func (l *Liveness) probe(nodeID, url string) {
	if url == "" {
		return
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		l.log.Warn("build health probe request", "node_id", nodeID, "error", err)
		return
	}

	resp, err := l.client.Do(req)
	if err != nil {
		l.log.Debug("health probe failed", "node_id", nodeID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		l.registry.Heartbeat(nodeID)
	}
}
