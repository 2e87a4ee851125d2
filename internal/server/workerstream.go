package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/operator/internal/protocol"
	"github.com/ehrlich-b/operator/internal/pushchan"
	"github.com/ehrlich-b/operator/internal/registry"
)

const heartbeatIdlePeriod = time.Second

// WorkerStreamHandler serves GET /stream: a one-way Server-Sent-Events
// stream the core pushes jobs down. The worker reports results over
// separate HTTP POSTs (chunk/done ingress), not back down this
// connection, so no duplex transport is needed.
type WorkerStreamHandler struct {
	registry *registry.Registry
	channels *pushchan.Channels
	auth     *WorkerAuth
	log      *slog.Logger
}

// NewWorkerStreamHandler creates a WorkerStreamHandler.
func NewWorkerStreamHandler(reg *registry.Registry, ch *pushchan.Channels, auth *WorkerAuth, log *slog.Logger) *WorkerStreamHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WorkerStreamHandler{registry: reg, channels: ch, auth: auth, log: log}
}

// ServeHTTP handles GET /stream?node_id=...&models=a,b,c.
func (h *WorkerStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Check(r); err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		http.Error(w, "missing node_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The worker is expected to have already called /register; a
	// heartbeat here is a no-op if it hasn't.
	h.registry.Heartbeat(nodeID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := h.channels.Open(nodeID)
	defer h.channels.Close(nodeID)

	h.log.Info("worker stream opened", "node_id", nodeID)
	defer h.log.Info("worker stream closed", "node_id", nodeID)

	if !h.writeEvent(w, flusher, protocol.TypeConnected, protocol.Connected{NodeID: nodeID}) {
		return
	}

	ticker := time.NewTicker(heartbeatIdlePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case msg, open := <-ch:
			if !open {
				return
			}
			if !h.forward(w, flusher, msg) {
				return
			}
			ticker.Reset(heartbeatIdlePeriod)
			h.registry.Heartbeat(nodeID)

		case <-ticker.C:
			// Heartbeats must not block other work when the transport
			// is already dead: a dead transport simply fails the next
			// write and we return.
			if !h.writeEvent(w, flusher, protocol.TypeHeartbeat, protocol.Heartbeat{Timestamp: time.Now().Unix()}) {
				return
			}
			h.registry.Heartbeat(nodeID)
		}
	}
}

func (h *WorkerStreamHandler) forward(w http.ResponseWriter, flusher http.Flusher, msg pushchan.Message) bool {
	switch msg.Type {
	case pushchan.TypeJobPush:
		return h.writeEvent(w, flusher, protocol.TypeJob, protocol.Job{
			JobID:  msg.Job.JobID,
			Model:  msg.Job.Model,
			Prompt: msg.Job.Prompt,
		})
	case pushchan.TypePaymentNotice:
		return h.writeEvent(w, flusher, protocol.TypePaymentReceived, protocol.PaymentReceived{
			JobID:         msg.Payment.JobID,
			Amount:        msg.Payment.Amount,
			TransactionID: msg.Payment.TransactionID,
		})
	default:
		h.log.Warn("unknown push message type", "type", msg.Type)
		return true
	}
}

func (h *WorkerStreamHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal SSE payload", "event", eventType, "error", err)
		return true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", eventType, data)
	if _, err := w.Write([]byte(b.String())); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
