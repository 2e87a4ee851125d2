package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/operator/internal/protocol"
	"github.com/ehrlich-b/operator/internal/pushchan"
	"github.com/ehrlich-b/operator/internal/queue"
	"github.com/ehrlich-b/operator/internal/registry"
	"github.com/ehrlich-b/operator/internal/storage"
	"github.com/ehrlich-b/operator/internal/transcript"
)

// API handles every HTTP endpoint except the long-lived ones
// (/inference and /stream), which have their own handlers (Relay,
// WorkerStreamHandler).
type API struct {
	registry      *registry.Registry
	channels      *pushchan.Channels
	queue         *queue.Queue
	dispatcher    *Dispatcher
	storage       storage.Storage
	auth          *WorkerAuth
	archiver      transcript.Archiver // optional, may be nil
	pricePerToken float64
	log           *slog.Logger
}

// NewAPI creates an API handler.
func NewAPI(reg *registry.Registry, ch *pushchan.Channels, q *queue.Queue, d *Dispatcher, store storage.Storage, auth *WorkerAuth, pricePerToken float64, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		registry:      reg,
		channels:      ch,
		queue:         q,
		dispatcher:    d,
		storage:       store,
		auth:          auth,
		pricePerToken: pricePerToken,
		log:           log,
	}
}

// SetArchiver attaches the optional transcript archive. When set, a
// completed job's full chunk stream is archived for audit after
// done-ingress. The accounting flow never depends on it.
func (a *API) SetArchiver(arch transcript.Archiver) {
	a.archiver = arch
}

// ServeHTTP routes requests by path and method.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch {
	case path == "/register" && r.Method == http.MethodPost:
		a.handleRegister(w, r)

	case path == "/poll" && r.Method == http.MethodGet:
		a.handlePoll(w, r)

	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/chunk"):
		jobID := strings.TrimSuffix(strings.TrimPrefix(path, "/jobs/"), "/chunk")
		if r.Method == http.MethodPost {
			a.handleChunk(w, r, jobID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/done"):
		jobID := strings.TrimSuffix(strings.TrimPrefix(path, "/jobs/"), "/done")
		if r.Method == http.MethodPost {
			a.handleDone(w, r, jobID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	case strings.HasPrefix(path, "/jobs/"):
		jobID := strings.TrimPrefix(path, "/jobs/")
		if r.Method == http.MethodGet {
			a.handleGetJob(w, r, jobID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	case path == "/payment-confirmed" && r.Method == http.MethodPost:
		a.handlePaymentConfirmed(w, r)

	case path == "/nodes" && r.Method == http.MethodGet:
		a.handleListNodes(w, r)

	case path == "/models" && r.Method == http.MethodGet:
		a.handleListModels(w, r)

	case path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})

	default:
		http.NotFound(w, r)
	}
}

type registerRequest struct {
	NodeID        string   `json:"node_id"`
	URL           string   `json:"url"`
	Models        []string `json:"models"`
	PayoutAddress string   `json:"payout_address,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Check(r); err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.NodeID == "" || len(req.Models) == 0 {
		http.Error(w, "bad request: node_id and models are required", http.StatusBadRequest)
		return
	}

	node := a.registry.Register(req.NodeID, req.URL, req.Models, req.PayoutAddress)
	a.log.Info("node registered", "node_id", node.NodeID, "models", node.Models)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "registered",
		"node_id": node.NodeID,
		"models":  node.Models,
	})
}

func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Check(r); err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	nodeID := r.URL.Query().Get("node_id")
	modelsParam := r.URL.Query().Get("models")
	if nodeID == "" || modelsParam == "" {
		http.Error(w, "bad request: node_id and models are required", http.StatusBadRequest)
		return
	}

	a.registry.Heartbeat(nodeID)

	models := strings.Split(modelsParam, ",")
	job := a.queue.Take(models)
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	payoutAddress := ""
	if node := a.registry.Get(nodeID); node != nil {
		payoutAddress = node.PayoutAddress
	}
	if err := a.storage.UpdateJobAssignment(r.Context(), job.JobID, nodeID, payoutAddress); err != nil {
		a.log.Error("update job assignment", "job_id", job.JobID, "error", err)
	}

	writeJSON(w, http.StatusOK, protocol.Job{
		JobID:  job.JobID,
		Model:  job.Model,
		Prompt: job.Prompt,
	})
}

type chunkRequest struct {
	Chunk string `json:"chunk"`
}

func (a *API) handleChunk(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := a.auth.Check(r); err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	line := []byte(req.Chunk)
	a.queue.AppendChunk(jobID, line)

	// Unknown and already-terminal jobs are silently dropped by
	// AppendChunk (idempotent no-op); the response is the same either
	// way, since the core may have restarted and the worker has no way
	// to know that.
	if nodeID, ok := protocol.ScanMetadata(line); ok {
		a.registry.Heartbeat(nodeID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (a *API) handleDone(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := a.auth.Check(r); err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	errMsg := r.URL.Query().Get("error")

	job := a.queue.Get(jobID)
	alreadyTerminal := job != nil && job.Terminal
	a.queue.Complete(jobID, errMsg)

	// A retried /done for a job already marked terminal is a no-op: the
	// ledger records Completed/Failed exactly once per job, and
	// re-deriving the payout address from the live registry on a
	// duplicate call would retroactively change a snapshot that's
	// supposed to be fixed at completion time.
	if job != nil && !alreadyTerminal {
		a.finalizeLedger(r.Context(), job, errMsg)
		if a.archiver != nil {
			go a.archiveTranscript(job)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

// finalizeLedger scans the job's accumulated chunks for the metadata
// chunk (who ran it) and the terminal chunk (token accounting), then
// writes both into the ledger in a single completion step. The Relay
// itself never parses payloads in the hot path.
func (a *API) finalizeLedger(ctx context.Context, job *queue.Job, errMsg string) {
	var nodeID, payoutAddress string
	var counts storage.TokenCounts

	for _, chunk := range job.Chunks {
		if id, ok := protocol.ScanMetadata(chunk); ok {
			nodeID = id
			if node := a.registry.Get(nodeID); node != nil {
				payoutAddress = node.PayoutAddress
			}
			continue
		}
		if tc, terminalErr, isTerminal := protocol.ScanTerminal(chunk); isTerminal {
			if tc != nil {
				counts = storage.TokenCounts{
					PromptTokens:     tc.PromptTokens,
					CompletionTokens: tc.CompletionTokens,
					TotalTokens:      tc.TotalTokens,
				}
			}
			if terminalErr != "" && errMsg == "" {
				errMsg = terminalErr
			}
		}
	}

	if nodeID != "" {
		if err := a.storage.UpdateJobAssignment(ctx, job.JobID, nodeID, payoutAddress); err != nil {
			a.log.Error("update job assignment", "job_id", job.JobID, "error", err)
		}
	}

	status := storage.JobStatusCompleted
	if errMsg != "" {
		status = storage.JobStatusFailed
	}
	if err := a.storage.CompleteJobRecord(ctx, job.JobID, status, counts, errMsg); err != nil {
		a.log.Error("complete job record", "job_id", job.JobID, "error", err)
	}
}

func (a *API) archiveTranscript(job *queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.archiver.Archive(ctx, job.JobID, job.Chunks); err != nil {
		a.log.Warn("archive transcript", "job_id", job.JobID, "error", err)
	}
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	rec, err := a.storage.GetJobRecord(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"job_id":             rec.JobID,
		"model":              rec.Model,
		"status":             rec.Status,
		"node_id":            rec.NodeID,
		"prompt_tokens":      rec.PromptTokens,
		"completion_tokens":  rec.CompletionTokens,
		"total_tokens":       rec.TotalTokens,
		"error":              rec.Error,
		"created_at":         rec.CreatedAt,
		"completed_at":       rec.CompletedAt,
	}

	if rec.TotalTokens > 0 && rec.NodePayoutAddress != "" {
		resp["payment"] = map[string]any{
			"amount":         float64(rec.TotalTokens) * a.pricePerToken,
			"payout_address": rec.NodePayoutAddress,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type paymentConfirmedRequest struct {
	JobID           string  `json:"job_id"`
	TransactionHash string  `json:"transaction_hash"`
	Amount          float64 `json:"amount"`
}

func (a *API) handlePaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	var req paymentConfirmedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.JobID == "" {
		http.Error(w, "bad request: job_id is required", http.StatusBadRequest)
		return
	}

	payment := &storage.Payment{
		JobID:           req.JobID,
		Amount:          req.Amount,
		TransactionHash: req.TransactionHash,
		PaidAt:          time.Now(),
	}
	if err := a.storage.RecordPayment(r.Context(), payment); err != nil {
		a.log.Error("record payment", "job_id", req.JobID, "error", err)
		http.Error(w, "failed to record payment", http.StatusInternalServerError)
		return
	}

	a.notifyWorkerOfPayment(r.Context(), req.JobID, req.Amount, req.TransactionHash)

	writeJSON(w, http.StatusOK, map[string]string{"status": "payment_confirmed"})
}

// notifyWorkerOfPayment is a best-effort informational callback;
// failures are logged and never surfaced to the requester confirming
// payment.
func (a *API) notifyWorkerOfPayment(ctx context.Context, jobID string, amount float64, txHash string) {
	rec, err := a.storage.GetJobRecord(ctx, jobID)
	if err != nil || rec.NodeID == "" {
		return
	}
	a.channels.TryPush(rec.NodeID, pushchan.Message{
		Type: pushchan.TypePaymentNotice,
		Payment: &pushchan.PaymentNotice{
			JobID:         jobID,
			Amount:        amount,
			TransactionID: txHash,
		},
	})
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := a.registry.List()
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, map[string]any{
			"node_id":        n.NodeID,
			"url":            n.URL,
			"models":         n.Models,
			"payout_address": n.PayoutAddress,
			"last_seen":      n.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

func (a *API) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := a.registry.Models()
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
