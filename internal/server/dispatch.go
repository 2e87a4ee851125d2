package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/operator/internal/pushchan"
	"github.com/ehrlich-b/operator/internal/queue"
	"github.com/ehrlich-b/operator/internal/registry"
	"github.com/ehrlich-b/operator/internal/storage"
	"github.com/google/uuid"
)

// Dispatcher binds an incoming inference request to either an immediate
// push to a connected worker or an enqueue for later poll. The
// push-or-enqueue decision is made once, synchronously, at request
// time: pending jobs sit in the Queue until a worker calls Take via
// /poll. A pushed job whose channel later closes is not requeued.
type Dispatcher struct {
	registry *registry.Registry
	channels *pushchan.Channels
	queue    *queue.Queue
	storage  storage.Storage
	log      *slog.Logger

	mu              sync.Mutex
	connectedCursor map[string]int // model -> next index into the connected-subset round robin
}

// NewDispatcher creates a Dispatcher wired to the shared Registry, push
// Channels, Queue, and Ledger.
func NewDispatcher(reg *registry.Registry, ch *pushchan.Channels, q *queue.Queue, store storage.Storage, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:        reg,
		channels:        ch,
		queue:           q,
		storage:         store,
		log:             log,
		connectedCursor: make(map[string]int),
	}
}

// Dispatch accepts a fresh (model, prompt) request: picks a capable
// node, writes the ledger Pending row, creates the runtime job, and
// either pushes it to a connected worker or enqueues it for /poll.
// Returns ErrNoCapableNode if no worker advertises model.
func (d *Dispatcher) Dispatch(ctx context.Context, model, prompt string) (*queue.Job, error) {
	if d.registry.Pick(model) == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCapableNode, model)
	}

	jobID := uuid.NewString()
	now := time.Now()

	if err := d.storage.CreateJobRecord(ctx, &storage.JobRecord{
		JobID:     jobID,
		Model:     model,
		Status:    storage.JobStatusPending,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	job := &queue.Job{
		JobID:     jobID,
		Model:     model,
		Prompt:    prompt,
		Status:    queue.StatusPending,
		CreatedAt: now,
	}

	if connected := d.pickConnected(model); connected != "" {
		job.Status = queue.StatusInProgress
		d.queue.Put(job)
		if d.channels.TryPush(connected, pushchan.Message{
			Type: pushchan.TypeJobPush,
			Job:  &pushchan.JobPush{JobID: jobID, Model: model, Prompt: prompt},
		}) {
			if err := d.storage.UpdateJobAssignment(ctx, jobID, connected, ""); err != nil {
				d.log.Error("update job assignment", "job_id", jobID, "error", err)
			}
			d.log.Info("job pushed", "job_id", jobID, "model", model, "node_id", connected)
			return job, nil
		}
		// TryPush failed (the channel is full, or it closed after
		// pickConnected): fall back to the queue path below, same as if
		// no worker were connected.
	}

	d.queue.Enqueue(job)
	d.log.Info("job enqueued", "job_id", jobID, "model", model)
	return job, nil
}

// pickConnected returns the node_id of some currently-connected worker
// that advertises model, round-robin over the connected subset. This
// rotation is separate from Registry.Pick, which round-robins over the
// full live membership regardless of connection state. Returns "" if
// no connected worker serves model.
func (d *Dispatcher) pickConnected(model string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var candidates []string
	for _, nodeID := range d.registry.ModelNodeIDs(model) {
		if d.channels.IsOpen(nodeID) {
			candidates = append(candidates, nodeID)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	idx := d.connectedCursor[model] % len(candidates)
	d.connectedCursor[model] = (idx + 1) % len(candidates)
	return candidates[idx]
}
