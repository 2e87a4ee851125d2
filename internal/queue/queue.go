// Package queue holds jobs not yet dispatched to a worker, and buffers
// each job's output stream for the streaming relay to drain.
package queue

import (
	"sync"
	"time"
)

// Status is a job's runtime status. Transitions are monotonic:
// Pending -> InProgress -> {Completed, Failed}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is the in-memory runtime state for one inference job. Chunks
// accumulate while Terminal is false; once Terminal is true the chunk
// list is immutable.
type Job struct {
	JobID     string
	Model     string
	Prompt    string
	Status    Status
	Chunks    [][]byte
	Terminal  bool
	Error     string
	CreatedAt time.Time
}

// Queue holds a per-model FIFO of pending job IDs plus the full runtime
// state for every job it knows about, keyed by job_id.
type Queue struct {
	mu   sync.Mutex
	fifo map[string][]string // model -> ordered job_ids
	jobs map[string]*Job
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		fifo: make(map[string][]string),
		jobs: make(map[string]*Job),
	}
}

// Enqueue appends job to the FIFO for its model and sets its runtime
// status to Pending.
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Status = StatusPending
	q.jobs[job.JobID] = job
	q.fifo[job.Model] = append(q.fifo[job.Model], job.JobID)
}

// Put registers job's runtime state directly, without placing it in
// the per-model FIFO. Used by the Dispatcher's push path: a job
// delivered straight to a connected worker never sits in the poll
// queue, so there is nothing for a later Take to pop.
func (q *Queue) Put(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.JobID] = job
}

// Take scans models in order and pops the head of the first non-empty
// FIFO, atomically marking that job InProgress. Returns nil if none of
// the given models have a pending job.
func (q *Queue) Take(models []string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, model := range models {
		ids := q.fifo[model]
		if len(ids) == 0 {
			continue
		}
		jobID := ids[0]
		q.fifo[model] = ids[1:]
		if len(q.fifo[model]) == 0 {
			delete(q.fifo, model)
		}
		job := q.jobs[jobID]
		job.Status = StatusInProgress
		return job
	}
	return nil
}

// AppendChunk appends bytes to a job's chunk list. O(1). No-op if the
// job is unknown or already terminal.
func (q *Queue) AppendChunk(jobID string, chunk []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Terminal {
		return
	}
	job.Chunks = append(job.Chunks, chunk)
}

// Complete marks a job terminal. errMsg non-empty sets Failed,
// otherwise Completed. No-op if the job is unknown or already
// terminal.
func (q *Queue) Complete(jobID string, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Terminal {
		return
	}
	job.Terminal = true
	if errMsg != "" {
		job.Status = StatusFailed
		job.Error = errMsg
	} else {
		job.Status = StatusCompleted
	}
}

// DrainSince returns all chunks at index >= cursor, the new cursor,
// and whether the job is terminal — an atomic snapshot used by the
// streaming relay to pull new output without missing or re-reading
// chunks. Returns ok=false if the job is unknown.
func (q *Queue) DrainSince(jobID string, cursor int) (chunks [][]byte, newCursor int, terminal bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, found := q.jobs[jobID]
	if !found {
		return nil, cursor, false, false
	}
	if cursor < len(job.Chunks) {
		chunks = append(chunks, job.Chunks[cursor:]...)
	}
	return chunks, len(job.Chunks), job.Terminal, true
}

// Get returns a job's current runtime state, or nil if unknown.
func (q *Queue) Get(jobID string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[jobID]
}

// Forget removes a job's runtime entry. The durable ledger row is
// unaffected. The relay does not call it; a drained job's runtime entry
// stays in the Queue.
func (q *Queue) Forget(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, jobID)
}

// Len returns the number of pending jobs queued for model.
func (q *Queue) Len(model string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo[model])
}
