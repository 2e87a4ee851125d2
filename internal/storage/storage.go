package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Storage is the durable job/payment ledger. It is the system of record
// for jobs that have left the in-memory queue, independent of the
// request that created them — a job's ledger row outlives its runtime
// entry (internal/queue.Job).
type Storage interface {
	// CreateJobRecord writes the Pending row created when the
	// Dispatcher accepts a job, before any worker has touched it.
	CreateJobRecord(ctx context.Context, rec *JobRecord) error
	GetJobRecord(ctx context.Context, jobID string) (*JobRecord, error)
	ListJobRecords(ctx context.Context, filter JobRecordFilter) ([]*JobRecord, error)

	// UpdateJobAssignment records which node picked up the job and its
	// payout address, snapshotted when the job is handed out (push or
	// /poll) and again at done-ingress from the metadata chunk. Status
	// moves to InProgress.
	UpdateJobAssignment(ctx context.Context, jobID, nodeID, payoutAddress string) error

	// CompleteJobRecord marks the terminal status and, for a successful
	// completion, the token accounting extracted from the done chunk.
	// errMsg is empty for a successful completion.
	CompleteJobRecord(ctx context.Context, jobID string, status JobStatus, counts TokenCounts, errMsg string) error

	// RecordPayment stores a requester's payment confirmation for a job.
	RecordPayment(ctx context.Context, payment *Payment) error
	GetPayment(ctx context.Context, jobID string) (*Payment, error)

	Close() error
}

// JobStatus mirrors the runtime status in internal/queue, persisted in
// the ledger. Transitions are monotonic: Pending -> InProgress ->
// {Completed, Failed}.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// TokenCounts is the accounting extracted from a job's terminal chunk.
type TokenCounts struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// JobRecord is the durable ledger row for a single inference job.
type JobRecord struct {
	JobID             string
	Model             string
	Status            JobStatus
	NodeID            string // empty until assigned
	NodePayoutAddress string // snapshotted at completion, not updated retroactively
	TokenCounts
	Error       string // set when Status == Failed
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// JobRecordFilter narrows ListJobRecords.
type JobRecordFilter struct {
	Model  string
	Status JobStatus
	Limit  int
}

// Payment is a requester-confirmed payment against a completed job.
// Confirmation is taken at face value; the transaction is not
// cryptographically verified.
type Payment struct {
	JobID           string
	Amount          float64
	TransactionHash string
	PaidAt          time.Time
}
