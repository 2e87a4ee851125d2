package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ehrlich-b/operator/internal/crypto"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using an embedded SQLite database.
// It is the default Ledger backend — no external database is required
// to run the operator.
type SQLiteStorage struct {
	db     *sql.DB
	cipher *crypto.Cipher // nil = no encryption (dev/test)
	log    *slog.Logger
}

// NewSQLite opens a SQLite-backed Storage. Use ":memory:" for tests, or
// a file path for persistent storage. If encryptionSecret is non-empty,
// node_payout_address is encrypted at rest.
func NewSQLite(dsn string, encryptionSecret string, log *slog.Logger) (*SQLiteStorage, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	var cipher *crypto.Cipher
	if encryptionSecret != "" {
		cipher, err = crypto.NewCipher(encryptionSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create cipher: %w", err)
		}
	}

	s := &SQLiteStorage{db: db, cipher: cipher, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			node_id TEXT NOT NULL DEFAULT '',
			node_payout_address TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			job_id TEXT PRIMARY KEY,
			amount REAL NOT NULL,
			transaction_hash TEXT NOT NULL DEFAULT '',
			paid_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (job_id) REFERENCES jobs(job_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_model ON jobs(model)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) encrypt(plaintext string) (string, error) {
	if s.cipher == nil || plaintext == "" {
		return plaintext, nil
	}
	return s.cipher.Encrypt(plaintext)
}

func (s *SQLiteStorage) decrypt(ciphertext string) (string, error) {
	if s.cipher == nil || ciphertext == "" {
		return ciphertext, nil
	}
	return s.cipher.Decrypt(ciphertext)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) CreateJobRecord(ctx context.Context, rec *JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, model, status, created_at) VALUES (?, ?, ?, ?)`,
		rec.JobID, rec.Model, JobStatusPending, rec.CreatedAt)
	return err
}

func (s *SQLiteStorage) GetJobRecord(ctx context.Context, jobID string) (*JobRecord, error) {
	rec := &JobRecord{}
	var payoutAddress string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, model, status, node_id, node_payout_address,
		        prompt_tokens, completion_tokens, total_tokens, error, created_at, completed_at
		 FROM jobs WHERE job_id = ?`, jobID).Scan(
		&rec.JobID, &rec.Model, &rec.Status, &rec.NodeID, &payoutAddress,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.Error, &rec.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.NodePayoutAddress, err = s.decrypt(payoutAddress); err != nil {
		return nil, fmt.Errorf("decrypt node_payout_address: %w", err)
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func (s *SQLiteStorage) ListJobRecords(ctx context.Context, filter JobRecordFilter) ([]*JobRecord, error) {
	query := `SELECT job_id, model, status, node_id, node_payout_address,
	                 prompt_tokens, completion_tokens, total_tokens, error, created_at, completed_at
	          FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*JobRecord
	for rows.Next() {
		rec := &JobRecord{}
		var payoutAddress string
		var completedAt sql.NullTime
		if err := rows.Scan(&rec.JobID, &rec.Model, &rec.Status, &rec.NodeID, &payoutAddress,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.Error, &rec.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if rec.NodePayoutAddress, err = s.decrypt(payoutAddress); err != nil {
			return nil, fmt.Errorf("decrypt node_payout_address: %w", err)
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStorage) UpdateJobAssignment(ctx context.Context, jobID, nodeID, payoutAddress string) error {
	encAddress, err := s.encrypt(payoutAddress)
	if err != nil {
		return fmt.Errorf("encrypt node_payout_address: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, node_id = ?, node_payout_address = ? WHERE job_id = ?`,
		JobStatusInProgress, nodeID, encAddress, jobID)
	return err
}

func (s *SQLiteStorage) CompleteJobRecord(ctx context.Context, jobID string, status JobStatus, counts TokenCounts, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?, error = ?, completed_at = ?
		 WHERE job_id = ?`,
		status, counts.PromptTokens, counts.CompletionTokens, counts.TotalTokens, errMsg, time.Now(), jobID)
	return err
}

func (s *SQLiteStorage) RecordPayment(ctx context.Context, payment *Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (job_id, amount, transaction_hash, paid_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET amount = excluded.amount,
		 	transaction_hash = excluded.transaction_hash, paid_at = excluded.paid_at`,
		payment.JobID, payment.Amount, payment.TransactionHash, payment.PaidAt)
	return err
}

func (s *SQLiteStorage) GetPayment(ctx context.Context, jobID string) (*Payment, error) {
	payment := &Payment{}
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, amount, transaction_hash, paid_at FROM payments WHERE job_id = ?`, jobID).Scan(
		&payment.JobID, &payment.Amount, &payment.TransactionHash, &payment.PaidAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return payment, err
}
