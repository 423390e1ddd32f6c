package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/agentflow-go/store"
)

// SQLStore implements Store on the shared database. The claim path differs
// by dialect; everything else is portable SQL.
type SQLStore struct {
	db     *sql.DB
	driver store.Driver
}

// NewSQLStore creates the jobs table (the workflows table must already
// exist for the foreign key) and returns the store.
func NewSQLStore(db *store.DB) (*SQLStore, error) {
	s := &SQLStore{db: db.SQL(), driver: db.Dialect()}
	if err := s.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			payload TEXT NOT NULL,
			worker_id VARCHAR(64),
			lease_expires_at TIMESTAMP NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			next_run_at TIMESTAMP NOT NULL,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP NULL,
			completed_at TIMESTAMP NULL,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return err
	}

	// SQLite gets partial indexes matching the claim predicates; MySQL
	// takes the plain composites (and has no IF NOT EXISTS on CREATE
	// INDEX, so duplicates on re-open are tolerated).
	indexes := []string{
		`CREATE INDEX idx_jobs_claim ON jobs(status, priority DESC, created_at ASC)`,
		`CREATE INDEX idx_jobs_lease ON jobs(lease_expires_at)`,
		`CREATE INDEX idx_jobs_workflow ON jobs(workflow_id)`,
	}
	if s.driver == store.DriverSQLite {
		indexes = []string{
			`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at ASC) WHERE status = 'queued'`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(lease_expires_at) WHERE status = 'running'`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON jobs(workflow_id)`,
		}
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			if s.driver == store.DriverMySQL {
				continue
			}
			return err
		}
	}
	return nil
}

const jobColumns = `id, workflow_id, kind, priority, status, payload, worker_id, lease_expires_at,
	retry_count, max_retries, next_run_at, error_message, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var payload string
	var workerID, errMsg sql.NullString
	var lease, started, completed sql.NullTime
	err := row.Scan(&j.ID, &j.WorkflowID, &j.Kind, &j.Priority, &j.Status, &payload,
		&workerID, &lease, &j.RetryCount, &j.MaxRetries, &j.NextRunAt, &errMsg,
		&j.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	j.WorkerID = workerID.String
	j.ErrorMessage = errMsg.String
	if lease.Valid {
		t := lease.Time
		j.LeaseExpiresAt = &t
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func (s *SQLStore) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.WorkflowID == "" {
		return "", errors.New("queue: workflow id is required")
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = DefaultMaxRetries
	}
	now := time.Now().UTC()
	if req.NextRunAt.IsZero() {
		req.NextRunAt = now
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.Kind == KindResume {
		// At most one queued resume job per workflow.
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE workflow_id = ? AND kind = ? AND status = ?`,
			req.WorkflowID, string(KindResume), string(StatusQueued)).Scan(&existing)
		switch {
		case err == nil:
			return existing, tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("failed to check pending resume: %w", err)
		}
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, workflow_id, kind, priority, status, payload, retry_count, max_retries, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, req.WorkflowID, string(req.Kind), req.Priority, string(StatusQueued),
		string(payloadJSON), req.MaxRetries, req.NextRunAt, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return id, nil
}

func (s *SQLStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	now := time.Now().UTC()
	expires := now.Add(lease)

	if s.driver == store.DriverMySQL {
		return s.claimMySQL(ctx, workerID, now, expires)
	}
	return s.claimSQLite(ctx, workerID, now, expires)
}

// claimSQLite selects and updates in one statement; the single writer
// connection makes the read-modify-write atomic.
func (s *SQLStore) claimSQLite(ctx context.Context, workerID string, now, expires time.Time) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, worker_id = ?, started_at = ?, lease_expires_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND next_run_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(StatusRunning), workerID, now, expires, string(StatusQueued), now)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// claimMySQL locks the eligible row with SKIP LOCKED so concurrent
// claimers pass over each other instead of blocking or double-claiming.
func (s *SQLStore) claimMySQL(ctx context.Context, workerID string, now, expires time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND next_run_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		string(StatusQueued), now)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, worker_id = ?, started_at = ?, lease_expires_at = ? WHERE id = ?`,
		string(StatusRunning), workerID, now, expires, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = StatusRunning
	job.WorkerID = workerID
	job.StartedAt = &now
	job.LeaseExpiresAt = &expires
	return job, nil
}

func (s *SQLStore) Renew(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND worker_id = ? AND status = ? AND lease_expires_at > ?`,
		now.Add(lease), jobID, workerID, string(StatusRunning), now)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.renewFailure(ctx, jobID, workerID)
}

func (s *SQLStore) renewFailure(ctx context.Context, jobID, workerID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.WorkerID != workerID || job.Status != StatusRunning {
		return ErrNotOwner
	}
	return ErrLeaseExpired
}

func (s *SQLStore) Complete(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND worker_id = ? AND status IN (?, ?)`,
		string(StatusCompleted), time.Now().UTC(), jobID, workerID,
		string(StatusRunning), string(StatusCompleted))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return ErrNotOwner
}

func (s *SQLStore) Fail(ctx context.Context, jobID, workerID, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT retry_count, max_retries, worker_id, status FROM jobs WHERE id = ?`
	if s.driver == store.DriverMySQL {
		query += ` FOR UPDATE`
	}
	var retryCount, maxRetries int
	var owner sql.NullString
	var status string
	err = tx.QueryRowContext(ctx, query, jobID).Scan(&retryCount, &maxRetries, &owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if owner.String != workerID || Status(status) != StatusRunning {
		return ErrNotOwner
	}

	if err := failInTx(ctx, tx, jobID, retryCount, maxRetries, errMsg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure: %w", err)
	}
	return nil
}

// failInTx applies the shared retry-or-terminal transition used by Fail and
// ReclaimExpired.
func failInTx(ctx context.Context, tx *sql.Tx, jobID string, retryCount, maxRetries int, errMsg string) error {
	now := time.Now().UTC()
	if retryCount < maxRetries {
		next := retryCount + 1
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, retry_count = ?, next_run_at = ?,
				worker_id = NULL, lease_expires_at = NULL, started_at = NULL, error_message = ?
			WHERE id = ?`,
			string(StatusQueued), next, now.Add(Backoff(next)), errMsg, jobID)
		if err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, worker_id = NULL, lease_expires_at = NULL, error_message = ?
		WHERE id = ?`,
		string(StatusFailed), now, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

func (s *SQLStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT id, retry_count, max_retries FROM jobs WHERE status = ? AND lease_expires_at < ?`
	if s.driver == store.DriverMySQL {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := tx.QueryContext(ctx, query, string(StatusRunning), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to find expired leases: %w", err)
	}

	type expired struct {
		id                     string
		retryCount, maxRetries int
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.retryCount, &e.maxRetries); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan expired job: %w", err)
		}
		found = append(found, e)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	for _, e := range found {
		if err := failInTx(ctx, tx, e.id, e.retryCount, e.maxRetries, leaseExpiredMsg); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reclaim: %w", err)
	}
	return len(found), nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) ListByWorkflow(ctx context.Context, workflowID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}
