package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLWorkflows implements Workflows on a DB.
type SQLWorkflows struct {
	db *DB
}

func NewSQLWorkflows(db *DB) *SQLWorkflows { return &SQLWorkflows{db: db} }

func (s *SQLWorkflows) Create(ctx context.Context, w *WorkflowRecord) error {
	now := time.Now().UTC()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.ThreadID == "" {
		w.ThreadID = w.ID
	}
	if w.Version == 0 {
		w.Version = 1
	}
	if w.Status == "" {
		w.Status = StatusActive
	}
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO workflows (id, project_id, thread_id, version, original_prompt, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, nullable(w.ProjectID), w.ThreadID, w.Version, w.OriginalPrompt, string(w.Status), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

func (s *SQLWorkflows) Get(ctx context.Context, id string) (*WorkflowRecord, error) {
	return s.scanOne(ctx, `SELECT id, project_id, thread_id, version, original_prompt, status, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
}

func (s *SQLWorkflows) GetByThread(ctx context.Context, threadID string) (*WorkflowRecord, error) {
	return s.scanOne(ctx, `SELECT id, project_id, thread_id, version, original_prompt, status, created_at, updated_at
		FROM workflows WHERE thread_id = ?`, threadID)
}

func (s *SQLWorkflows) scanOne(ctx context.Context, query string, arg any) (*WorkflowRecord, error) {
	var w WorkflowRecord
	var projectID sql.NullString
	var status string
	err := s.db.sql.QueryRowContext(ctx, query, arg).Scan(
		&w.ID, &projectID, &w.ThreadID, &w.Version, &w.OriginalPrompt, &status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	w.ProjectID = projectID.String
	w.Status = WorkflowStatus(status)
	return &w, nil
}

func (s *SQLWorkflows) SetStatus(ctx context.Context, id string, status WorkflowStatus) error {
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE workflows SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLWorkflows) Delete(ctx context.Context, id string) error {
	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	// Jobs, events, and artifacts cascade via foreign keys; checkpoints
	// are keyed by thread and removed explicitly.
	if _, err := s.db.sql.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, w.ThreadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := s.db.sql.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return nil
}

// SQLProjects implements Projects on a DB.
type SQLProjects struct {
	db *DB
}

func NewSQLProjects(db *DB) *SQLProjects { return &SQLProjects{db: db} }

func (s *SQLProjects) Create(ctx context.Context, p *ProjectRecord) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (s *SQLProjects) Get(ctx context.Context, id string) (*ProjectRecord, error) {
	var p ProjectRecord
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &p, nil
}

// SQLEvents implements the audit log on a DB.
type SQLEvents struct {
	db *DB
}

func NewSQLEvents(db *DB) *SQLEvents { return &SQLEvents{db: db} }

func (s *SQLEvents) Append(ctx context.Context, e *EventRecord) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO events (workflow_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		e.WorkflowID, e.Kind, string(payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (s *SQLEvents) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]EventRecord, error) {
	query := `SELECT id, workflow_id, kind, payload, created_at FROM events WHERE workflow_id = ? ORDER BY id ASC`
	args := []any{workflowID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var payload string
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SQLArtifacts implements Artifacts on a DB.
type SQLArtifacts struct {
	db *DB
}

func NewSQLArtifacts(db *DB) *SQLArtifacts { return &SQLArtifacts{db: db} }

func (s *SQLArtifacts) Put(ctx context.Context, a *ArtifactRecord) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}
	_, err = s.db.sql.ExecContext(ctx, `
		INSERT INTO artifacts (id, workflow_id, kind, external_uri, content_hash, size, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowID, a.Kind, a.ExternalURI, a.ContentHash, a.Size, string(meta), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put artifact: %w", err)
	}
	return nil
}

func (s *SQLArtifacts) ListByWorkflow(ctx context.Context, workflowID string) ([]ArtifactRecord, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, workflow_id, kind, external_uri, content_hash, size, metadata, created_at
		FROM artifacts WHERE workflow_id = ? ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ArtifactRecord
	for rows.Next() {
		var a ArtifactRecord
		var meta string
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.Kind, &a.ExternalURI, &a.ContentHash, &a.Size, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact metadata: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SQLCallCache implements CallCache on a DB.
type SQLCallCache struct {
	db *DB
}

func NewSQLCallCache(db *DB) *SQLCallCache { return &SQLCallCache{db: db} }

func (s *SQLCallCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var response string
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT response FROM llm_call_cache WHERE cache_key = ?`, key).Scan(&response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read call cache: %w", err)
	}
	return []byte(response), true, nil
}

func (s *SQLCallCache) Put(ctx context.Context, key string, response []byte) error {
	query := `INSERT INTO llm_call_cache (cache_key, response, created_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET response = excluded.response`
	if s.db.driver == DriverMySQL {
		query = `INSERT INTO llm_call_cache (cache_key, response, created_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE response = VALUES(response)`
	}
	_, err := s.db.sql.ExecContext(ctx, query, key, string(response), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write call cache: %w", err)
	}
	return nil
}

// SQLCheckpoints implements Checkpoints[S] on a DB. State is stored as a
// JSON blob; ids are UUIDv7 so they sort by creation time.
type SQLCheckpoints[S any] struct {
	db *DB
}

func NewSQLCheckpoints[S any](db *DB) *SQLCheckpoints[S] { return &SQLCheckpoints[S]{db: db} }

func (s *SQLCheckpoints[S]) Put(ctx context.Context, threadID, parentID string, state S, meta Meta) (string, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate checkpoint id: %w", err)
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tipQuery := `SELECT checkpoint_id, seq FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`
	if s.db.driver == DriverMySQL {
		tipQuery += ` FOR UPDATE`
	}

	var tipID string
	var tipSeq int
	err = tx.QueryRowContext(ctx, tipQuery, threadID).Scan(&tipID, &tipSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if parentID != "" {
			return "", ErrStaleParent
		}
	case err != nil:
		return "", fmt.Errorf("failed to read tip: %w", err)
	default:
		if parentID != tipID {
			return "", ErrStaleParent
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, thread_id, namespace, seq, parent_checkpoint_id, state, metadata, created_at)
		VALUES (?, ?, '', ?, ?, ?, ?, ?)`,
		id.String(), threadID, tipSeq+1, parentID, string(stateJSON), string(metaJSON), time.Now().UTC())
	if err != nil {
		// The UNIQUE(thread_id, parent_checkpoint_id) constraint is the
		// backstop against racing writers on drivers without FOR UPDATE.
		return "", fmt.Errorf("%w: %v", ErrStaleParent, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return id.String(), nil
}

func (s *SQLCheckpoints[S]) Latest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	var stateJSON, metaJSON string
	err := s.db.sql.QueryRowContext(ctx, `
		SELECT checkpoint_id, thread_id, namespace, parent_checkpoint_id, state, metadata, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID).
		Scan(&cp.ID, &cp.ThreadID, &cp.Namespace, &cp.ParentID, &stateJSON, &metaJSON, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return cp, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &cp.Meta); err != nil {
		return cp, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return cp, nil
}

func (s *SQLCheckpoints[S]) Walk(ctx context.Context, threadID string, fn func(Checkpoint[S]) error) error {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT checkpoint_id, thread_id, namespace, parent_checkpoint_id, state, metadata, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return fmt.Errorf("failed to walk checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cp Checkpoint[S]
		var stateJSON, metaJSON string
		if err := rows.Scan(&cp.ID, &cp.ThreadID, &cp.Namespace, &cp.ParentID, &stateJSON, &metaJSON, &cp.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &cp.Meta); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		if err := fn(cp); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLCheckpoints[S]) Prune(ctx context.Context, threadID string, keepLast int) error {
	if keepLast < 1 {
		keepLast = 1
	}
	_, err := s.db.sql.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE thread_id = ? AND seq <= (
			SELECT cutoff FROM (
				SELECT MAX(seq) - ? AS cutoff FROM checkpoints WHERE thread_id = ?
			) AS tip
		)`, threadID, keepLast, threadID)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
