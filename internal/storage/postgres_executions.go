package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// ExecutionQueries abstracts the reviewbot_tool_executions statements for
// testability. Row-returning queries report a miss as sql.ErrNoRows.
type ExecutionQueries interface {
	InsertPending(ctx context.Context, id string, exec *ToolExecution) (time.Time, error)
	SelectByID(ctx context.Context, id string) (*ToolExecution, error)
	// CompletePending updates the row only while it is pending.
	CompletePending(ctx context.Context, id string, result []byte) (*ToolExecution, error)
	FailPending(ctx context.Context, id, reason string) (int64, error)
	SetReview(ctx context.Context, id string, reviewID int64) (int64, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// sqlExecutionQueries is the real implementation using *sql.DB.
type sqlExecutionQueries struct {
	db *sql.DB
}

const executionColumns = `
	id, profile_id, review_request_id, diff_revision, manual_user_id, status,
	COALESCE(result, 'null'::json), review_id, failure_reason, created_at, completed_at`

func scanExecution(row interface{ Scan(dest ...any) error }) (*ToolExecution, error) {
	var (
		e           ToolExecution
		manualUser  sql.NullInt64
		reviewID    sql.NullInt64
		result      []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &e.ProfileID, &e.ReviewRequestID, &e.DiffRevision, &manualUser, &e.Status,
		&result, &reviewID, &e.FailureReason, &e.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	e.ManualUserID = manualUser.Int64
	e.ReviewID = reviewID.Int64
	if string(result) != "null" {
		e.Result = json.RawMessage(result)
	}
	if completedAt.Valid {
		e.CompletedAt = completedAt.Time
	}
	return &e, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func (q *sqlExecutionQueries) InsertPending(ctx context.Context, id string, exec *ToolExecution) (time.Time, error) {
	var createdAt time.Time
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO reviewbot_tool_executions
			(id, profile_id, review_request_id, diff_revision, manual_user_id, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, 'pending', '')
		RETURNING created_at
	`, id, exec.ProfileID, exec.ReviewRequestID, exec.DiffRevision, nullableID(exec.ManualUserID),
	).Scan(&createdAt)
	return createdAt, err
}

func (q *sqlExecutionQueries) SelectByID(ctx context.Context, id string) (*ToolExecution, error) {
	return scanExecution(q.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM reviewbot_tool_executions WHERE id = $1`, id))
}

func (q *sqlExecutionQueries) CompletePending(ctx context.Context, id string, result []byte) (*ToolExecution, error) {
	// result is bound as text so the json column keeps the worker's bytes.
	return scanExecution(q.db.QueryRowContext(ctx, `
		UPDATE reviewbot_tool_executions
		SET status = 'completed', result = $2::json, completed_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+executionColumns, id, string(result)))
}

func (q *sqlExecutionQueries) FailPending(ctx context.Context, id, reason string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE reviewbot_tool_executions
		SET status = 'failed', failure_reason = $2, completed_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *sqlExecutionQueries) SetReview(ctx context.Context, id string, reviewID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE reviewbot_tool_executions SET review_id = $2 WHERE id = $1`, id, reviewID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *sqlExecutionQueries) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM reviewbot_tool_executions WHERE id = $1)`, id,
	).Scan(&exists)
	return exists, err
}

// PostgresExecutionStore stores executions in reviewbot_tool_executions. The
// partial unique index over non-failed rows makes the loser of concurrent
// duplicate dispatches fail with ErrDuplicate.
type PostgresExecutionStore struct {
	queries ExecutionQueries
}

// NewPostgresExecutionStore creates a store backed by the given pool.
func NewPostgresExecutionStore(db *sql.DB) *PostgresExecutionStore {
	return NewPostgresExecutionStoreWithQueries(&sqlExecutionQueries{db: db})
}

// NewPostgresExecutionStoreWithQueries creates a store with custom queries (for testing).
func NewPostgresExecutionStoreWithQueries(queries ExecutionQueries) *PostgresExecutionStore {
	return &PostgresExecutionStore{queries: queries}
}

func (s *PostgresExecutionStore) CreatePending(ctx context.Context, exec *ToolExecution) error {
	id := uuid.New().String()
	createdAt, err := s.queries.InsertPending(ctx, id, exec)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("CreatePending: %w", err)
	}
	exec.ID = id
	exec.Status = StatusPending
	exec.CreatedAt = createdAt
	return nil
}

func (s *PostgresExecutionStore) Get(ctx context.Context, id string) (*ToolExecution, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	e, err := s.queries.SelectByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return e, nil
}

func (s *PostgresExecutionStore) Complete(ctx context.Context, id string, result json.RawMessage) (*ToolExecution, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}

	// Single conditional update: only the first completion wins.
	e, err := s.queries.CompletePending(ctx, id, result)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Complete: %w", err)
	}
	return nil, s.classifyMiss(ctx, id)
}

func (s *PostgresExecutionStore) MarkFailed(ctx context.Context, id string, reason string) error {
	n, err := s.queries.FailPending(ctx, id, reason)
	if err != nil {
		return fmt.Errorf("MarkFailed: %w", err)
	}
	if n == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

func (s *PostgresExecutionStore) AttachReview(ctx context.Context, id string, reviewID int64) error {
	n, err := s.queries.SetReview(ctx, id, reviewID)
	if err != nil {
		return fmt.Errorf("AttachReview: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// classifyMiss tells apart a missing row from one that is no longer pending.
func (s *PostgresExecutionStore) classifyMiss(ctx context.Context, id string) error {
	exists, err := s.queries.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("classifyMiss: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyCompleted
}
