package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for an execution id that does not exist.
	ErrNotFound = errors.New("tool execution not found")

	// ErrAlreadyCompleted is returned when a result arrives for an execution
	// that is no longer pending.
	ErrAlreadyCompleted = errors.New("tool execution already completed")

	// ErrDuplicate is returned when a live execution already exists for the
	// same profile, review request, diff revision and requesting user.
	ErrDuplicate = errors.New("tool execution already exists")
)

// ExecutionStatus is the lifecycle state of a ToolExecution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ToolExecution records one dispatched or manually requested tool run.
type ToolExecution struct {
	ID              string
	ProfileID       int64
	ReviewRequestID int64
	DiffRevision    int
	ManualUserID    int64 // 0 for automatic runs
	Status          ExecutionStatus
	Result          json.RawMessage
	ReviewID        int64 // 0 until a review is posted
	FailureReason   string
	CreatedAt       time.Time
	CompletedAt     time.Time
}

// Manual reports whether a user requested the run.
func (e *ToolExecution) Manual() bool {
	return e.ManualUserID != 0
}

// ExecutionStore persists ToolExecution records. Implementations must be safe
// for concurrent use and enforce the live-execution uniqueness at creation.
type ExecutionStore interface {
	// CreatePending assigns ID and CreatedAt and stores the execution as pending.
	// Returns ErrDuplicate if a pending or completed execution holds the same
	// (profile, review request, diff revision, manual user).
	CreatePending(ctx context.Context, exec *ToolExecution) error

	// Get returns ErrNotFound if the execution does not exist.
	Get(ctx context.Context, id string) (*ToolExecution, error)

	// Complete stores the result of a pending execution exactly once.
	// Returns ErrNotFound or ErrAlreadyCompleted without mutating anything.
	Complete(ctx context.Context, id string, result json.RawMessage) (*ToolExecution, error)

	// MarkFailed moves a pending execution to failed.
	MarkFailed(ctx context.Context, id string, reason string) error

	// AttachReview records the review posted for a completed execution.
	AttachReview(ctx context.Context, id string, reviewID int64) error
}
