package storage

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryExecutionStore keeps executions in process. Used for local development and tests.
type MemoryExecutionStore struct {
	mu    sync.Mutex
	execs map[string]*ToolExecution
	live  map[liveKey]string // live execution id per tuple
}

type liveKey struct {
	profileID       int64
	reviewRequestID int64
	diffRevision    int
	manualUserID    int64
}

// NewMemoryExecutionStore creates an empty store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		execs: make(map[string]*ToolExecution),
		live:  make(map[liveKey]string),
	}
}

func keyOf(e *ToolExecution) liveKey {
	return liveKey{e.ProfileID, e.ReviewRequestID, e.DiffRevision, e.ManualUserID}
}

func (s *MemoryExecutionStore) CreatePending(_ context.Context, exec *ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(exec)
	if _, ok := s.live[key]; ok {
		return ErrDuplicate
	}

	exec.ID = uuid.New().String()
	exec.Status = StatusPending
	exec.CreatedAt = time.Now().UTC()
	stored := *exec
	s.execs[exec.ID] = &stored
	s.live[key] = exec.ID
	return nil
}

func (s *MemoryExecutionStore) Get(_ context.Context, id string) (*ToolExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(e), nil
}

func (s *MemoryExecutionStore) Complete(_ context.Context, id string, result json.RawMessage) (*ToolExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != StatusPending {
		return nil, ErrAlreadyCompleted
	}
	e.Status = StatusCompleted
	e.Result = slices.Clone(result)
	e.CompletedAt = time.Now().UTC()
	return copyExecution(e), nil
}

func (s *MemoryExecutionStore) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusPending {
		return ErrAlreadyCompleted
	}
	e.Status = StatusFailed
	e.FailureReason = reason
	e.CompletedAt = time.Now().UTC()
	delete(s.live, keyOf(e))
	return nil
}

func (s *MemoryExecutionStore) AttachReview(_ context.Context, id string, reviewID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[id]
	if !ok {
		return ErrNotFound
	}
	e.ReviewID = reviewID
	return nil
}

// List returns every execution, oldest first.
func (s *MemoryExecutionStore) List() []*ToolExecution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ToolExecution, 0, len(s.execs))
	for _, e := range s.execs {
		out = append(out, copyExecution(e))
	}
	slices.SortFunc(out, func(a, b *ToolExecution) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func copyExecution(e *ToolExecution) *ToolExecution {
	cp := *e
	cp.Result = slices.Clone(e.Result)
	return &cp
}
