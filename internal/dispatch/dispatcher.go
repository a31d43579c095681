package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/triage-ai/reviewbot/internal/registry"
	"github.com/triage-ai/reviewbot/internal/storage"
	"go.uber.org/zap"
)

// TransientDispatchError reports that a task could not be handed to the
// broker. The pending execution has been marked failed; nothing is retried here.
type TransientDispatchError struct {
	RoutingKey  string
	ExecutionID string
	Err         error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s (execution %s): %v", e.RoutingKey, e.ExecutionID, e.Err)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// Outcome describes one successfully enqueued task.
type Outcome struct {
	ExecutionID string
	RoutingKey  string
	Queue       string
}

// Dispatcher creates the pending ToolExecution for a task and sends the task
// to the queue of the tool that should run it.
type Dispatcher struct {
	mu      sync.RWMutex
	broker  Broker
	factory BrokerFactory

	store  storage.ExecutionStore
	events storage.EventWriter
	logger *zap.Logger
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Broker  BrokerConfig
	Factory BrokerFactory
	Store   storage.ExecutionStore
	Events  storage.EventWriter
	Logger  *zap.Logger
}

// NewDispatcher builds the initial broker from cfg.Broker.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	factory := cfg.Factory
	if factory == nil {
		factory = DefaultBrokerFactory(cfg.Logger)
	}
	broker, err := factory(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("NewDispatcher: %w", err)
	}
	return &Dispatcher{
		broker:  broker,
		factory: factory,
		store:   cfg.Store,
		events:  cfg.Events,
		logger:  cfg.Logger,
	}, nil
}

// Reconfigure swaps in a broker built from cfg. On error the current broker stays in use.
func (d *Dispatcher) Reconfigure(cfg BrokerConfig) error {
	next, err := d.factory(cfg)
	if err != nil {
		return fmt.Errorf("Reconfigure: %w", err)
	}

	// Taking the write lock waits out in-flight sends on the old broker.
	d.mu.Lock()
	prev := d.broker
	d.broker = next
	d.mu.Unlock()

	if err := prev.Close(); err != nil {
		d.logger.Warn("closing previous broker failed", zap.Error(err))
	}
	d.logger.Info("broker reconfigured")
	return nil
}

// Dispatch records a pending execution for task and enqueues it on the tool's
// queue. Returns storage.ErrDuplicate if a live execution already exists for
// the same profile and diff revision, and *TransientDispatchError if the send fails.
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task, tool *registry.Tool) (*Outcome, error) {
	start := time.Now()
	routingKey := tool.RoutingKey()

	exec := &storage.ToolExecution{
		ProfileID:       task.ProfileID,
		ReviewRequestID: task.Request.ReviewRequestID,
		DiffRevision:    task.Request.DiffRevision,
		ManualUserID:    task.ManualUserID,
	}
	if err := d.store.CreatePending(ctx, exec); err != nil {
		return nil, fmt.Errorf("Dispatch %s: %w", routingKey, err)
	}

	// The caller's task only gets its ExecutionID once the send succeeds.
	payload := *task
	payload.ExecutionID = exec.ID
	body, err := json.Marshal(&payload)
	if err != nil {
		d.fail(ctx, &payload, routingKey, err, start)
		return nil, fmt.Errorf("Dispatch %s: %w", routingKey, err)
	}

	queue := QueueKey(routingKey)
	d.mu.RLock()
	err = d.broker.Send(ctx, queue, body)
	d.mu.RUnlock()
	if err != nil {
		d.fail(ctx, &payload, routingKey, err, start)
		return nil, &TransientDispatchError{RoutingKey: routingKey, ExecutionID: exec.ID, Err: err}
	}

	task.ExecutionID = exec.ID
	d.logger.Info("task dispatched",
		zap.String("execution_id", exec.ID),
		zap.String("routing_key", routingKey),
		zap.Int64("profile_id", task.ProfileID),
		zap.Int64("review_request_id", task.Request.ReviewRequestID),
	)
	d.events.Write(d.event(storage.EventDispatched, &payload, routingKey, "", start))
	return &Outcome{ExecutionID: exec.ID, RoutingKey: routingKey, Queue: queue}, nil
}

func (d *Dispatcher) fail(ctx context.Context, task *Task, routingKey string, cause error, start time.Time) {
	d.logger.Error("task dispatch failed",
		zap.String("execution_id", task.ExecutionID),
		zap.String("routing_key", routingKey),
		zap.Error(cause),
	)
	// Detached: ctx may already be cancelled.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.store.MarkFailed(markCtx, task.ExecutionID, cause.Error()); err != nil {
		d.logger.Error("marking execution failed",
			zap.String("execution_id", task.ExecutionID),
			zap.Error(err),
		)
	}
	d.events.Write(d.event(storage.EventSendFailed, task, routingKey, cause.Error(), start))
}

func (d *Dispatcher) event(kind string, task *Task, routingKey, reason string, start time.Time) *storage.ExecutionEvent {
	return &storage.ExecutionEvent{
		ExecutionID:     task.ExecutionID,
		Kind:            kind,
		Timestamp:       time.Now().UTC(),
		ReviewRequestID: task.Request.ReviewRequestID,
		DiffRevision:    int32(task.Request.DiffRevision),
		ProfileID:       task.ProfileID,
		ToolKey:         routingKey,
		LocalSiteID:     task.Request.LocalSiteID,
		Manual:          task.ManualUserID != 0,
		Reason:          reason,
		LatencyMs:       float32(time.Since(start).Microseconds()) / 1000,
	}
}

// BroadcastRefresh asks all workers to re-report their tool lists. Fire and forget.
func (d *Dispatcher) BroadcastRefresh(ctx context.Context, credential, url string) error {
	body, err := json.Marshal(RefreshPayload{Session: credential, URL: url})
	if err != nil {
		return fmt.Errorf("BroadcastRefresh: %w", err)
	}

	d.mu.RLock()
	err = d.broker.Broadcast(ctx, RefreshCommand, body)
	d.mu.RUnlock()
	if err != nil {
		return &TransientDispatchError{RoutingKey: RefreshCommand, Err: err}
	}
	d.logger.Info("tool list refresh broadcast")
	return nil
}

// Close releases the current broker.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broker.Close()
}
