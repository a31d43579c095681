package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/reviewbot/internal/registry"
	"github.com/triage-ai/reviewbot/internal/storage"
	"go.uber.org/zap"
)

// Outcome reports what happened to an ingested result.
type Outcome struct {
	ExecutionID  string
	ReviewPosted bool
	ReviewID     int64
	// PostError is set when the review could not be posted. The execution
	// stays completed either way.
	PostError error
}

// ResultIngestor stores worker results and hands them to the review poster.
type ResultIngestor struct {
	store    storage.ExecutionStore
	profiles registry.ConfigStore
	poster   ReviewPoster
	events   storage.EventWriter
	logger   *zap.Logger
}

// NewResultIngestor creates a ResultIngestor.
func NewResultIngestor(store storage.ExecutionStore, profiles registry.ConfigStore, poster ReviewPoster, events storage.EventWriter, logger *zap.Logger) *ResultIngestor {
	return &ResultIngestor{
		store:    store,
		profiles: profiles,
		poster:   poster,
		events:   events,
		logger:   logger,
	}
}

// Ingest completes a pending execution with result. It fails with
// storage.ErrNotFound for unknown ids and storage.ErrAlreadyCompleted for
// executions that already finished; nothing is mutated in either case.
func (i *ResultIngestor) Ingest(ctx context.Context, executionID string, result json.RawMessage) (*Outcome, error) {
	start := time.Now()

	exec, err := i.store.Complete(ctx, executionID, result)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAlreadyCompleted) {
			i.logger.Warn("rejected tool result",
				zap.String("execution_id", executionID),
				zap.Error(err),
			)
			i.events.Write(&storage.ExecutionEvent{
				ExecutionID: executionID,
				Kind:        storage.EventRejected,
				Timestamp:   time.Now().UTC(),
				Reason:      err.Error(),
			})
		}
		return nil, fmt.Errorf("Ingest %s: %w", executionID, err)
	}

	out := &Outcome{ExecutionID: exec.ID}
	event := &storage.ExecutionEvent{
		ExecutionID:     exec.ID,
		Kind:            storage.EventCompleted,
		ReviewRequestID: exec.ReviewRequestID,
		DiffRevision:    int32(exec.DiffRevision),
		ProfileID:       exec.ProfileID,
		Manual:          exec.Manual(),
	}
	defer func() {
		event.Timestamp = time.Now().UTC()
		event.ReviewPosted = out.ReviewPosted
		if out.PostError != nil {
			event.Reason = out.PostError.Error()
		}
		event.LatencyMs = float32(time.Since(start).Microseconds()) / 1000
		i.events.Write(event)
	}()

	profile, err := i.profiles.GetProfile(ctx, exec.ProfileID)
	if err != nil {
		out.PostError = fmt.Errorf("load profile %d: %w", exec.ProfileID, err)
		i.logger.Error("cannot post review for completed execution",
			zap.String("execution_id", exec.ID),
			zap.Error(out.PostError),
		)
		return out, nil
	}
	if profile.Tool != nil {
		event.ToolKey = profile.Tool.RoutingKey()
	}
	event.LocalSiteID = profile.LocalSiteID

	policy := profile.PostingPolicy()
	if !policy.RequestsReview() {
		i.logger.Debug("profile does not post reviews",
			zap.String("execution_id", exec.ID),
			zap.Int64("profile_id", profile.ID),
		)
		return out, nil
	}

	post := &ReviewPost{
		ExecutionID:     exec.ID,
		ReviewRequestID: exec.ReviewRequestID,
		DiffRevision:    exec.DiffRevision,
		ProfileID:       profile.ID,
		Policy:          policy,
		Result:          exec.Result,
	}
	if profile.Tool != nil {
		post.ToolName = profile.Tool.Name
	}
	reviewID, err := i.poster.PostReview(ctx, post)
	if err != nil {
		out.PostError = err
		i.logger.Error("review posting failed",
			zap.String("execution_id", exec.ID),
			zap.Int64("review_request_id", exec.ReviewRequestID),
			zap.Error(err),
		)
		return out, nil
	}
	out.ReviewPosted = true
	out.ReviewID = reviewID

	if reviewID != 0 {
		if err := i.store.AttachReview(ctx, exec.ID, reviewID); err != nil {
			i.logger.Error("recording posted review failed",
				zap.String("execution_id", exec.ID),
				zap.Int64("review_id", reviewID),
				zap.Error(err),
			)
		}
	}

	i.logger.Info("tool result ingested",
		zap.String("execution_id", exec.ID),
		zap.Int64("review_request_id", exec.ReviewRequestID),
		zap.Int64("review_id", reviewID),
	)
	return out, nil
}
