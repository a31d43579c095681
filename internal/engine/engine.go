package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/reviewbot/internal/auth"
	"github.com/triage-ai/reviewbot/internal/dispatch"
	"github.com/triage-ai/reviewbot/internal/registry"
	"github.com/triage-ai/reviewbot/internal/storage"
	"go.uber.org/zap"
)

// TaskDispatcher is the part of dispatch.Dispatcher the engine drives.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task *dispatch.Task, tool *registry.Tool) (*dispatch.Outcome, error)
	BroadcastRefresh(ctx context.Context, credential, url string) error
}

// ConfigSource is the registry view the engine needs.
type ConfigSource interface {
	registry.ConfigStore
	MarkToolsStale(ctx context.Context, before time.Time) error
}

// TaskOutcome is one task handed to the broker.
type TaskOutcome struct {
	ProfileID   int64
	RoutingKey  string
	ExecutionID string
}

// TaskFailure is a selected profile whose task was not enqueued.
type TaskFailure struct {
	ProfileID  int64
	RoutingKey string
	Err        error
}

// DispatchReport summarizes what an event caused.
type DispatchReport struct {
	Dispatched []TaskOutcome
	Skipped    []Selection
	Failed     []TaskFailure
}

// ManualRunRequest asks to run one profile on a review request on behalf of a user.
// Submitter and InTargetGroup describe the user's relation to the review request
// as known to the hosting review system.
type ManualRunRequest struct {
	UserID        int64
	ProfileID     int64
	Event         Event
	Submitter     bool
	InTargetGroup bool
}

// ReviewBotEngine is the entry point the hosting system calls on review events.
type ReviewBotEngine struct {
	config     ConfigSource
	matcher    *Matcher
	skip       *SkipFilter
	builder    *TaskBuilder
	dispatcher TaskDispatcher
	issuer     auth.CredentialIssuer
	events     storage.EventWriter
	actingUser string
	site       SiteURL
	logger     *zap.Logger
}

// Config configures a ReviewBotEngine.
type Config struct {
	Registry    ConfigSource
	Dispatcher  TaskDispatcher
	Issuer      auth.CredentialIssuer
	Events      storage.EventWriter
	ActingUser  string
	MaxComments int
	Site        SiteURL
	Logger      *zap.Logger
}

// NewReviewBotEngine wires the matcher, skip filter and task builder around the given collaborators.
func NewReviewBotEngine(cfg Config) *ReviewBotEngine {
	return &ReviewBotEngine{
		config:     cfg.Registry,
		matcher:    NewMatcher(cfg.Registry, cfg.Logger),
		skip:       NewSkipFilter(cfg.Logger),
		builder:    NewTaskBuilder(cfg.MaxComments),
		dispatcher: cfg.Dispatcher,
		issuer:     cfg.Issuer,
		events:     cfg.Events,
		actingUser: cfg.ActingUser,
		site:       cfg.Site,
		logger:     cfg.Logger,
	}
}

// OnReviewEvent selects, builds and dispatches the tasks for a review event.
// A CredentialError aborts the event before anything is sent. Per-task
// dispatch failures do not stop sibling tasks; they are reported in the
// returned report and joined into the returned error.
func (e *ReviewBotEngine) OnReviewEvent(ctx context.Context, ev Event) (*DispatchReport, error) {
	selections, err := e.matcher.Select(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("OnReviewEvent: %w", err)
	}

	report := &DispatchReport{}
	toRun := make([]Selection, 0, len(selections))
	for _, sel := range selections {
		if e.skip.ShouldSkip(sel.Tool, ev.Summary) {
			e.logger.Debug("skipping tool for review request",
				zap.String("tool", sel.Tool.String()),
				zap.Int64("profile_id", sel.Profile.ID),
				zap.Int64("review_request_id", ev.ReviewRequestID),
			)
			report.Skipped = append(report.Skipped, sel)
			e.events.Write(&storage.ExecutionEvent{
				Kind:            storage.EventSkipped,
				Timestamp:       time.Now().UTC(),
				ReviewRequestID: ev.ReviewRequestID,
				DiffRevision:    int32(ev.DiffRevision),
				ProfileID:       sel.Profile.ID,
				ToolKey:         sel.Tool.RoutingKey(),
				LocalSiteID:     ev.LocalSiteID,
				Reason:          "summary matches skip pattern",
			})
			continue
		}
		toRun = append(toRun, sel)
	}
	if len(toRun) == 0 {
		return report, nil
	}

	// One credential and one base URL for the whole batch.
	cred, err := e.credential(ctx)
	if err != nil {
		return report, err
	}
	baseURL := e.site.String()

	// Build every task before sending any of them.
	tasks := make([]*dispatch.Task, len(toRun))
	for i, sel := range toRun {
		task, err := e.builder.Build(sel.Profile, ev, cred, baseURL)
		if err != nil {
			var credErr *CredentialError
			if errors.As(err, &credErr) {
				return report, err
			}
			e.logger.Warn("task build failed",
				zap.Int64("profile_id", sel.Profile.ID),
				zap.Error(err),
			)
			report.Failed = append(report.Failed, TaskFailure{ProfileID: sel.Profile.ID, RoutingKey: sel.Tool.RoutingKey(), Err: err})
			continue
		}
		tasks[i] = task
	}

	var errs []error
	for i, sel := range toRun {
		if tasks[i] == nil {
			continue
		}
		out, err := e.dispatcher.Dispatch(ctx, tasks[i], sel.Tool)
		if err != nil {
			report.Failed = append(report.Failed, TaskFailure{ProfileID: sel.Profile.ID, RoutingKey: sel.Tool.RoutingKey(), Err: err})
			errs = append(errs, err)
			continue
		}
		report.Dispatched = append(report.Dispatched, TaskOutcome{
			ProfileID:   sel.Profile.ID,
			RoutingKey:  out.RoutingKey,
			ExecutionID: out.ExecutionID,
		})
	}

	e.logger.Info("review event processed",
		zap.Int64("review_request_id", ev.ReviewRequestID),
		zap.Int("diff_revision", ev.DiffRevision),
		zap.Int("dispatched", len(report.Dispatched)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, errors.Join(errs...)
}

// RunManual dispatches one profile at a user's request. Skip patterns do not
// apply; the profile's tool must still be enabled and installed.
func (e *ReviewBotEngine) RunManual(ctx context.Context, req ManualRunRequest) (*TaskOutcome, error) {
	profile, err := e.config.GetProfile(ctx, req.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("RunManual: %w", err)
	}
	if profile.LocalSiteID != req.Event.LocalSiteID {
		return nil, fmt.Errorf("RunManual: profile %d: %w", req.ProfileID, registry.ErrNotFound)
	}
	if profile.Tool == nil || !profile.Tool.Eligible() {
		return nil, fmt.Errorf("RunManual: profile %d: %w", req.ProfileID, ErrToolUnavailable)
	}

	perm, err := e.config.GetManualPermission(ctx, req.UserID, req.Event.LocalSiteID)
	if err != nil {
		return nil, fmt.Errorf("RunManual: %w", err)
	}
	if !ManualRunAllowed(profile, perm, req.Submitter, req.InTargetGroup) {
		e.logger.Info("manual run denied",
			zap.Int64("user_id", req.UserID),
			zap.Int64("profile_id", req.ProfileID),
		)
		return nil, ErrManualRunDenied
	}

	cred, err := e.credential(ctx)
	if err != nil {
		return nil, err
	}
	task, err := e.builder.Build(profile, req.Event, cred, e.site.String())
	if err != nil {
		return nil, fmt.Errorf("RunManual: %w", err)
	}
	task.ManualUserID = req.UserID

	out, err := e.dispatcher.Dispatch(ctx, task, profile.Tool)
	if err != nil {
		return nil, err
	}
	return &TaskOutcome{ProfileID: profile.ID, RoutingKey: out.RoutingKey, ExecutionID: out.ExecutionID}, nil
}

// ManualRunAllowed applies the manual-run rules: an explicit deny always wins,
// otherwise an explicit allow or any matching profile flag permits the run.
func ManualRunAllowed(profile *registry.Profile, perm *registry.ManualPermission, submitter, inTargetGroup bool) bool {
	if perm != nil && !perm.Allow {
		return false
	}
	return (perm != nil && perm.Allow) ||
		profile.AllowManual ||
		(profile.AllowManualSubmitter && submitter) ||
		(profile.AllowManualGroup && inTargetGroup)
}

// RefreshTools asks the workers to re-report their tools, then marks stale every
// tool not registered since the broadcast went out. Tools become eligible again
// as RegisterTools receives the replies. A failed broadcast leaves the tool
// list as it was.
func (e *ReviewBotEngine) RefreshTools(ctx context.Context) error {
	cred, err := e.credential(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := e.dispatcher.BroadcastRefresh(ctx, string(cred), e.site.String()); err != nil {
		e.logger.Error("tool refresh broadcast failed, tool list left unchanged", zap.Error(err))
		return fmt.Errorf("RefreshTools: %w", err)
	}
	if err := e.config.MarkToolsStale(ctx, start); err != nil {
		return fmt.Errorf("RefreshTools: %w", err)
	}
	return nil
}

func (e *ReviewBotEngine) credential(ctx context.Context) (Credential, error) {
	if e.actingUser == "" {
		return "", &CredentialError{Err: auth.ErrUserNotFound}
	}
	token, err := e.issuer.IssueSession(ctx, e.actingUser)
	if err != nil {
		e.logger.Error("cannot obtain execution credential",
			zap.String("acting_user", e.actingUser),
			zap.Error(err),
		)
		return "", &CredentialError{User: e.actingUser, Err: err}
	}
	return Credential(token), nil
}
