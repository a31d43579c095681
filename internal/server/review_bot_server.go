package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/triage-ai/reviewbot/internal/auth"
	"github.com/triage-ai/reviewbot/internal/dispatch"
	"github.com/triage-ai/reviewbot/internal/engine"
	"github.com/triage-ai/reviewbot/internal/ingest"
	"github.com/triage-ai/reviewbot/internal/registry"
	"github.com/triage-ai/reviewbot/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReviewBotServer implements ReviewBotService.
type ReviewBotServer struct {
	engine   *engine.ReviewBotEngine
	ingestor *ingest.ResultIngestor
	admin    registry.Admin
	auth     auth.Authenticator
	logger   *zap.Logger
}

// NewReviewBotServer creates a new ReviewBotServer with the given dependencies.
func NewReviewBotServer(
	eng *engine.ReviewBotEngine,
	ingestor *ingest.ResultIngestor,
	admin registry.Admin,
	authenticator auth.Authenticator,
	logger *zap.Logger,
) *ReviewBotServer {
	return &ReviewBotServer{
		engine:   eng,
		ingestor: ingestor,
		admin:    admin,
		auth:     authenticator,
		logger:   logger,
	}
}

func toEvent(ev ReviewEvent) engine.Event {
	return engine.Event{
		ReviewRequestID: ev.ReviewRequestID,
		DiffRevision:    ev.DiffRevision,
		RepositoryID:    ev.RepositoryID,
		LocalSiteID:     ev.LocalSiteID,
		Files:           ev.Files,
		Summary:         ev.Summary,
	}
}

// OnReviewEvent implements the ReviewBotService.OnReviewEvent RPC. Per-task
// failures are reported in the response; only event-level failures are RPC errors.
func (s *ReviewBotServer) OnReviewEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ReviewEvent
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid review event: %v", err)
	}
	if req.ReviewRequestID == 0 {
		return nil, status.Error(codes.InvalidArgument, "review_request_id is required")
	}

	report, err := s.engine.OnReviewEvent(ctx, toEvent(req))
	if report == nil {
		return nil, s.toStatus("OnReviewEvent", err)
	}
	var credErr *engine.CredentialError
	if errors.As(err, &credErr) {
		return nil, s.toStatus("OnReviewEvent", err)
	}
	if err != nil {
		s.logger.Warn("review event partially dispatched",
			zap.Int64("review_request_id", req.ReviewRequestID),
			zap.Error(err),
		)
	}

	resp := OnReviewEventResponse{
		Dispatched: make([]TaskResult, 0, len(report.Dispatched)),
		Skipped:    make([]TaskResult, 0, len(report.Skipped)),
		Failed:     make([]TaskResult, 0, len(report.Failed)),
	}
	for _, d := range report.Dispatched {
		resp.Dispatched = append(resp.Dispatched, TaskResult{ProfileID: d.ProfileID, RoutingKey: d.RoutingKey, ExecutionID: d.ExecutionID})
	}
	for _, sk := range report.Skipped {
		resp.Skipped = append(resp.Skipped, TaskResult{ProfileID: sk.Profile.ID, RoutingKey: sk.Tool.RoutingKey()})
	}
	for _, f := range report.Failed {
		resp.Failed = append(resp.Failed, TaskResult{ProfileID: f.ProfileID, RoutingKey: f.RoutingKey, Error: f.Err.Error()})
	}
	return s.reply(resp)
}

// IngestResult implements the ReviewBotService.IngestResult RPC. Callers must
// present an execution credential.
func (s *ReviewBotServer) IngestResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.auth.Authenticate(ctx); err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	var req IngestResultRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid ingest request: %v", err)
	}
	if req.ExecutionID == "" {
		return nil, status.Error(codes.InvalidArgument, "execution_id is required")
	}
	var result json.RawMessage
	if req.ResultJSON != "" {
		if !json.Valid([]byte(req.ResultJSON)) {
			return nil, status.Error(codes.InvalidArgument, "result_json is not valid JSON")
		}
		result = json.RawMessage(req.ResultJSON)
	}

	out, err := s.ingestor.Ingest(ctx, req.ExecutionID, result)
	if err != nil {
		return nil, s.toStatus("IngestResult", err)
	}
	resp := IngestResultResponse{ExecutionID: out.ExecutionID, ReviewPosted: out.ReviewPosted, ReviewID: out.ReviewID}
	if out.PostError != nil {
		resp.PostError = out.PostError.Error()
	}
	return s.reply(resp)
}

// RefreshTools implements the ReviewBotService.RefreshTools RPC.
func (s *ReviewBotServer) RefreshTools(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.RefreshTools(ctx); err != nil {
		return nil, s.toStatus("RefreshTools", err)
	}
	return s.reply(Empty{})
}

// RegisterTools implements the ReviewBotService.RegisterTools RPC: a worker's
// reply to update_tools_list. Callers must present an execution credential.
func (s *ReviewBotServer) RegisterTools(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.auth.Authenticate(ctx); err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	var req RegisterToolsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid tool list: %v", err)
	}

	regs := make([]registry.ToolRegistration, len(req.Tools))
	for i, t := range req.Tools {
		regs[i] = registry.ToolRegistration{
			Name:        t.Name,
			EntryPoint:  t.EntryPoint,
			Version:     t.Version,
			Description: t.Description,
			Options:     t.Options,
		}
	}
	tools, err := s.admin.RegisterTools(ctx, regs)
	if err != nil {
		return nil, s.toStatus("RegisterTools", err)
	}

	resp := RegisterToolsResponse{Tools: make([]RegisteredTool, len(tools))}
	for i, t := range tools {
		resp.Tools[i] = RegisteredTool{ID: t.ID, Name: t.Name, EntryPoint: t.EntryPoint, Version: t.Version, Enabled: t.Enabled}
	}
	s.logger.Info("worker tools registered", zap.Int("count", len(tools)))
	return s.reply(resp)
}

// RunManual implements the ReviewBotService.RunManual RPC.
func (s *ReviewBotServer) RunManual(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RunManualRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid manual run: %v", err)
	}
	if req.UserID == 0 || req.ProfileID == 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id and profile_id are required")
	}

	out, err := s.engine.RunManual(ctx, engine.ManualRunRequest{
		UserID:        req.UserID,
		ProfileID:     req.ProfileID,
		Event:         toEvent(req.Request),
		Submitter:     req.Submitter,
		InTargetGroup: req.InTargetGroup,
	})
	if err != nil {
		return nil, s.toStatus("RunManual", err)
	}
	return s.reply(TaskResult{ProfileID: out.ProfileID, RoutingKey: out.RoutingKey, ExecutionID: out.ExecutionID})
}

func (s *ReviewBotServer) reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps domain errors to gRPC status codes.
func (s *ReviewBotServer) toStatus(op string, err error) error {
	var (
		cfgErr    *registry.ConfigurationError
		credErr   *engine.CredentialError
		transient *dispatch.TransientDispatchError
	)
	code := codes.Internal
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, storage.ErrAlreadyCompleted), errors.Is(err, engine.ErrToolUnavailable):
		code = codes.FailedPrecondition
	case errors.Is(err, storage.ErrDuplicate):
		code = codes.AlreadyExists
	case errors.Is(err, engine.ErrManualRunDenied):
		code = codes.PermissionDenied
	case errors.Is(err, auth.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.As(err, &credErr):
		code = codes.FailedPrecondition
	case errors.As(err, &transient):
		code = codes.Unavailable
	case errors.As(err, &cfgErr):
		code = codes.InvalidArgument
	}
	if code == codes.Internal {
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	return status.Errorf(code, "%s: %v", op, err)
}
