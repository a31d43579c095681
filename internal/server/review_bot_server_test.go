package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/triage-ai/reviewbot/internal/auth"
	"github.com/triage-ai/reviewbot/internal/dispatch"
	"github.com/triage-ai/reviewbot/internal/engine"
	"github.com/triage-ai/reviewbot/internal/ingest"
	"github.com/triage-ai/reviewbot/internal/registry"
	"github.com/triage-ai/reviewbot/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

type capturingBroker struct {
	mu           sync.Mutex
	tasks        []dispatch.Task
	broadcastErr error
}

func (b *capturingBroker) Send(_ context.Context, _ string, body []byte) error {
	var task dispatch.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, task)
	return nil
}

func (b *capturingBroker) Broadcast(context.Context, string, []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broadcastErr
}

func (b *capturingBroker) Close() error { return nil }

type testEnv struct {
	client  *Client
	worker  *Client
	reg     *registry.MemoryRegistry
	execs   *storage.MemoryExecutionStore
	broker  *capturingBroker
	profile *registry.Profile
}

// setupTestServer creates a real gRPC server+client for integration testing.
func setupTestServer(t *testing.T) (*testEnv, func()) {
	t.Helper()
	ctx := context.Background()
	logger, _ := zap.NewDevelopment()

	reg := registry.NewMemoryRegistry(registry.ProfileDefaults{})
	tool := &registry.Tool{Name: "Pyflakes", EntryPoint: "pyflakes", Version: "1.0", Enabled: true, InLastUpdate: true}
	if err := reg.SaveTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	profile := &registry.Profile{ToolID: tool.ID, Name: "P1", ShipIt: true}
	if err := reg.SaveProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	if err := reg.SaveRunGroup(ctx, &registry.AutomaticRunGroup{
		Name: "python", FileRegex: `.*py$`, Enabled: true, Profiles: []*registry.Profile{{ID: profile.ID}},
	}); err != nil {
		t.Fatal(err)
	}

	broker := &capturingBroker{}
	execs := storage.NewMemoryExecutionStore()
	events := storage.NewLogWriter(logger)
	d, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Factory: func(dispatch.BrokerConfig) (dispatch.Broker, error) { return broker, nil },
		Store:   execs,
		Events:  events,
		Logger:  logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	sessions := auth.NewStaticSessions("review-bot")
	eng := engine.NewReviewBotEngine(engine.Config{
		Registry:   reg,
		Dispatcher: d,
		Issuer:     sessions,
		Events:     events,
		ActingUser: "review-bot",
		Site:       engine.SiteURL{Domain: "rb.test"},
		Logger:     logger,
	})
	ingestor := ingest.NewResultIngestor(execs, reg, ingest.NewLogPoster(logger), events, logger)

	grpcServer := grpc.NewServer()
	RegisterReviewBotServiceServer(grpcServer, NewReviewBotServer(eng, ingestor, reg, sessions, logger))

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	token, err := sessions.IssueSession(ctx, "review-bot")
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		client:  NewClient(conn, ""),
		worker:  NewClient(conn, token),
		reg:     reg,
		execs:   execs,
		broker:  broker,
		profile: profile,
	}
	cleanup := func() {
		_ = conn.Close()
		grpcServer.Stop()
	}
	return env, cleanup
}

func TestServer_DispatchAndIngest(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	resp, err := env.client.OnReviewEvent(ctx, ReviewEvent{
		ReviewRequestID: 42, DiffRevision: 1, RepositoryID: 3, Files: []string{"a.py", "b.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Dispatched) != 1 || resp.Dispatched[0].RoutingKey != "pyflakes.1.0" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(env.broker.tasks) != 1 || !env.broker.tasks[0].ReviewSettings.ShipIt {
		t.Fatalf("unexpected tasks %+v", env.broker.tasks)
	}
	execID := resp.Dispatched[0].ExecutionID

	out, err := env.worker.IngestResult(ctx, IngestResultRequest{ExecutionID: execID, ResultJSON: `{"comments":[]}`})
	if err != nil {
		t.Fatal(err)
	}
	if out.ExecutionID != execID || !out.ReviewPosted {
		t.Fatalf("unexpected ingest response %+v", out)
	}

	_, err = env.worker.IngestResult(ctx, IngestResultRequest{ExecutionID: execID, ResultJSON: `{}`})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition for second result, got %v", err)
	}
}

func TestServer_IngestStoresResultVerbatim(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	resp, err := env.client.OnReviewEvent(ctx, ReviewEvent{ReviewRequestID: 43, DiffRevision: 1, Files: []string{"a.py"}})
	if err != nil {
		t.Fatal(err)
	}
	execID := resp.Dispatched[0].ExecutionID

	// 2^53+1 does not survive a float64, and 1.0 would come back as 1.
	result := `{"n": 9007199254740993, "f": 1.0, "comments": [{"line": 3}]}`
	if _, err := env.worker.IngestResult(ctx, IngestResultRequest{ExecutionID: execID, ResultJSON: result}); err != nil {
		t.Fatal(err)
	}
	exec, err := env.execs.Get(ctx, execID)
	if err != nil {
		t.Fatal(err)
	}
	if string(exec.Result) != result {
		t.Fatalf("expected stored result %s, got %s", result, exec.Result)
	}
}

func TestServer_IngestRejectsMalformedResult(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := env.worker.IngestResult(context.Background(), IngestResultRequest{ExecutionID: "e-1", ResultJSON: `{"comments":`})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestServer_NoMatchingFiles(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := env.client.OnReviewEvent(context.Background(), ReviewEvent{ReviewRequestID: 1, Files: []string{"b.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Dispatched) != 0 || len(env.broker.tasks) != 0 {
		t.Fatalf("expected nothing dispatched, got %+v", resp)
	}
}

func TestServer_IngestRequiresCredential(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := env.client.IngestResult(context.Background(), IngestResultRequest{ExecutionID: "x"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestServer_IngestUnknownExecution(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := env.worker.IngestResult(context.Background(), IngestResultRequest{ExecutionID: "missing", ResultJSON: `{}`})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestServer_DuplicateEvent(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()
	ev := ReviewEvent{ReviewRequestID: 5, DiffRevision: 2, Files: []string{"x.py"}}

	if _, err := env.client.OnReviewEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	resp, err := env.client.OnReviewEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].Error == "" {
		t.Fatalf("expected duplicate to be reported as failed, got %+v", resp)
	}
}

func TestServer_RegisterToolsAndManualRun(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := env.client.RegisterTools(ctx, RegisterToolsRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without credential, got %v", err)
	}

	reg, err := env.worker.RegisterTools(ctx, RegisterToolsRequest{Tools: []ToolRegistration{
		{Name: "PEP8", EntryPoint: "pep8", Version: "0.1",
			Options: json.RawMessage(`[{"name":"max_line_length","field_type":"django.forms.IntegerField","default":79}]`)},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Tools) != 1 || !reg.Tools[0].Enabled || reg.Tools[0].ID == 0 {
		t.Fatalf("unexpected registration %+v", reg)
	}

	_, err = env.client.RunManual(ctx, RunManualRequest{UserID: 9, ProfileID: env.profile.ID, Request: ReviewEvent{ReviewRequestID: 8}})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}

	if err := env.reg.SetManualPermission(ctx, registry.ManualPermission{UserID: 9, Allow: true}); err != nil {
		t.Fatal(err)
	}
	out, err := env.client.RunManual(ctx, RunManualRequest{UserID: 9, ProfileID: env.profile.ID, Request: ReviewEvent{ReviewRequestID: 8}})
	if err != nil {
		t.Fatal(err)
	}
	if out.ExecutionID == "" || out.RoutingKey != "pyflakes.1.0" {
		t.Fatalf("unexpected manual run %+v", out)
	}
}

func TestServer_RefreshTools(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	if err := env.client.RefreshTools(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, err := env.reg.GetProfile(context.Background(), env.profile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Tool.Eligible() {
		t.Fatal("expected tools stale after refresh")
	}
}

func TestServer_RefreshToolsBroadcastFailure(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()
	env.broker.broadcastErr = dispatch.ErrNoSubscribers

	if err := env.client.RefreshTools(ctx); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
	resp, err := env.client.OnReviewEvent(ctx, ReviewEvent{ReviewRequestID: 44, Files: []string{"a.py"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Dispatched) != 1 {
		t.Fatalf("expected automatic run after failed refresh, got %+v", resp)
	}
}

func TestStructRoundTrip(t *testing.T) {
	in := ReviewEvent{ReviewRequestID: 12, DiffRevision: 3, Files: []string{"a", "b"}, Summary: "s"}
	s, err := toStruct(in)
	if err != nil {
		t.Fatal(err)
	}
	var out ReviewEvent
	if err := fromStruct(s, &out); err != nil {
		t.Fatal(err)
	}
	if out.ReviewRequestID != 12 || len(out.Files) != 2 || out.Summary != "s" {
		t.Fatalf("unexpected round trip %+v", out)
	}
}
