package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/triage-ai/reviewbot/internal/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeService struct {
	lastMethod string
	lastReq    map[string]any
	lastAuth   string
}

func (f *fakeService) record(ctx context.Context, method string, in *structpb.Struct) {
	f.lastMethod = method
	f.lastReq = in.AsMap()
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get("authorization")) > 0 {
		f.lastAuth = md.Get("authorization")[0]
	}
}

func (f *fakeService) OnReviewEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "OnReviewEvent", in)
	return structpb.NewStruct(map[string]any{
		"dispatched": []any{map[string]any{"profile_id": 1, "routing_key": "pyflakes.1.0", "execution_id": "e-1"}},
		"skipped":    []any{},
		"failed":     []any{map[string]any{"profile_id": 2, "routing_key": "pep8.0.1", "error": "broker down"}},
	})
}

func (f *fakeService) IngestResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "IngestResult", in)
	return structpb.NewStruct(map[string]any{"execution_id": in.AsMap()["execution_id"], "review_posted": true, "review_id": 77})
}

func (f *fakeService) RefreshTools(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "RefreshTools", in)
	return &structpb.Struct{}, nil
}

func (f *fakeService) RegisterTools(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "RegisterTools", in)
	return structpb.NewStruct(map[string]any{
		"tools": []any{map[string]any{"id": 4, "name": "PEP8", "entry_point": "pep8", "version": "0.1", "enabled": true}},
	})
}

func (f *fakeService) RunManual(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.record(ctx, "RunManual", in)
	return nil, status.Error(codes.PermissionDenied, "manual run not permitted")
}

func startFake(t *testing.T) (*fakeService, string) {
	t.Helper()
	fake := &fakeService{}
	grpcServer := grpc.NewServer()
	server.RegisterReviewBotServiceServer(grpcServer, fake)
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = grpcServer.Serve(lis)
	}()
	t.Cleanup(grpcServer.Stop)
	return fake, lis.Addr().String()
}

func run(t *testing.T, addr, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--addr", addr}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestDispatchCommand(t *testing.T) {
	fake, addr := startFake(t)

	out, err := run(t, addr, "", "dispatch", "--review-request", "42", "--diff", "2", "--file", "a.py", "--file", "b.py")
	if err != nil {
		t.Fatal(err)
	}
	if fake.lastMethod != "OnReviewEvent" || fake.lastReq["review_request_id"] != float64(42) {
		t.Fatalf("unexpected request %s %v", fake.lastMethod, fake.lastReq)
	}
	if files, _ := fake.lastReq["touched_file_paths"].([]any); len(files) != 2 {
		t.Fatalf("expected two files, got %v", fake.lastReq["touched_file_paths"])
	}
	if !strings.Contains(out, "pyflakes.1.0") || !strings.Contains(out, "broker down") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestIngestCommandSendsTokenAndResult(t *testing.T) {
	fake, addr := startFake(t)

	out, err := run(t, addr, `{"comments":[]}`, "--token", "rbs_abc", "ingest", "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if fake.lastAuth != "Bearer rbs_abc" {
		t.Fatalf("expected bearer token, got %q", fake.lastAuth)
	}
	if got := fake.lastReq["result_json"]; got != `{"comments":[]}` {
		t.Fatalf("expected result sent verbatim, got %v", got)
	}
	if !strings.Contains(out, "review=77") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestIngestCommandRejectsInvalidJSON(t *testing.T) {
	_, addr := startFake(t)

	if _, err := run(t, addr, "not json", "ingest", "e-1"); err == nil {
		t.Fatal("expected error for invalid result")
	}
}

func TestRegisterCommand(t *testing.T) {
	fake, addr := startFake(t)

	out, err := run(t, addr, `[{"name":"PEP8","entry_point":"pep8","version":"0.1"}]`, "register")
	if err != nil {
		t.Fatal(err)
	}
	if tools, _ := fake.lastReq["tools"].([]any); len(tools) != 1 {
		t.Fatalf("expected one tool sent, got %v", fake.lastReq["tools"])
	}
	if !strings.Contains(out, "pep8.0.1") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRunManualCommandReportsDenial(t *testing.T) {
	_, addr := startFake(t)

	_, err := run(t, addr, "", "run-manual", "--user", "3", "--profile", "1", "--review-request", "9")
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestRefreshToolsCommand(t *testing.T) {
	fake, addr := startFake(t)

	if _, err := run(t, addr, "", "refresh-tools"); err != nil {
		t.Fatal(err)
	}
	if fake.lastMethod != "RefreshTools" {
		t.Fatalf("expected RefreshTools call, got %s", fake.lastMethod)
	}
}
