package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/triage-ai/reviewbot/internal/registry"
	"github.com/triage-ai/reviewbot/internal/storage"
	"go.uber.org/zap"
)

type fakePoster struct {
	mu    sync.Mutex
	posts []*ReviewPost
	err   error
}

func (p *fakePoster) PostReview(_ context.Context, post *ReviewPost) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.posts = append(p.posts, post)
	return int64(100 + len(p.posts)), nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*storage.ExecutionEvent
}

func (r *recordingEvents) Write(e *storage.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) Close() {}

type ingestFixture struct {
	ingestor *ResultIngestor
	store    *storage.MemoryExecutionStore
	poster   *fakePoster
	events   *recordingEvents
	execID   string
}

func newIngestFixture(t *testing.T, shipIt bool) *ingestFixture {
	t.Helper()
	ctx := context.Background()
	logger, _ := zap.NewDevelopment()

	reg := registry.NewMemoryRegistry(registry.ProfileDefaults{})
	tool := &registry.Tool{Name: "Pyflakes", EntryPoint: "pyflakes", Version: "1.0", Enabled: true, InLastUpdate: true}
	if err := reg.SaveTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	profile := &registry.Profile{ToolID: tool.ID, Name: "P1", ShipIt: shipIt}
	if err := reg.SaveProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}

	store := storage.NewMemoryExecutionStore()
	exec := &storage.ToolExecution{ProfileID: profile.ID, ReviewRequestID: 42, DiffRevision: 1}
	if err := store.CreatePending(ctx, exec); err != nil {
		t.Fatal(err)
	}

	poster := &fakePoster{}
	events := &recordingEvents{}
	return &ingestFixture{
		ingestor: NewResultIngestor(store, reg, poster, events, logger),
		store:    store,
		poster:   poster,
		events:   events,
		execID:   exec.ID,
	}
}

func TestIngest_CompletesAndPosts(t *testing.T) {
	f := newIngestFixture(t, true)

	out, err := f.ingestor.Ingest(context.Background(), f.execID, json.RawMessage(`{"comments":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !out.ReviewPosted || out.ReviewID != 101 || out.PostError != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.poster.posts) != 1 || !f.poster.posts[0].Policy.ShipIt || f.poster.posts[0].ToolName != "Pyflakes" {
		t.Fatalf("unexpected posts %+v", f.poster.posts)
	}

	exec, _ := f.store.Get(context.Background(), f.execID)
	if exec.Status != storage.StatusCompleted || exec.ReviewID != 101 || string(exec.Result) != `{"comments":[]}` {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != storage.EventCompleted || !f.events.events[0].ReviewPosted {
		t.Fatalf("expected completed event, got %+v", f.events.events)
	}
}

func TestIngest_SecondResultRejected(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t, true)

	if _, err := f.ingestor.Ingest(ctx, f.execID, json.RawMessage(`"R"`)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ingestor.Ingest(ctx, f.execID, json.RawMessage(`"R2"`)); !errors.Is(err, storage.ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}

	exec, _ := f.store.Get(ctx, f.execID)
	if string(exec.Result) != `"R"` {
		t.Fatalf("expected first result kept, got %s", exec.Result)
	}
	if len(f.poster.posts) != 1 {
		t.Fatalf("expected no double post, got %d posts", len(f.poster.posts))
	}
}

func TestIngest_UnknownExecution(t *testing.T) {
	f := newIngestFixture(t, true)

	if _, err := f.ingestor.Ingest(context.Background(), "00000000-0000-0000-0000-000000000000", json.RawMessage(`{}`)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	exec, _ := f.store.Get(context.Background(), f.execID)
	if exec.Status != storage.StatusPending {
		t.Fatal("expected existing execution untouched")
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != storage.EventRejected {
		t.Fatalf("expected rejected event, got %+v", f.events.events)
	}
}

func TestIngest_NoPostingFlags(t *testing.T) {
	f := newIngestFixture(t, false)

	out, err := f.ingestor.Ingest(context.Background(), f.execID, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.ReviewPosted || len(f.poster.posts) != 0 {
		t.Fatal("expected no review to be posted")
	}
}

func TestIngest_PostFailureKeepsCompletion(t *testing.T) {
	f := newIngestFixture(t, true)
	f.poster.err = errors.New("review api down")

	out, err := f.ingestor.Ingest(context.Background(), f.execID, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.PostError == nil || out.ReviewPosted {
		t.Fatalf("expected post error in outcome, got %+v", out)
	}
	exec, _ := f.store.Get(context.Background(), f.execID)
	if exec.Status != storage.StatusCompleted {
		t.Fatal("expected execution to stay completed")
	}
}

func TestHTTPReviewPoster(t *testing.T) {
	var got ReviewPost
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"review_id":55}`))
	}))
	defer srv.Close()

	p := NewHTTPReviewPoster(srv.URL, 0)
	id, err := p.PostReview(context.Background(), &ReviewPost{ExecutionID: "e1", ReviewRequestID: 9, Result: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if id != 55 || got.ExecutionID != "e1" || got.ReviewRequestID != 9 {
		t.Fatalf("unexpected id %d / body %+v", id, got)
	}
}

func TestHTTPReviewPoster_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewHTTPReviewPoster(srv.URL, 0).PostReview(context.Background(), &ReviewPost{}); err == nil {
		t.Fatal("expected error for 502")
	}
}
