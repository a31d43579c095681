package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fakeRedis answers LPUSH and PUBLISH with canned results.
type fakeRedis struct {
	pushed      map[string][][]byte
	published   [][]byte
	subscribers int64
	publishErr  error
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...any) *redis.IntCmd {
	if f.pushed == nil {
		f.pushed = map[string][][]byte{}
	}
	for _, v := range values {
		f.pushed[key] = append(f.pushed[key], v.([]byte))
	}
	return redis.NewIntResult(int64(len(f.pushed[key])), nil)
}

func (f *fakeRedis) Publish(_ context.Context, _ string, message any) *redis.IntCmd {
	if f.publishErr != nil {
		return redis.NewIntResult(0, f.publishErr)
	}
	f.published = append(f.published, message.([]byte))
	return redis.NewIntResult(f.subscribers, nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisBroker_SendPushesOnQueue(t *testing.T) {
	rc := &fakeRedis{}
	b := &RedisBroker{client: rc}

	if err := b.Send(context.Background(), QueueKey("pyflakes.1.0"), []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if len(rc.pushed["reviewbot:queue:pyflakes.1.0"]) != 1 {
		t.Fatalf("expected one message on the tool queue, got %v", rc.pushed)
	}
}

func TestRedisBroker_BroadcastReachesWorkers(t *testing.T) {
	rc := &fakeRedis{subscribers: 2}
	b := &RedisBroker{client: rc}

	if err := b.Broadcast(context.Background(), RefreshCommand, []byte(`{"session":"s","url":"u"}`)); err != nil {
		t.Fatal(err)
	}
	if len(rc.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(rc.published))
	}
}

func TestRedisBroker_BroadcastWithoutSubscribersFails(t *testing.T) {
	b := &RedisBroker{client: &fakeRedis{subscribers: 0}}

	if err := b.Broadcast(context.Background(), RefreshCommand, []byte(`{}`)); !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("expected ErrNoSubscribers, got %v", err)
	}
}

func TestRedisBroker_BroadcastError(t *testing.T) {
	b := &RedisBroker{client: &fakeRedis{publishErr: errors.New("connection refused")}}

	if err := b.Broadcast(context.Background(), RefreshCommand, []byte(`{}`)); err == nil || errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestBroadcastRefresh_NoSubscribersIsTransient(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d, err := NewDispatcher(DispatcherConfig{
		Broker: BrokerConfig{URL: "redis://unused"},
		Factory: func(BrokerConfig) (Broker, error) {
			return &RedisBroker{client: &fakeRedis{}}, nil
		},
		Events: &recordingEvents{},
		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	var transient *TransientDispatchError
	err = d.BroadcastRefresh(context.Background(), "rbs_token", "https://reviews.example.com/")
	if !errors.As(err, &transient) || !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("expected transient ErrNoSubscribers, got %v", err)
	}
}
