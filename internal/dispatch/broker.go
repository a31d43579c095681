package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	queueKeyPrefix = "reviewbot:queue:"
	controlChannel = "reviewbot:control"
)

// QueueKey is the broker list a worker pool hosting routingKey consumes from.
func QueueKey(routingKey string) string {
	return queueKeyPrefix + routingKey
}

// Broker delivers task and control messages to the worker fleet.
type Broker interface {
	Send(ctx context.Context, queue string, body []byte) error
	Broadcast(ctx context.Context, command string, body []byte) error
	Close() error
}

// BrokerConfig is the live broker configuration.
type BrokerConfig struct {
	URL string
}

// BrokerFactory builds a Broker from configuration.
type BrokerFactory func(cfg BrokerConfig) (Broker, error)

// ErrBrokerNotConfigured is returned when no broker URL is set.
var ErrBrokerNotConfigured = errors.New("broker url not configured")

// ErrNoSubscribers is returned when a control broadcast reached no worker.
var ErrNoSubscribers = errors.New("no worker subscribed to the control channel")

// controlMessage is what workers receive on the control channel.
type controlMessage struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

func marshalControl(command string, body []byte) ([]byte, error) {
	return json.Marshal(controlMessage{Command: command, Payload: body})
}

// redisCommands is the subset of *redis.Client the broker uses.
type redisCommands interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisBroker pushes tasks onto per-tool Redis lists and publishes control
// commands on a shared channel.
type RedisBroker struct {
	client redisCommands
}

// NewRedisBroker connects to the Redis server at cfg.URL.
func NewRedisBroker(cfg BrokerConfig) (*RedisBroker, error) {
	if cfg.URL == "" {
		return nil, ErrBrokerNotConfigured
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("NewRedisBroker: %w", err)
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

func (b *RedisBroker) Send(ctx context.Context, queue string, body []byte) error {
	return b.client.LPush(ctx, queue, body).Err()
}

func (b *RedisBroker) Broadcast(ctx context.Context, command string, body []byte) error {
	msg, err := marshalControl(command, body)
	if err != nil {
		return err
	}
	receivers, err := b.client.Publish(ctx, controlChannel, msg).Result()
	if err != nil {
		return err
	}
	if receivers == 0 {
		return ErrNoSubscribers
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// LogBroker is a fallback Broker for local development. It logs messages instead of sending them.
type LogBroker struct {
	logger *zap.Logger
}

// NewLogBroker creates a LogBroker.
func NewLogBroker(logger *zap.Logger) *LogBroker {
	return &LogBroker{logger: logger}
}

func (b *LogBroker) Send(_ context.Context, queue string, body []byte) error {
	b.logger.Info("task enqueued", zap.String("queue", queue), zap.ByteString("body", body))
	return nil
}

func (b *LogBroker) Broadcast(_ context.Context, command string, body []byte) error {
	b.logger.Info("control broadcast", zap.String("command", command), zap.ByteString("body", body))
	return nil
}

func (b *LogBroker) Close() error { return nil }

// DefaultBrokerFactory returns a RedisBroker, or a LogBroker when no URL is configured.
func DefaultBrokerFactory(logger *zap.Logger) BrokerFactory {
	return func(cfg BrokerConfig) (Broker, error) {
		if cfg.URL == "" {
			logger.Warn("REVIEW_BOT_BROKER_URL not set, tasks will be logged and not delivered")
			return NewLogBroker(logger), nil
		}
		return NewRedisBroker(cfg)
	}
}
