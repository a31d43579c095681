package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// clickHouseSchema is the DDL for the execution event table.
const clickHouseSchema = `
CREATE TABLE IF NOT EXISTS reviewbot_execution_events (
    execution_id      String,
    kind              LowCardinality(String),
    timestamp         DateTime64(3),
    review_request_id Int64,
    diff_revision     Int32,
    profile_id        Int64,
    tool_key          LowCardinality(String),
    local_site_id     Int64,
    manual            UInt8,
    review_posted     UInt8,
    reason            String,
    latency_ms        Float32
) ENGINE = MergeTree
ORDER BY (timestamp, execution_id)
`

// batchConn is the part of driver.Conn the writer needs.
type batchConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// ClickHouseWriter writes execution events to ClickHouse asynchronously.
// Write() is non-blocking. Events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    batchConn
	buffer  chan *ExecutionEvent
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ClickHouse Cloud only accepts TLS on the native port.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	if err := conn.Exec(context.Background(), clickHouseSchema); err != nil {
		return nil, err
	}

	return newClickHouseWriterWithConn(conn, logger), nil
}

func newClickHouseWriterWithConn(conn batchConn, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *ExecutionEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

// Write queues an event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *ExecutionEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("execution_id", event.ExecutionID),
			zap.String("kind", event.Kind),
		)
	}
}

// Close signals the flush loop to drain remaining events.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*ExecutionEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*ExecutionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO reviewbot_execution_events (
			execution_id, kind, timestamp, review_request_id, diff_revision,
			profile_id, tool_key, local_site_id, manual, review_posted,
			reason, latency_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var manual, posted uint8
		if e.Manual {
			manual = 1
		}
		if e.ReviewPosted {
			posted = 1
		}

		if err := batch.Append(
			e.ExecutionID,
			e.Kind,
			e.Timestamp,
			e.ReviewRequestID,
			e.DiffRevision,
			e.ProfileID,
			e.ToolKey,
			e.LocalSiteID,
			manual,
			posted,
			e.Reason,
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("execution_id", e.ExecutionID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *ExecutionEvent) {
	w.logger.Info("execution_event",
		zap.String("execution_id", event.ExecutionID),
		zap.String("kind", event.Kind),
		zap.Int64("review_request_id", event.ReviewRequestID),
		zap.Int32("diff_revision", event.DiffRevision),
		zap.Int64("profile_id", event.ProfileID),
		zap.String("tool", event.ToolKey),
		zap.Bool("manual", event.Manual),
		zap.Bool("review_posted", event.ReviewPosted),
		zap.String("reason", event.Reason),
	)
}

func (w *LogWriter) Close() {}
