package storage

import "time"

// EventWriter is the interface for writing execution lifecycle events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ExecutionEvent)
	Close()
}

// Lifecycle event kinds.
const (
	EventDispatched = "dispatched"
	EventSendFailed = "send_failed"
	EventSkipped    = "skipped"
	EventCompleted  = "completed"
	EventRejected   = "rejected"
)

// ExecutionEvent is one step in a tool execution's lifecycle, persisted for auditing.
type ExecutionEvent struct {
	ExecutionID     string
	Kind            string
	Timestamp       time.Time
	ReviewRequestID int64
	DiffRevision    int32
	ProfileID       int64
	ToolKey         string // entry_point.version
	LocalSiteID     int64
	Manual          bool
	ReviewPosted    bool
	Reason          string
	LatencyMs       float32
}
