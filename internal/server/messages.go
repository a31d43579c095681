package server

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReviewEvent is the wire form of a review request update.
type ReviewEvent struct {
	ReviewRequestID int64    `json:"review_request_id"`
	DiffRevision    int      `json:"diff_revision"`
	RepositoryID    int64    `json:"repository_id"`
	LocalSiteID     int64    `json:"local_site_id"`
	Files           []string `json:"touched_file_paths"`
	Summary         string   `json:"summary"`
}

type TaskResult struct {
	ProfileID   int64  `json:"profile_id"`
	RoutingKey  string `json:"routing_key"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

type OnReviewEventResponse struct {
	Dispatched []TaskResult `json:"dispatched"`
	Skipped    []TaskResult `json:"skipped"`
	Failed     []TaskResult `json:"failed"`
}

// IngestResultRequest carries the worker result as a JSON string so it crosses
// the Struct envelope byte for byte.
type IngestResultRequest struct {
	ExecutionID string `json:"execution_id"`
	ResultJSON  string `json:"result_json"`
}

type IngestResultResponse struct {
	ExecutionID  string `json:"execution_id"`
	ReviewPosted bool   `json:"review_posted"`
	ReviewID     int64  `json:"review_id,omitempty"`
	PostError    string `json:"post_error,omitempty"`
}

type RegisteredTool struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	EntryPoint string `json:"entry_point"`
	Version    string `json:"version"`
	Enabled    bool   `json:"enabled"`
}

type RegisterToolsRequest struct {
	Tools []ToolRegistration `json:"tools"`
}

// ToolRegistration mirrors registry.ToolRegistration on the wire.
type ToolRegistration struct {
	Name        string          `json:"name"`
	EntryPoint  string          `json:"entry_point"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	Options     json.RawMessage `json:"tool_options,omitempty"`
}

type RegisterToolsResponse struct {
	Tools []RegisteredTool `json:"tools"`
}

type RunManualRequest struct {
	UserID        int64       `json:"user_id"`
	ProfileID     int64       `json:"profile_id"`
	Submitter     bool        `json:"submitter"`
	InTargetGroup bool        `json:"in_target_group"`
	Request       ReviewEvent `json:"request"`
}

type Empty struct{}

// toStruct converts a JSON-tagged Go value into its protobuf Struct form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	return out, nil
}

// fromStruct decodes a protobuf Struct into a JSON-tagged Go value.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("fromStruct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("fromStruct: %w", err)
	}
	return nil
}
