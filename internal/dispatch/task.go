package dispatch

import "encoding/json"

// ReviewRequest is the review context a worker needs to fetch the diff.
type ReviewRequest struct {
	ReviewRequestID int64    `json:"review_request_id"`
	DiffRevision    int      `json:"diff_revision"`
	RepositoryID    int64    `json:"repository_id"`
	LocalSiteID     int64    `json:"local_site_id,omitempty"`
	Files           []string `json:"touched_file_paths"`
	Summary         string   `json:"summary"`
}

// ReviewSettings controls how the worker's review is posted.
type ReviewSettings struct {
	MaxComments       int  `json:"max_comments"`
	ShipIt            bool `json:"ship_it"`
	CommentUnmodified bool `json:"comment_unmodified"`
	OpenIssues        bool `json:"open_issues"`
}

// Task is the payload enqueued for one (Profile, Tool) pair. ExecutionID is
// assigned by the Dispatcher when the pending ToolExecution is created.
type Task struct {
	ExecutionID    string          `json:"execution_id"`
	ProfileID      int64           `json:"profile_id"`
	ManualUserID   int64           `json:"manual_user_id,omitempty"`
	Request        ReviewRequest   `json:"request"`
	ReviewSettings ReviewSettings  `json:"review_settings"`
	Session        string          `json:"session"`
	URL            string          `json:"url"`
	ToolSettings   json.RawMessage `json:"tool_settings"`
}

// RefreshCommand asks every worker to re-report its tool list.
const RefreshCommand = "update_tools_list"

// RefreshPayload is the body of a RefreshCommand broadcast.
type RefreshPayload struct {
	Session string `json:"session"`
	URL     string `json:"url"`
}
