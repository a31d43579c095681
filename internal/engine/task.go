package engine

import (
	"encoding/json"
	"errors"
	"slices"

	"github.com/triage-ai/reviewbot/internal/dispatch"
	"github.com/triage-ai/reviewbot/internal/registry"
)

// DefaultMaxComments caps the comments a worker may post per review.
const DefaultMaxComments = 30

// Credential is an opaque execution session token for the acting user.
type Credential string

// SiteURL is the externally visible root of the hosting review site.
type SiteURL struct {
	Method string // http or https
	Domain string
	Root   string
}

// String renders the base URL workers call back to, e.g. https://reviews.example.com/.
func (s SiteURL) String() string {
	method := s.Method
	if method == "" {
		method = "http"
	}
	root := s.Root
	if root == "" {
		root = "/"
	}
	return method + "://" + s.Domain + root
}

// TaskBuilder turns a selected profile into a task payload. It performs no I/O.
type TaskBuilder struct {
	maxComments int
}

// NewTaskBuilder creates a builder. A non-positive maxComments uses DefaultMaxComments.
func NewTaskBuilder(maxComments int) *TaskBuilder {
	if maxComments <= 0 {
		maxComments = DefaultMaxComments
	}
	return &TaskBuilder{maxComments: maxComments}
}

// Build assembles the full task for profile. It either returns a complete task or an error.
func (b *TaskBuilder) Build(profile *registry.Profile, ev Event, cred Credential, baseURL string) (*dispatch.Task, error) {
	if cred == "" {
		return nil, &CredentialError{Err: errors.New("empty credential")}
	}
	if profile.Tool == nil {
		return nil, &registry.ConfigurationError{Kind: "profile", ID: profile.ID, Problem: "tool not loaded"}
	}
	if baseURL == "" {
		return nil, errors.New("Build: base url is required")
	}

	settings := json.RawMessage(slices.Clone(profile.ToolSettings))
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}

	policy := profile.PostingPolicy()
	return &dispatch.Task{
		ProfileID: profile.ID,
		Request: dispatch.ReviewRequest{
			ReviewRequestID: ev.ReviewRequestID,
			DiffRevision:    ev.DiffRevision,
			RepositoryID:    ev.RepositoryID,
			LocalSiteID:     ev.LocalSiteID,
			Files:           slices.Clone(ev.Files),
			Summary:         ev.Summary,
		},
		ReviewSettings: dispatch.ReviewSettings{
			MaxComments:       b.maxComments,
			ShipIt:            policy.ShipIt,
			CommentUnmodified: policy.CommentUnmodified,
			OpenIssues:        policy.OpenIssues,
		},
		Session:      string(cred),
		URL:          baseURL,
		ToolSettings: settings,
	}, nil
}
