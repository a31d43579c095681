package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/triage-ai/reviewbot/internal/registry"
	"go.uber.org/zap"
)

// ReviewPost is a completed tool result to be published as a review.
type ReviewPost struct {
	ExecutionID     string                 `json:"execution_id"`
	ReviewRequestID int64                  `json:"review_request_id"`
	DiffRevision    int                    `json:"diff_revision"`
	ProfileID       int64                  `json:"profile_id"`
	ToolName        string                 `json:"tool_name"`
	Policy          registry.PostingPolicy `json:"policy"`
	Result          json.RawMessage        `json:"result"`
}

// ReviewPoster publishes a review on the hosting review system and returns its id.
type ReviewPoster interface {
	PostReview(ctx context.Context, post *ReviewPost) (int64, error)
}

// HTTPReviewPoster posts reviews to the review system's API.
type HTTPReviewPoster struct {
	endpoint string
	client   *http.Client
}

// NewHTTPReviewPoster posts to endpoint with the given request timeout.
func NewHTTPReviewPoster(endpoint string, timeout time.Duration) *HTTPReviewPoster {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReviewPoster{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type postReviewResponse struct {
	ReviewID int64 `json:"review_id"`
}

func (p *HTTPReviewPoster) PostReview(ctx context.Context, post *ReviewPost) (int64, error) {
	body, err := json.Marshal(post)
	if err != nil {
		return 0, fmt.Errorf("PostReview: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("PostReview: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("PostReview: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("PostReview: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	var out postReviewResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("PostReview: decode response: %w", err)
	}
	return out.ReviewID, nil
}

// LogPoster is a fallback ReviewPoster for local development.
type LogPoster struct {
	logger *zap.Logger
}

// NewLogPoster creates a LogPoster.
func NewLogPoster(logger *zap.Logger) *LogPoster {
	return &LogPoster{logger: logger}
}

func (p *LogPoster) PostReview(_ context.Context, post *ReviewPost) (int64, error) {
	p.logger.Info("review_post",
		zap.String("execution_id", post.ExecutionID),
		zap.Int64("review_request_id", post.ReviewRequestID),
		zap.String("tool", post.ToolName),
		zap.Bool("ship_it", post.Policy.ShipIt),
		zap.Bool("open_issues", post.Policy.OpenIssues),
		zap.Bool("comment_unmodified", post.Policy.CommentUnmodified),
		zap.Int("result_bytes", len(post.Result)),
	)
	return 0, nil
}
