package engine

import (
	"github.com/triage-ai/reviewbot/internal/registry"
	"go.uber.org/zap"
)

// SkipFilter suppresses a tool when the review request summary starts with
// the tool's skip pattern.
type SkipFilter struct {
	patterns *patternCache
	logger   *zap.Logger
}

// NewSkipFilter creates a SkipFilter.
func NewSkipFilter(logger *zap.Logger) *SkipFilter {
	return &SkipFilter{patterns: &patternCache{}, logger: logger}
}

// ShouldSkip reports whether tool must not run for a review request with this summary.
// A pattern that does not compile never skips.
func (f *SkipFilter) ShouldSkip(tool *registry.Tool, summary string) bool {
	if tool.SkipPattern == "" {
		return false
	}
	re, err := f.patterns.prefix(tool.SkipPattern)
	if err != nil {
		f.logger.Warn("ignoring invalid skip pattern",
			zap.Error(&registry.ConfigurationError{Kind: "tool", ID: tool.ID, Problem: "skip pattern does not compile", Err: err}),
		)
		return false
	}
	return re.MatchString(summary)
}
