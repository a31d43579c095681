package engine

import (
	"context"
	"fmt"

	"github.com/triage-ai/reviewbot/internal/registry"
	"go.uber.org/zap"
)

// matchAll is the file regex that selects a group even when no files changed.
const matchAll = ".*"

// Event is a review request update as reported by the hosting review system.
type Event struct {
	ReviewRequestID int64
	DiffRevision    int
	RepositoryID    int64
	LocalSiteID     int64
	Files           []string
	Summary         string
}

// Selection is a profile chosen to run for an event.
type Selection struct {
	Profile *registry.Profile
	Tool    *registry.Tool
}

// Matcher selects the profiles whose automatic run groups are triggered by an event.
type Matcher struct {
	store    registry.ConfigStore
	patterns *patternCache
	logger   *zap.Logger
}

// NewMatcher creates a Matcher reading groups from store.
func NewMatcher(store registry.ConfigStore, logger *zap.Logger) *Matcher {
	return &Matcher{store: store, patterns: &patternCache{}, logger: logger}
}

// Select returns each eligible profile of every triggered group exactly once.
// Misconfigured groups and profiles are logged and skipped.
func (m *Matcher) Select(ctx context.Context, ev Event) ([]Selection, error) {
	groups, err := m.store.ListRunGroups(ctx, ev.LocalSiteID)
	if err != nil {
		return nil, fmt.Errorf("Select: %w", err)
	}

	var out []Selection
	seen := make(map[int64]struct{})
	for _, g := range groups {
		if !g.Enabled || g.LocalSiteID != ev.LocalSiteID || !g.AppliesToRepository(ev.RepositoryID) {
			continue
		}
		triggered, err := m.triggered(g, ev.Files)
		if err != nil {
			m.logger.Warn("skipping run group",
				zap.Int64("review_request_id", ev.ReviewRequestID),
				zap.Error(err),
			)
			continue
		}
		if !triggered {
			continue
		}

		for _, p := range g.Profiles {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			if p.LocalSiteID != g.LocalSiteID {
				m.logger.Warn("skipping profile",
					zap.Int64("group_id", g.ID),
					zap.Error(&registry.ConfigurationError{Kind: "profile", ID: p.ID, Problem: "attached to a group of another local site"}),
				)
				continue
			}
			if p.Tool == nil || !p.Tool.Eligible() {
				m.logger.Debug("profile tool not eligible",
					zap.Int64("profile_id", p.ID),
					zap.Int64("group_id", g.ID),
				)
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, Selection{Profile: p, Tool: p.Tool})
		}
	}
	return out, nil
}

func (m *Matcher) triggered(g *registry.AutomaticRunGroup, files []string) (bool, error) {
	if g.FileRegex == matchAll {
		return true, nil
	}
	re, err := m.patterns.prefix(g.FileRegex)
	if err != nil {
		return false, &registry.ConfigurationError{Kind: "group", ID: g.ID, Problem: "file regex does not compile", Err: err}
	}
	for _, f := range files {
		if re.MatchString(f) {
			return true, nil
		}
	}
	return false, nil
}
