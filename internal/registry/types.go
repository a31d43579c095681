package registry

import (
	"encoding/json"
	"slices"
)

// GlobalSite is the LocalSiteID of records that are not scoped to a local site.
const GlobalSite int64 = 0

// Tool is an analyzer implementation installed on at least one worker.
// Identity is (EntryPoint, Version); a backwards incompatible change bumps Version
// so several versions of the same logical tool can be served side by side.
type Tool struct {
	ID           int64
	Name         string
	EntryPoint   string
	Version      string
	Description  string
	Enabled      bool
	InLastUpdate bool
	Options      []OptionDescriptor
	SkipPattern  string // matched against the start of the review request summary
}

// RoutingKey is the worker queue name for this tool.
func (t *Tool) RoutingKey() string {
	return t.EntryPoint + "." + t.Version
}

// Eligible reports whether the tool may be run automatically.
func (t *Tool) Eligible() bool {
	return t.Enabled && t.InLastUpdate
}

func (t *Tool) String() string {
	return t.Name + " - v" + t.Version
}

// Profile is a named configuration of one Tool.
type Profile struct {
	ID          int64
	ToolID      int64
	Tool        *Tool // populated by the store on reads
	Name        string
	Description string

	AllowManual          bool
	AllowManualSubmitter bool
	AllowManualGroup     bool

	ShipIt            bool
	OpenIssues        bool
	CommentUnmodified bool

	ToolSettings json.RawMessage
	LocalSiteID  int64
}

// PostingPolicy returns the review posting flags of the profile.
func (p *Profile) PostingPolicy() PostingPolicy {
	return PostingPolicy{
		ShipIt:            p.ShipIt,
		OpenIssues:        p.OpenIssues,
		CommentUnmodified: p.CommentUnmodified,
	}
}

// PostingPolicy controls how a tool result is turned into a review.
type PostingPolicy struct {
	ShipIt            bool `json:"ship_it"`
	OpenIssues        bool `json:"open_issues"`
	CommentUnmodified bool `json:"comment_unmodified"`
}

// RequestsReview reports whether any posting behavior is enabled.
func (p PostingPolicy) RequestsReview() bool {
	return p.ShipIt || p.OpenIssues || p.CommentUnmodified
}

// ProfileDefaults are the site-wide posting flags applied to profiles that do not set them.
type ProfileDefaults struct {
	ShipIt            bool
	OpenIssues        bool
	CommentUnmodified bool
}

// AutomaticRunGroup selects profiles to run when a diff touches a file matching FileRegex.
// A FileRegex of ".*" runs the profiles on every review request.
type AutomaticRunGroup struct {
	ID            int64
	Name          string
	FileRegex     string
	Enabled       bool
	Profiles      []*Profile
	RepositoryIDs []int64 // empty = every repository in the group's site
	LocalSiteID   int64
}

// AppliesToRepository reports whether the group covers the repository.
func (g *AutomaticRunGroup) AppliesToRepository(repositoryID int64) bool {
	return len(g.RepositoryIDs) == 0 || slices.Contains(g.RepositoryIDs, repositoryID)
}

// ManualPermission gates manual tool runs for a user on a local site.
type ManualPermission struct {
	UserID      int64
	LocalSiteID int64
	Allow       bool
}

// ToolRegistration is a tool reported by a worker in reply to update_tools_list.
type ToolRegistration struct {
	Name        string          `json:"name" yaml:"name"`
	EntryPoint  string          `json:"entry_point" yaml:"entry_point"`
	Version     string          `json:"version" yaml:"version"`
	Description string          `json:"description" yaml:"description"`
	Options     json.RawMessage `json:"tool_options" yaml:"-"`
}
