package registry

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// ConfigStore is the read-only view used by the dispatch path.
// Implementations must be safe for concurrent use.
type ConfigStore interface {
	// ListRunGroups returns the enabled groups of a local site with their
	// profiles (Tool populated) and repository scope.
	ListRunGroups(ctx context.Context, localSiteID int64) ([]*AutomaticRunGroup, error)

	// GetProfile returns a profile with its Tool, or ErrNotFound.
	GetProfile(ctx context.Context, profileID int64) (*Profile, error)

	// GetManualPermission returns nil if the user has no permission record on the site.
	GetManualPermission(ctx context.Context, userID, localSiteID int64) (*ManualPermission, error)
}

// Admin holds the write operations. Every implementation enforces the same
// write-time invariants: tool settings validate against the tool's options,
// a profile can only join a group of its own site, and a referenced profile
// cannot be deleted.
type Admin interface {
	SaveTool(ctx context.Context, t *Tool) error
	SaveProfile(ctx context.Context, p *Profile) error
	DeleteProfile(ctx context.Context, profileID int64) error
	SaveRunGroup(ctx context.Context, g *AutomaticRunGroup) error
	AttachProfile(ctx context.Context, groupID, profileID int64) error
	// MarkToolsStale clears InLastUpdate on every tool not registered since
	// before, so replies that raced ahead of the call stay fresh.
	MarkToolsStale(ctx context.Context, before time.Time) error
	// RegisterTools upserts worker-reported tools and marks them fresh. The
	// batch is validated as a whole; an invalid entry leaves the store untouched.
	RegisterTools(ctx context.Context, tools []ToolRegistration) ([]*Tool, error)
	SetManualPermission(ctx context.Context, perm ManualPermission) error
}

// Store is implemented by both the Postgres and the in-memory registries.
type Store interface {
	ConfigStore
	Admin
}

func checkProfile(p *Profile, tool *Tool) (*Profile, error) {
	if p.Name == "" {
		return nil, &ConfigurationError{Kind: "profile", ID: p.ID, Problem: "name is required"}
	}
	settings, err := ValidateSettings(tool.Options, p.ToolSettings)
	if err != nil {
		return nil, &ConfigurationError{Kind: "profile", ID: p.ID, Problem: "tool settings rejected", Err: err}
	}
	saved := *p
	saved.ToolSettings = settings
	saved.Tool = tool
	return &saved, nil
}

func checkTool(t *Tool) error {
	if t.EntryPoint == "" || t.Version == "" {
		return &ConfigurationError{Kind: "tool", ID: t.ID, Problem: "entry_point and version are required"}
	}
	if t.SkipPattern != "" {
		if _, err := regexp.Compile(t.SkipPattern); err != nil {
			return &ConfigurationError{Kind: "tool", ID: t.ID, Problem: "skip pattern does not compile", Err: err}
		}
	}
	return nil
}

func checkRunGroup(g *AutomaticRunGroup) error {
	if g.Name == "" {
		return &ConfigurationError{Kind: "group", ID: g.ID, Problem: "name is required"}
	}
	if _, err := regexp.Compile(g.FileRegex); err != nil {
		return &ConfigurationError{Kind: "group", ID: g.ID, Problem: "file regex does not compile", Err: err}
	}
	for _, p := range g.Profiles {
		if err := checkAttach(g, p); err != nil {
			return err
		}
	}
	return nil
}

func checkAttach(g *AutomaticRunGroup, p *Profile) error {
	if p.LocalSiteID != g.LocalSiteID {
		return &ConfigurationError{
			Kind:    "group",
			ID:      g.ID,
			Problem: fmt.Sprintf("profile %d belongs to local site %d, group belongs to %d", p.ID, p.LocalSiteID, g.LocalSiteID),
		}
	}
	return nil
}

func checkRegistration(r ToolRegistration) ([]OptionDescriptor, error) {
	if r.EntryPoint == "" || r.Version == "" {
		return nil, &ConfigurationError{Kind: "tool", Problem: "entry_point and version are required"}
	}
	opts, err := ParseOptions(r.Options)
	if err != nil {
		return nil, &ConfigurationError{Kind: "tool", Problem: r.EntryPoint + " " + r.Version, Err: err}
	}
	return opts, nil
}

// checkRegistrations validates a whole batch and returns the parsed options of
// each entry, in order.
func checkRegistrations(regs []ToolRegistration) ([][]OptionDescriptor, error) {
	parsed := make([][]OptionDescriptor, len(regs))
	for i, reg := range regs {
		opts, err := checkRegistration(reg)
		if err != nil {
			return nil, err
		}
		parsed[i] = opts
	}
	return parsed, nil
}
