package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout accepted by LoadSeed.
type SeedFile struct {
	Tools []struct {
		ID          int64              `yaml:"id"`
		Name        string             `yaml:"name"`
		EntryPoint  string             `yaml:"entry_point"`
		Version     string             `yaml:"version"`
		Description string             `yaml:"description"`
		Enabled     *bool              `yaml:"enabled"`
		SkipPattern string             `yaml:"skip_pattern"`
		Options     []OptionDescriptor `yaml:"options"`
	} `yaml:"tools"`

	Profiles []struct {
		ID                   int64          `yaml:"id"`
		ToolEntryPoint       string         `yaml:"tool_entry_point"`
		ToolVersion          string         `yaml:"tool_version"`
		Name                 string         `yaml:"name"`
		Description          string         `yaml:"description"`
		AllowManual          bool           `yaml:"allow_manual"`
		AllowManualSubmitter bool           `yaml:"allow_manual_submitter"`
		AllowManualGroup     bool           `yaml:"allow_manual_group"`
		ShipIt               *bool          `yaml:"ship_it"`
		OpenIssues           *bool          `yaml:"open_issues"`
		CommentUnmodified    *bool          `yaml:"comment_unmodified"`
		ToolSettings         map[string]any `yaml:"tool_settings"`
		LocalSite            int64          `yaml:"local_site"`
	} `yaml:"profiles"`

	Groups []struct {
		ID           int64   `yaml:"id"`
		Name         string  `yaml:"name"`
		FileRegex    string  `yaml:"file_regex"`
		Enabled      *bool   `yaml:"enabled"`
		Profiles     []int64 `yaml:"profiles"`
		Repositories []int64 `yaml:"repositories"`
		LocalSite    int64   `yaml:"local_site"`
	} `yaml:"groups"`

	ManualPermissions []struct {
		UserID    int64 `yaml:"user_id"`
		LocalSite int64 `yaml:"local_site"`
		Allow     bool  `yaml:"allow"`
	} `yaml:"manual_permissions"`
}

// LoadSeedFile reads a YAML seed file into a new MemoryRegistry.
func LoadSeedFile(path string, defaults ProfileDefaults) (*MemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadSeedFile: %w", err)
	}
	reg, err := LoadSeed(data, defaults)
	if err != nil {
		return nil, fmt.Errorf("LoadSeedFile %s: %w", path, err)
	}
	return reg, nil
}

// LoadSeed builds a MemoryRegistry from YAML. Records go through the regular
// write path, so a seed that violates an invariant is rejected as a whole.
func LoadSeed(data []byte, defaults ProfileDefaults) (*MemoryRegistry, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, err
	}

	ctx := context.Background()
	reg := NewMemoryRegistry(defaults)

	for _, st := range seed.Tools {
		t := &Tool{
			ID:           st.ID,
			Name:         st.Name,
			EntryPoint:   st.EntryPoint,
			Version:      st.Version,
			Description:  st.Description,
			Enabled:      boolOr(st.Enabled, true),
			InLastUpdate: true,
			SkipPattern:  st.SkipPattern,
			Options:      st.Options,
		}
		if err := reg.SaveTool(ctx, t); err != nil {
			return nil, err
		}
	}

	for _, sp := range seed.Profiles {
		reg.mu.RLock()
		tool := reg.findToolLocked(sp.ToolEntryPoint, sp.ToolVersion)
		reg.mu.RUnlock()
		if tool == nil {
			return nil, fmt.Errorf("profile %q: unknown tool %s %s", sp.Name, sp.ToolEntryPoint, sp.ToolVersion)
		}

		var settings json.RawMessage
		if sp.ToolSettings != nil {
			b, err := json.Marshal(sp.ToolSettings)
			if err != nil {
				return nil, fmt.Errorf("profile %q: %w", sp.Name, err)
			}
			settings = b
		}

		p := &Profile{
			ID:                   sp.ID,
			ToolID:               tool.ID,
			Name:                 sp.Name,
			Description:          sp.Description,
			AllowManual:          sp.AllowManual,
			AllowManualSubmitter: sp.AllowManualSubmitter,
			AllowManualGroup:     sp.AllowManualGroup,
			ShipIt:               boolOr(sp.ShipIt, defaults.ShipIt),
			OpenIssues:           boolOr(sp.OpenIssues, defaults.OpenIssues),
			CommentUnmodified:    boolOr(sp.CommentUnmodified, defaults.CommentUnmodified),
			ToolSettings:         settings,
			LocalSiteID:          sp.LocalSite,
		}
		if err := reg.SaveProfile(ctx, p); err != nil {
			return nil, err
		}
	}

	for _, sg := range seed.Groups {
		g := &AutomaticRunGroup{
			ID:            sg.ID,
			Name:          sg.Name,
			FileRegex:     sg.FileRegex,
			Enabled:       boolOr(sg.Enabled, true),
			RepositoryIDs: sg.Repositories,
			LocalSiteID:   sg.LocalSite,
		}
		for _, pid := range sg.Profiles {
			g.Profiles = append(g.Profiles, &Profile{ID: pid})
		}
		if err := reg.SaveRunGroup(ctx, g); err != nil {
			return nil, err
		}
	}

	for _, mp := range seed.ManualPermissions {
		if err := reg.SetManualPermission(ctx, ManualPermission{
			UserID:      mp.UserID,
			LocalSiteID: mp.LocalSite,
			Allow:       mp.Allow,
		}); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// ReplaceWith swaps the contents of r with those of src. src must not be used afterwards.
func (r *MemoryRegistry) ReplaceWith(src *MemoryRegistry) {
	src.mu.Lock()
	defer src.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools = src.tools
	r.profiles = src.profiles
	r.groups = src.groups
	r.perms = src.perms
	r.nextID = src.nextID
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
