package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func seededRegistry(t *testing.T) (*MemoryRegistry, *Tool, *Profile) {
	t.Helper()
	ctx := context.Background()
	reg := NewMemoryRegistry(ProfileDefaults{})

	tool := &Tool{
		Name: "Pyflakes", EntryPoint: "pyflakes", Version: "1.0", Enabled: true, InLastUpdate: true,
		Options: []OptionDescriptor{{Name: "strict", Kind: OptionBoolean, Default: false}},
	}
	if err := reg.SaveTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	profile := &Profile{ToolID: tool.ID, Name: "pyflakes default", ShipIt: true}
	if err := reg.SaveProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	return reg, tool, profile
}

func TestMemoryRegistry_SaveProfileAppliesDefaults(t *testing.T) {
	reg, _, profile := seededRegistry(t)

	got, err := reg.GetProfile(context.Background(), profile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.ToolSettings) != `{"strict":false}` {
		t.Fatalf("expected defaults applied, got %s", got.ToolSettings)
	}
	if got.Tool == nil || got.Tool.RoutingKey() != "pyflakes.1.0" {
		t.Fatalf("expected tool attached, got %+v", got.Tool)
	}
}

func TestMemoryRegistry_SaveProfileRejectsInvalidSettings(t *testing.T) {
	reg, tool, _ := seededRegistry(t)

	err := reg.SaveProfile(context.Background(), &Profile{
		ToolID:       tool.ID,
		Name:         "bad",
		ToolSettings: json.RawMessage(`{"strict":"yes"}`),
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestMemoryRegistry_DuplicateToolIdentity(t *testing.T) {
	reg, tool, _ := seededRegistry(t)

	other := &Tool{ID: tool.ID + 100, Name: "copy", EntryPoint: "pyflakes", Version: "1.0"}
	var cfgErr *ConfigurationError
	if err := reg.SaveTool(context.Background(), other); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for duplicate identity, got %v", err)
	}
}

func TestMemoryRegistry_CrossSiteAttachRejected(t *testing.T) {
	ctx := context.Background()
	reg, _, profile := seededRegistry(t)

	group := &AutomaticRunGroup{Name: "site 3", FileRegex: ".*", Enabled: true, LocalSiteID: 3}
	if err := reg.SaveRunGroup(ctx, group); err != nil {
		t.Fatal(err)
	}

	var cfgErr *ConfigurationError
	if err := reg.AttachProfile(ctx, group.ID, profile.ID); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	bad := &AutomaticRunGroup{Name: "mixed", FileRegex: ".*", LocalSiteID: 3, Profiles: []*Profile{{ID: profile.ID}}}
	if err := reg.SaveRunGroup(ctx, bad); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError from SaveRunGroup, got %v", err)
	}
}

func TestMemoryRegistry_MovingAttachedProfileToAnotherSiteRejected(t *testing.T) {
	ctx := context.Background()
	reg, _, profile := seededRegistry(t)

	group := &AutomaticRunGroup{Name: "all", FileRegex: ".*", Enabled: true, Profiles: []*Profile{{ID: profile.ID}}}
	if err := reg.SaveRunGroup(ctx, group); err != nil {
		t.Fatal(err)
	}

	moved := *profile
	moved.LocalSiteID = 9
	var cfgErr *ConfigurationError
	if err := reg.SaveProfile(ctx, &moved); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestMemoryRegistry_InvalidRegexRejectedAtWrite(t *testing.T) {
	reg, _, _ := seededRegistry(t)

	err := reg.SaveRunGroup(context.Background(), &AutomaticRunGroup{Name: "broken", FileRegex: "(unclosed"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestMemoryRegistry_DeleteReferencedProfile(t *testing.T) {
	ctx := context.Background()
	reg, _, profile := seededRegistry(t)

	group := &AutomaticRunGroup{Name: "all", FileRegex: ".*", Enabled: true, Profiles: []*Profile{{ID: profile.ID}}}
	if err := reg.SaveRunGroup(ctx, group); err != nil {
		t.Fatal(err)
	}
	if err := reg.DeleteProfile(ctx, profile.ID); !errors.Is(err, ErrProfileInUse) {
		t.Fatalf("expected ErrProfileInUse, got %v", err)
	}
	if err := reg.DeleteProfile(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRegistry_ListRunGroupsFiltersSiteAndEnabled(t *testing.T) {
	ctx := context.Background()
	reg, _, profile := seededRegistry(t)

	for _, g := range []*AutomaticRunGroup{
		{Name: "on", FileRegex: ".*", Enabled: true, Profiles: []*Profile{{ID: profile.ID}}},
		{Name: "off", FileRegex: ".*", Enabled: false},
		{Name: "elsewhere", FileRegex: ".*", Enabled: true, LocalSiteID: 2},
	} {
		if err := reg.SaveRunGroup(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	groups, err := reg.ListRunGroups(ctx, GlobalSite)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Name != "on" {
		t.Fatalf("expected only the enabled global group, got %+v", groups)
	}
	if len(groups[0].Profiles) != 1 || groups[0].Profiles[0].Tool == nil {
		t.Fatalf("expected resolved profile with tool, got %+v", groups[0].Profiles)
	}
}

func TestMemoryRegistry_RegisterToolsRefreshCycle(t *testing.T) {
	ctx := context.Background()
	reg, tool, profile := seededRegistry(t)

	if err := reg.MarkToolsStale(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	stale, err := reg.GetProfile(ctx, profile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stale.Tool.Eligible() {
		t.Fatal("expected tool to be stale after MarkToolsStale")
	}

	tools, err := reg.RegisterTools(ctx, []ToolRegistration{
		{Name: "Pyflakes", EntryPoint: "pyflakes", Version: "1.0"},
		{Name: "PEP8", EntryPoint: "pep8", Version: "0.1", Options: json.RawMessage(`[{"name":"max_line_length","type":"integer","default":79}]`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].ID != tool.ID || !tools[0].InLastUpdate {
		t.Fatalf("expected existing tool refreshed, got %+v", tools[0])
	}
	if !tools[1].Enabled || !tools[1].InLastUpdate || len(tools[1].Options) != 1 {
		t.Fatalf("expected new enabled fresh tool, got %+v", tools[1])
	}
}

func TestMemoryRegistry_MarkToolsStaleSparesLaterRegistrations(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := seededRegistry(t)

	before := time.Now()
	time.Sleep(time.Millisecond)
	fresh, err := reg.RegisterTools(ctx, []ToolRegistration{{Name: "PEP8", EntryPoint: "pep8", Version: "0.1"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkToolsStale(ctx, before); err != nil {
		t.Fatal(err)
	}

	reg.mu.RLock()
	pep8 := *reg.tools[fresh[0].ID]
	reg.mu.RUnlock()
	if !pep8.InLastUpdate {
		t.Fatal("expected tool registered after the cut-off to stay fresh")
	}
}

func TestMemoryRegistry_RegisterToolsRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(ProfileDefaults{})

	_, err := reg.RegisterTools(ctx, []ToolRegistration{
		{Name: "a", EntryPoint: "a", Version: "1"},
		{Name: "", EntryPoint: "", Version: "1"},
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if len(reg.tools) != 0 {
		t.Fatalf("expected no tools stored after a rejected batch, got %d", len(reg.tools))
	}

	_, err = reg.RegisterTools(ctx, []ToolRegistration{
		{Name: "a", EntryPoint: "a", Version: "1"},
		{Name: "b", EntryPoint: "b", Version: "1", Options: json.RawMessage(`{"not":"a list"}`)},
	})
	if err == nil {
		t.Fatal("expected invalid options to reject the batch")
	}
	if len(reg.tools) != 0 {
		t.Fatalf("expected no tools stored after a rejected batch, got %d", len(reg.tools))
	}
}

func TestMemoryRegistry_ManualPermission(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(ProfileDefaults{})

	perm, err := reg.GetManualPermission(ctx, 5, GlobalSite)
	if err != nil || perm != nil {
		t.Fatalf("expected no permission, got %+v, %v", perm, err)
	}
	if err := reg.SetManualPermission(ctx, ManualPermission{UserID: 5, Allow: true}); err != nil {
		t.Fatal(err)
	}
	perm, _ = reg.GetManualPermission(ctx, 5, GlobalSite)
	if perm == nil || !perm.Allow {
		t.Fatalf("expected allow permission, got %+v", perm)
	}
}

const seedYAML = `
tools:
  - id: 1
    name: Pyflakes
    entry_point: pyflakes
    version: "1.0"
    skip_pattern: "WIP"
    options:
      - name: strict
        type: boolean
        default: false
profiles:
  - id: 10
    tool_entry_point: pyflakes
    tool_version: "1.0"
    name: pyflakes strict
    open_issues: false
    tool_settings:
      strict: true
groups:
  - name: python files
    file_regex: '.*\.py$'
    profiles: [10]
    repositories: [3, 4]
manual_permissions:
  - user_id: 8
    allow: true
`

func TestLoadSeed(t *testing.T) {
	reg, err := LoadSeed([]byte(seedYAML), ProfileDefaults{ShipIt: true, OpenIssues: true})
	if err != nil {
		t.Fatal(err)
	}
	p, err := reg.GetProfile(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if !p.ShipIt {
		t.Fatal("expected ship_it from site defaults")
	}
	if p.OpenIssues {
		t.Fatal("expected explicit open_issues=false to win over defaults")
	}
	if string(p.ToolSettings) != `{"strict":true}` {
		t.Fatalf("unexpected settings %s", p.ToolSettings)
	}
	if p.Tool.SkipPattern != "WIP" || !p.Tool.Eligible() {
		t.Fatalf("unexpected tool %+v", p.Tool)
	}

	groups, _ := reg.ListRunGroups(context.Background(), GlobalSite)
	if len(groups) != 1 || !groups[0].AppliesToRepository(4) || groups[0].AppliesToRepository(5) {
		t.Fatalf("unexpected groups %+v", groups)
	}
}

func TestLoadSeed_RejectsUnknownTool(t *testing.T) {
	bad := `
profiles:
  - name: orphan
    tool_entry_point: nope
    tool_version: "1"
`
	if _, err := LoadSeed([]byte(bad), ProfileDefaults{}); err == nil {
		t.Fatal("expected error for profile with unknown tool")
	}
}

func TestLoadSeedFileAndReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadSeedFile(path, ProfileDefaults{})
	if err != nil {
		t.Fatal(err)
	}

	reg := NewMemoryRegistry(ProfileDefaults{})
	reg.ReplaceWith(loaded)
	if _, err := reg.GetProfile(context.Background(), 10); err != nil {
		t.Fatalf("expected replaced contents, got %v", err)
	}
}
