package registry

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Store used for local development (seeded from
// a YAML file) and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	tools    map[int64]*Tool
	profiles map[int64]*Profile
	groups   map[int64]*memGroup
	perms    map[permKey]ManualPermission
	nextID   int64
	defaults ProfileDefaults

	registered map[int64]time.Time // last RegisterTools time per tool
}

type memGroup struct {
	group      AutomaticRunGroup // Profiles left nil, resolved on read
	profileIDs []int64
}

type permKey struct {
	userID, localSiteID int64
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(defaults ProfileDefaults) *MemoryRegistry {
	return &MemoryRegistry{
		tools:    make(map[int64]*Tool),
		profiles: make(map[int64]*Profile),
		groups:   make(map[int64]*memGroup),
		perms:    make(map[permKey]ManualPermission),
		defaults: defaults,

		registered: make(map[int64]time.Time),
	}
}

func (r *MemoryRegistry) assignID(id int64) int64 {
	if id != 0 {
		if id > r.nextID {
			r.nextID = id
		}
		return id
	}
	r.nextID++
	return r.nextID
}

func (r *MemoryRegistry) ListRunGroups(_ context.Context, localSiteID int64) ([]*AutomaticRunGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []*AutomaticRunGroup
	for _, id := range ids {
		mg := r.groups[id]
		if !mg.group.Enabled || mg.group.LocalSiteID != localSiteID {
			continue
		}
		g := mg.group
		g.RepositoryIDs = slices.Clone(mg.group.RepositoryIDs)
		g.Profiles = make([]*Profile, 0, len(mg.profileIDs))
		for _, pid := range mg.profileIDs {
			if p, ok := r.profiles[pid]; ok {
				g.Profiles = append(g.Profiles, r.resolveLocked(p))
			}
		}
		out = append(out, &g)
	}
	return out, nil
}

func (r *MemoryRegistry) GetProfile(_ context.Context, profileID int64) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[profileID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.resolveLocked(p), nil
}

func (r *MemoryRegistry) GetManualPermission(_ context.Context, userID, localSiteID int64) (*ManualPermission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perm, ok := r.perms[permKey{userID, localSiteID}]
	if !ok {
		return nil, nil
	}
	return &perm, nil
}

// resolveLocked returns a copy of p with a copy of its tool attached.
func (r *MemoryRegistry) resolveLocked(p *Profile) *Profile {
	cp := *p
	if t, ok := r.tools[p.ToolID]; ok {
		tc := *t
		cp.Tool = &tc
	}
	return &cp
}

func (r *MemoryRegistry) SaveTool(_ context.Context, t *Tool) error {
	if err := checkTool(t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.ID == 0 {
		if existing := r.findToolLocked(t.EntryPoint, t.Version); existing != nil {
			t.ID = existing.ID
		}
	}
	for _, other := range r.tools {
		if other.ID != t.ID && other.EntryPoint == t.EntryPoint && other.Version == t.Version {
			return &ConfigurationError{Kind: "tool", ID: t.ID, Problem: "entry_point and version already registered"}
		}
	}
	t.ID = r.assignID(t.ID)
	stored := *t
	r.tools[t.ID] = &stored
	return nil
}

func (r *MemoryRegistry) findToolLocked(entryPoint, version string) *Tool {
	for _, t := range r.tools {
		if t.EntryPoint == entryPoint && t.Version == version {
			return t
		}
	}
	return nil
}

func (r *MemoryRegistry) SaveProfile(_ context.Context, p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tool, ok := r.tools[p.ToolID]
	if !ok {
		return &ConfigurationError{Kind: "profile", ID: p.ID, Problem: "unknown tool", Err: ErrNotFound}
	}
	saved, err := checkProfile(p, tool)
	if err != nil {
		return err
	}
	if old, ok := r.profiles[p.ID]; ok && old.LocalSiteID != p.LocalSiteID {
		for _, mg := range r.groups {
			if slices.Contains(mg.profileIDs, p.ID) && mg.group.LocalSiteID != p.LocalSiteID {
				return checkAttach(&mg.group, p)
			}
		}
	}
	saved.ID = r.assignID(p.ID)
	saved.Tool = nil
	p.ID = saved.ID
	p.ToolSettings = saved.ToolSettings
	r.profiles[saved.ID] = saved
	return nil
}

func (r *MemoryRegistry) DeleteProfile(_ context.Context, profileID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[profileID]; !ok {
		return ErrNotFound
	}
	for _, mg := range r.groups {
		if slices.Contains(mg.profileIDs, profileID) {
			return ErrProfileInUse
		}
	}
	delete(r.profiles, profileID)
	return nil
}

func (r *MemoryRegistry) SaveRunGroup(_ context.Context, g *AutomaticRunGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check attachments against the stored profiles, not the caller's copies.
	resolved := *g
	resolved.Profiles = make([]*Profile, 0, len(g.Profiles))
	for _, p := range g.Profiles {
		stored, ok := r.profiles[p.ID]
		if !ok {
			return &ConfigurationError{Kind: "group", ID: g.ID, Problem: "unknown profile", Err: ErrNotFound}
		}
		resolved.Profiles = append(resolved.Profiles, stored)
	}
	if err := checkRunGroup(&resolved); err != nil {
		return err
	}

	g.ID = r.assignID(g.ID)
	mg := &memGroup{group: *g}
	mg.group.Profiles = nil
	mg.group.RepositoryIDs = slices.Clone(g.RepositoryIDs)
	for _, p := range resolved.Profiles {
		if !slices.Contains(mg.profileIDs, p.ID) {
			mg.profileIDs = append(mg.profileIDs, p.ID)
		}
	}
	r.groups[g.ID] = mg
	return nil
}

func (r *MemoryRegistry) AttachProfile(_ context.Context, groupID, profileID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mg, ok := r.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	p, ok := r.profiles[profileID]
	if !ok {
		return ErrNotFound
	}
	if err := checkAttach(&mg.group, p); err != nil {
		return err
	}
	if !slices.Contains(mg.profileIDs, profileID) {
		mg.profileIDs = append(mg.profileIDs, profileID)
	}
	return nil
}

func (r *MemoryRegistry) MarkToolsStale(_ context.Context, before time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.tools {
		if r.registered[id].Before(before) {
			t.InLastUpdate = false
		}
	}
	return nil
}

func (r *MemoryRegistry) RegisterTools(_ context.Context, regs []ToolRegistration) ([]*Tool, error) {
	parsed, err := checkRegistrations(regs)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]*Tool, 0, len(regs))
	for i, reg := range regs {
		opts := parsed[i]
		t := r.findToolLocked(reg.EntryPoint, reg.Version)
		if t == nil {
			t = &Tool{ID: r.assignID(0), EntryPoint: reg.EntryPoint, Version: reg.Version, Enabled: true}
			r.tools[t.ID] = t
		}
		t.Name = reg.Name
		t.Description = reg.Description
		t.Options = opts
		t.InLastUpdate = true
		r.registered[t.ID] = now
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRegistry) SetManualPermission(_ context.Context, perm ManualPermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.perms[permKey{perm.UserID, perm.LocalSiteID}] = perm
	return nil
}

// Defaults returns the posting flags applied to seeded profiles that omit them.
func (r *MemoryRegistry) Defaults() ProfileDefaults {
	return r.defaults
}
