package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/triage-ai/reviewbot/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RunGroupStore abstracts the run group read query for testability.
type RunGroupStore interface {
	LoadRunGroups(ctx context.Context, localSiteID int64) ([]*AutomaticRunGroup, error)
}

const profileToolColumns = `
	p.id, p.tool_id, p.name, p.description,
	p.allow_manual, p.allow_manual_submitter, p.allow_manual_group,
	p.ship_it, p.open_issues, p.comment_unmodified, p.tool_settings, p.local_site_id,
	t.id, t.name, t.entry_point, t.version, t.description,
	t.enabled, t.in_last_update, t.tool_options, t.reviews_to_skip`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanProfileTool reads profileToolColumns. Posting flags left NULL take the
// site-wide defaults.
func scanProfileTool(row rowScanner, defaults ProfileDefaults, extra ...any) (*Profile, error) {
	var (
		p        Profile
		t        Tool
		settings []byte
		options  []byte
		site     sql.NullInt64
	)
	var shipIt, openIssues, commentUnmodified sql.NullBool
	dest := append(extra,
		&p.ID, &p.ToolID, &p.Name, &p.Description,
		&p.AllowManual, &p.AllowManualSubmitter, &p.AllowManualGroup,
		&shipIt, &openIssues, &commentUnmodified, &settings, &site,
		&t.ID, &t.Name, &t.EntryPoint, &t.Version, &t.Description,
		&t.Enabled, &t.InLastUpdate, &options, &t.SkipPattern,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.ToolSettings = json.RawMessage(settings)
	p.LocalSiteID = site.Int64
	p.ShipIt = nullBoolOr(shipIt, defaults.ShipIt)
	p.OpenIssues = nullBoolOr(openIssues, defaults.OpenIssues)
	p.CommentUnmodified = nullBoolOr(commentUnmodified, defaults.CommentUnmodified)

	opts, err := ParseOptions(options)
	if err != nil {
		return nil, fmt.Errorf("tool %d options: %w", t.ID, err)
	}
	t.Options = opts
	p.Tool = &t
	return &p, nil
}

func nullBoolOr(b sql.NullBool, def bool) bool {
	if b.Valid {
		return b.Bool
	}
	return def
}

// nullSite maps GlobalSite to SQL NULL.
func nullSite(localSiteID int64) any {
	if localSiteID == GlobalSite {
		return nil
	}
	return localSiteID
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// sqlRunGroupStore is the real implementation using *sql.DB.
type sqlRunGroupStore struct {
	db       *sql.DB
	defaults ProfileDefaults
}

func (s *sqlRunGroupStore) LoadRunGroups(ctx context.Context, localSiteID int64) ([]*AutomaticRunGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, file_regex, local_site_id
		FROM reviewbot_automatic_run_groups
		WHERE enabled AND local_site_id IS NOT DISTINCT FROM $1
		ORDER BY id
	`, nullSite(localSiteID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*AutomaticRunGroup)
	var groups []*AutomaticRunGroup
	var ids []int64
	for rows.Next() {
		g := &AutomaticRunGroup{Enabled: true}
		var site sql.NullInt64
		if err := rows.Scan(&g.ID, &g.Name, &g.FileRegex, &site); err != nil {
			return nil, err
		}
		g.LocalSiteID = site.Int64
		byID[g.ID] = g
		groups = append(groups, g)
		ids = append(ids, g.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return groups, nil
	}

	memberRows, err := s.db.QueryContext(ctx, `
		SELECT gp.group_id, `+profileToolColumns+`
		FROM reviewbot_automatic_run_group_profiles gp
		JOIN reviewbot_profiles p ON p.id = gp.profile_id
		JOIN reviewbot_tools t ON t.id = p.tool_id
		WHERE gp.group_id = ANY($1)
		ORDER BY gp.group_id, p.id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()
	for memberRows.Next() {
		var groupID int64
		p, err := scanProfileTool(memberRows, s.defaults, &groupID)
		if err != nil {
			return nil, err
		}
		byID[groupID].Profiles = append(byID[groupID].Profiles, p)
	}
	if err := memberRows.Err(); err != nil {
		return nil, err
	}

	repoRows, err := s.db.QueryContext(ctx, `
		SELECT group_id, repository_id
		FROM reviewbot_automatic_run_group_repositories
		WHERE group_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer repoRows.Close()
	for repoRows.Next() {
		var groupID, repoID int64
		if err := repoRows.Scan(&groupID, &repoID); err != nil {
			return nil, err
		}
		byID[groupID].RepositoryIDs = append(byID[groupID].RepositoryIDs, repoID)
	}
	return groups, repoRows.Err()
}

// PostgresRegistry stores tools, profiles and run groups in the reviewbot_* tables.
type PostgresRegistry struct {
	db     *sql.DB
	groups RunGroupStore
	cache  *cache.TTL[int64, []*AutomaticRunGroup]
	loads  singleflight.Group // cold misses, keyed by site
	logger *zap.Logger

	defaults ProfileDefaults
}

// PostgresRegistryConfig configures the PostgresRegistry.
type PostgresRegistryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
	// Defaults fill the posting flags of profiles whose columns are NULL.
	Defaults ProfileDefaults
}

// NewPostgresRegistry creates a new PostgresRegistry.
func NewPostgresRegistry(cfg PostgresRegistryConfig) *PostgresRegistry {
	r := newPostgresRegistryWithStore(cfg.DB, &sqlRunGroupStore{db: cfg.DB, defaults: cfg.Defaults}, cfg.CacheTTL, cfg.Logger)
	r.defaults = cfg.Defaults
	return r
}

// newPostgresRegistryWithStore creates a registry with a custom group store (for testing).
func newPostgresRegistryWithStore(db *sql.DB, groups RunGroupStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresRegistry {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresRegistry{
		db:     db,
		groups: groups,
		cache:  cache.New[int64, []*AutomaticRunGroup](cacheTTL),
		logger: logger,
	}
}

func (r *PostgresRegistry) ListRunGroups(ctx context.Context, localSiteID int64) ([]*AutomaticRunGroup, error) {
	cacheResult := r.cache.Get(localSiteID)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go r.refreshInBackground(localSiteID)
		}
		return cacheResult.Value, nil
	}

	v, err, _ := r.loads.Do(strconv.FormatInt(localSiteID, 10), func() (any, error) {
		groups, err := r.groups.LoadRunGroups(ctx, localSiteID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(localSiteID, groups)
		return groups, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ListRunGroups: %w", err)
	}
	return v.([]*AutomaticRunGroup), nil
}

func (r *PostgresRegistry) refreshInBackground(localSiteID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	groups, err := r.groups.LoadRunGroups(ctx, localSiteID)
	if err != nil {
		r.logger.Warn("background run group refresh failed",
			zap.Int64("local_site_id", localSiteID),
			zap.Error(err),
		)
		return
	}
	r.cache.Set(localSiteID, groups)
}

func (r *PostgresRegistry) GetProfile(ctx context.Context, profileID int64) (*Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+profileToolColumns+`
		FROM reviewbot_profiles p
		JOIN reviewbot_tools t ON t.id = p.tool_id
		WHERE p.id = $1
	`, profileID)
	p, err := scanProfileTool(row, r.defaults)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetProfile: %w", err)
	}
	return p, nil
}

func (r *PostgresRegistry) GetManualPermission(ctx context.Context, userID, localSiteID int64) (*ManualPermission, error) {
	perm := ManualPermission{UserID: userID, LocalSiteID: localSiteID}
	err := r.db.QueryRowContext(ctx, `
		SELECT allow FROM reviewbot_manual_permissions
		WHERE user_id = $1 AND local_site_id = $2
	`, userID, localSiteID).Scan(&perm.Allow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetManualPermission: %w", err)
	}
	return &perm, nil
}

func (r *PostgresRegistry) SaveTool(ctx context.Context, t *Tool) error {
	if err := checkTool(t); err != nil {
		return err
	}
	options, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("SaveTool: %w", err)
	}

	if t.ID == 0 {
		err = r.db.QueryRowContext(ctx, `
			INSERT INTO reviewbot_tools
				(name, entry_point, version, description, enabled, in_last_update, tool_options, reviews_to_skip)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (entry_point, version) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				enabled = EXCLUDED.enabled,
				in_last_update = EXCLUDED.in_last_update,
				tool_options = EXCLUDED.tool_options,
				reviews_to_skip = EXCLUDED.reviews_to_skip
			RETURNING id
		`, t.Name, t.EntryPoint, t.Version, t.Description, t.Enabled, t.InLastUpdate, options, t.SkipPattern,
		).Scan(&t.ID)
	} else {
		var res sql.Result
		res, err = r.db.ExecContext(ctx, `
			UPDATE reviewbot_tools SET
				name = $2, entry_point = $3, version = $4, description = $5,
				enabled = $6, in_last_update = $7, tool_options = $8, reviews_to_skip = $9
			WHERE id = $1
		`, t.ID, t.Name, t.EntryPoint, t.Version, t.Description, t.Enabled, t.InLastUpdate, options, t.SkipPattern)
		if err == nil {
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
		}
	}
	if isPgCode(err, pgUniqueViolation) {
		return &ConfigurationError{Kind: "tool", ID: t.ID, Problem: "entry_point and version already registered", Err: err}
	}
	if err != nil {
		return fmt.Errorf("SaveTool: %w", err)
	}
	r.cache.Clear()
	return nil
}

func (r *PostgresRegistry) SaveProfile(ctx context.Context, p *Profile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveProfile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var toolOptions []byte
	err = tx.QueryRowContext(ctx, `SELECT tool_options FROM reviewbot_tools WHERE id = $1`, p.ToolID).Scan(&toolOptions)
	if errors.Is(err, sql.ErrNoRows) {
		return &ConfigurationError{Kind: "profile", ID: p.ID, Problem: "unknown tool", Err: ErrNotFound}
	}
	if err != nil {
		return fmt.Errorf("SaveProfile: %w", err)
	}
	opts, err := ParseOptions(toolOptions)
	if err != nil {
		return fmt.Errorf("SaveProfile: %w", err)
	}
	saved, err := checkProfile(p, &Tool{ID: p.ToolID, Options: opts})
	if err != nil {
		return err
	}

	if p.ID != 0 {
		// The row lock holds off AttachProfile and SaveRunGroup, which read the
		// profile's site FOR SHARE, until this write commits.
		var locked int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM reviewbot_profiles WHERE id = $1 FOR UPDATE`, p.ID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("SaveProfile: %w", err)
		}

		var groupID int64
		var groupSite sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			SELECT g.id, g.local_site_id
			FROM reviewbot_automatic_run_groups g
			JOIN reviewbot_automatic_run_group_profiles gp ON gp.group_id = g.id
			WHERE gp.profile_id = $1 AND g.local_site_id IS DISTINCT FROM $2
			LIMIT 1
		`, p.ID, nullSite(p.LocalSiteID)).Scan(&groupID, &groupSite)
		if err == nil {
			return checkAttach(&AutomaticRunGroup{ID: groupID, LocalSiteID: groupSite.Int64}, p)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("SaveProfile: %w", err)
		}
	}

	args := []any{
		p.ToolID, p.Name, p.Description,
		p.AllowManual, p.AllowManualSubmitter, p.AllowManualGroup,
		p.ShipIt, p.OpenIssues, p.CommentUnmodified,
		[]byte(saved.ToolSettings), nullSite(p.LocalSiteID),
	}
	if p.ID == 0 {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO reviewbot_profiles
				(tool_id, name, description, allow_manual, allow_manual_submitter, allow_manual_group,
				 ship_it, open_issues, comment_unmodified, tool_settings, local_site_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`, args...).Scan(&p.ID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE reviewbot_profiles SET
				tool_id = $1, name = $2, description = $3,
				allow_manual = $4, allow_manual_submitter = $5, allow_manual_group = $6,
				ship_it = $7, open_issues = $8, comment_unmodified = $9,
				tool_settings = $10, local_site_id = $11
			WHERE id = $12
		`, append(args, p.ID)...)
	}
	if err != nil {
		return fmt.Errorf("SaveProfile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveProfile: %w", err)
	}
	p.ToolSettings = saved.ToolSettings
	r.cache.Clear()
	return nil
}

func (r *PostgresRegistry) DeleteProfile(ctx context.Context, profileID int64) error {
	var referenced bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM reviewbot_automatic_run_group_profiles WHERE profile_id = $1)
	`, profileID).Scan(&referenced); err != nil {
		return fmt.Errorf("DeleteProfile: %w", err)
	}
	if referenced {
		return ErrProfileInUse
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM reviewbot_profiles WHERE id = $1`, profileID)
	if isPgCode(err, pgForeignKeyViolation) {
		// attached concurrently, or executions still point at it
		return ErrProfileInUse
	}
	if err != nil {
		return fmt.Errorf("DeleteProfile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.cache.Clear()
	return nil
}

func (r *PostgresRegistry) SaveRunGroup(ctx context.Context, g *AutomaticRunGroup) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveRunGroup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	resolved := *g
	resolved.Profiles = nil
	for _, p := range g.Profiles {
		var site sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT local_site_id FROM reviewbot_profiles WHERE id = $1 FOR SHARE`, p.ID).Scan(&site)
		if errors.Is(err, sql.ErrNoRows) {
			return &ConfigurationError{Kind: "group", ID: g.ID, Problem: "unknown profile", Err: ErrNotFound}
		}
		if err != nil {
			return fmt.Errorf("SaveRunGroup: %w", err)
		}
		resolved.Profiles = append(resolved.Profiles, &Profile{ID: p.ID, LocalSiteID: site.Int64})
	}
	if err := checkRunGroup(&resolved); err != nil {
		return err
	}

	if g.ID == 0 {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO reviewbot_automatic_run_groups (name, file_regex, enabled, local_site_id)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, g.Name, g.FileRegex, g.Enabled, nullSite(g.LocalSiteID)).Scan(&g.ID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE reviewbot_automatic_run_groups
			SET name = $2, file_regex = $3, enabled = $4, local_site_id = $5
			WHERE id = $1
		`, g.ID, g.Name, g.FileRegex, g.Enabled, nullSite(g.LocalSiteID))
	}
	if err != nil {
		return fmt.Errorf("SaveRunGroup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reviewbot_automatic_run_group_profiles WHERE group_id = $1`, g.ID); err != nil {
		return fmt.Errorf("SaveRunGroup: %w", err)
	}
	for _, p := range resolved.Profiles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reviewbot_automatic_run_group_profiles (group_id, profile_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, g.ID, p.ID); err != nil {
			return fmt.Errorf("SaveRunGroup: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reviewbot_automatic_run_group_repositories WHERE group_id = $1`, g.ID); err != nil {
		return fmt.Errorf("SaveRunGroup: %w", err)
	}
	for _, repoID := range g.RepositoryIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reviewbot_automatic_run_group_repositories (group_id, repository_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, g.ID, repoID); err != nil {
			return fmt.Errorf("SaveRunGroup: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveRunGroup: %w", err)
	}
	r.cache.Clear()
	return nil
}

func (r *PostgresRegistry) AttachProfile(ctx context.Context, groupID, profileID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("AttachProfile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var groupSite, profileSite sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT local_site_id FROM reviewbot_automatic_run_groups WHERE id = $1`, groupID).Scan(&groupSite)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("AttachProfile: %w", err)
	}
	err = tx.QueryRowContext(ctx, `SELECT local_site_id FROM reviewbot_profiles WHERE id = $1 FOR SHARE`, profileID).Scan(&profileSite)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("AttachProfile: %w", err)
	}

	g := &AutomaticRunGroup{ID: groupID, LocalSiteID: groupSite.Int64}
	if err := checkAttach(g, &Profile{ID: profileID, LocalSiteID: profileSite.Int64}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reviewbot_automatic_run_group_profiles (group_id, profile_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, groupID, profileID); err != nil {
		return fmt.Errorf("AttachProfile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AttachProfile: %w", err)
	}
	r.cache.Delete(g.LocalSiteID)
	return nil
}

func (r *PostgresRegistry) MarkToolsStale(ctx context.Context, before time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE reviewbot_tools SET in_last_update = false
		WHERE in_last_update AND (last_registered_at IS NULL OR last_registered_at < $1)
	`, before); err != nil {
		return fmt.Errorf("MarkToolsStale: %w", err)
	}
	r.cache.Clear()
	return nil
}

func (r *PostgresRegistry) RegisterTools(ctx context.Context, regs []ToolRegistration) ([]*Tool, error) {
	parsed, err := checkRegistrations(regs)
	if err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("RegisterTools: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	out := make([]*Tool, 0, len(regs))
	for i, reg := range regs {
		opts := parsed[i]
		options, err := json.Marshal(opts)
		if err != nil {
			return nil, fmt.Errorf("RegisterTools: %w", err)
		}
		t := &Tool{
			Name:         reg.Name,
			EntryPoint:   reg.EntryPoint,
			Version:      reg.Version,
			Description:  reg.Description,
			Options:      opts,
			InLastUpdate: true,
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO reviewbot_tools
				(name, entry_point, version, description, enabled, in_last_update, tool_options, reviews_to_skip, last_registered_at)
			VALUES ($1, $2, $3, $4, true, true, $5, '', $6)
			ON CONFLICT (entry_point, version) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				tool_options = EXCLUDED.tool_options,
				in_last_update = true,
				last_registered_at = EXCLUDED.last_registered_at
			RETURNING id, enabled, reviews_to_skip
		`, t.Name, t.EntryPoint, t.Version, t.Description, options, now).Scan(&t.ID, &t.Enabled, &t.SkipPattern); err != nil {
			return nil, fmt.Errorf("RegisterTools: %w", err)
		}
		out = append(out, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("RegisterTools: %w", err)
	}
	r.cache.Clear()
	return out, nil
}

func (r *PostgresRegistry) SetManualPermission(ctx context.Context, perm ManualPermission) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO reviewbot_manual_permissions (user_id, local_site_id, allow)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, local_site_id) DO UPDATE SET allow = EXCLUDED.allow
	`, perm.UserID, perm.LocalSiteID, perm.Allow); err != nil {
		return fmt.Errorf("SetManualPermission: %w", err)
	}
	return nil
}
