package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Supported database/sql driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore persists facts in PostgreSQL or SQLite. LoadFacts reads inside a
// single read-only transaction so a resolution sees one committed state.
type SQLStore struct {
	db     *sql.DB
	driver string

	mu      sync.Mutex
	catalog *Catalog
}

// NewSQLStore creates a store over an open database handle. driver selects
// transaction options and must be DriverPostgres or DriverSQLite.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidInput, driver)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) readTxOptions() *sql.TxOptions {
	if s.driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

// LoadFacts reads every fact for one user within a tenant
func (s *SQLStore) LoadFacts(ctx context.Context, tenantID, userID string) (*Facts, error) {
	tx, err := s.db.BeginTx(ctx, s.readTxOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin read: %v", ErrDataFetch, err)
	}
	defer tx.Rollback()

	user, err := getUser(ctx, tx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}

	facts := &Facts{
		TenantID:      tenantID,
		User:          user,
		Overrides:     make(map[PermissionCode]Effect),
		Grants:        make(CodeSet),
		Denials:       make(CodeSet),
		Subscriptions: make(map[ModuleCode]Subscription),
	}

	if facts.Roles, err = userRoles(ctx, tx, tenantID, userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	if err := s.loadOverrides(ctx, tx, facts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	if err := s.loadExceptions(ctx, tx, facts, userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	subs, err := listSubscriptions(ctx, tx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	for _, sub := range subs {
		facts.Subscriptions[sub.Module] = sub
	}
	if facts.Catalog, err = s.loadCatalog(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit read: %v", ErrDataFetch, err)
	}
	return facts, nil
}

func (s *SQLStore) loadOverrides(ctx context.Context, q queryer, facts *Facts) error {
	rows, err := q.QueryContext(ctx,
		`SELECT code, effect FROM entitle_franchise_overrides WHERE tenant_id = $1`,
		facts.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code, effect string
		if err := rows.Scan(&code, &effect); err != nil {
			return fmt.Errorf("failed to scan override: %w", err)
		}
		facts.Overrides[PermissionCode(code)] = Effect(effect)
	}
	return rows.Err()
}

func (s *SQLStore) loadExceptions(ctx context.Context, q queryer, facts *Facts, userID string) error {
	rows, err := q.QueryContext(ctx,
		`SELECT code, kind FROM entitle_user_exceptions WHERE tenant_id = $1 AND user_id = $2`,
		facts.TenantID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to query user exceptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code, kind string
		if err := rows.Scan(&code, &kind); err != nil {
			return fmt.Errorf("failed to scan user exception: %w", err)
		}
		if ExceptionKind(kind) == ExceptionDeny {
			facts.Denials[PermissionCode(code)] = struct{}{}
		} else {
			facts.Grants[PermissionCode(code)] = struct{}{}
		}
	}
	return rows.Err()
}

// Catalog returns the current module registry
func (s *SQLStore) Catalog(ctx context.Context) (*Catalog, error) {
	c, err := s.loadCatalog(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	return c, nil
}

func (s *SQLStore) loadCatalog(ctx context.Context, q queryer) (*Catalog, error) {
	var version int64
	if err := q.QueryRowContext(ctx, `SELECT version FROM entitle_catalog_meta WHERE id = 1`).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to read catalog version: %w", err)
	}
	return s.catalogFor(ctx, q, version)
}

// lockCatalog takes the write lock on the catalog version row and returns
// the version it holds. Registrations serialize on it, so each committed
// version names exactly one module set.
func (s *SQLStore) lockCatalog(ctx context.Context, tx *sql.Tx) (int64, error) {
	if s.driver == DriverSQLite {
		// a write is the only way to take SQLite's reserved lock up front
		if _, err := tx.ExecContext(ctx, `UPDATE entitle_catalog_meta SET version = version WHERE id = 1`); err != nil {
			return 0, fmt.Errorf("failed to lock catalog: %w", err)
		}
	}

	query := `SELECT version FROM entitle_catalog_meta WHERE id = 1`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var version int64
	if err := tx.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to lock catalog: %w", err)
	}
	return version, nil
}

// catalogFor reuses the cached catalog while the persisted version is unchanged
func (s *SQLStore) catalogFor(ctx context.Context, q queryer, version int64) (*Catalog, error) {
	s.mu.Lock()
	cached := s.catalog
	s.mu.Unlock()
	if cached != nil && cached.Version() == version {
		return cached, nil
	}

	mods, err := readModules(ctx, q)
	if err != nil {
		return nil, err
	}
	c, err := catalogAt(version, mods)
	if err != nil {
		return nil, fmt.Errorf("persisted catalog is invalid: %w", err)
	}

	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
	return c, nil
}

func readModules(ctx context.Context, q queryer) ([]Module, error) {
	rows, err := q.QueryContext(ctx, `SELECT code, name, is_core FROM entitle_modules ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query modules: %w", err)
	}
	byCode := make(map[ModuleCode]*Module)
	var order []ModuleCode
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.Code, &m.Name, &m.IsCore); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		byCode[m.Code] = &m
		order = append(order, m.Code)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read modules: %w", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT code, module FROM entitle_module_permissions ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query module permissions: %w", err)
	}
	for rows.Next() {
		var code PermissionCode
		var module ModuleCode
		if err := rows.Scan(&code, &module); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan module permission: %w", err)
		}
		if m, ok := byCode[module]; ok {
			m.Permissions = append(m.Permissions, code)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read module permissions: %w", err)
	}

	rows, err = q.QueryContext(ctx,
		`SELECT module, required_module, is_required FROM entitle_module_dependencies ORDER BY module, required_module`)
	if err != nil {
		return nil, fmt.Errorf("failed to query module dependencies: %w", err)
	}
	for rows.Next() {
		var module ModuleCode
		var d Dependency
		if err := rows.Scan(&module, &d.Module, &d.Required); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan module dependency: %w", err)
		}
		if m, ok := byCode[module]; ok {
			m.Dependencies = append(m.Dependencies, d)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read module dependencies: %w", err)
	}

	mods := make([]Module, 0, len(order))
	for _, code := range order {
		mods = append(mods, *byCode[code])
	}
	return mods, nil
}

// RegisterModules adds or replaces module definitions. The new graph is
// validated against the persisted one inside the same transaction, with the
// catalog version row locked for its duration.
func (s *SQLStore) RegisterModules(ctx context.Context, mods ...Module) (*Catalog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	version, err := s.lockCatalog(ctx, tx)
	if err != nil {
		return nil, err
	}
	current, err := s.catalogFor(ctx, tx, version)
	if err != nil {
		return nil, err
	}
	next, err := current.With(mods...)
	if err != nil {
		return nil, err
	}

	if err := writeModules(ctx, tx, mods); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entitle_catalog_meta SET version = $1 WHERE id = 1`, next.Version(),
	); err != nil {
		return nil, fmt.Errorf("failed to bump catalog version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit modules: %w", err)
	}

	s.mu.Lock()
	s.catalog = next
	s.mu.Unlock()
	return next, nil
}

// writeModules clears every permission row of the batch before inserting any,
// so a code may move between modules registered together.
func writeModules(ctx context.Context, tx *sql.Tx, mods []Module) error {
	for _, m := range mods {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entitle_modules (code, name, is_core)
			VALUES ($1, $2, $3)
			ON CONFLICT (code) DO UPDATE SET name = excluded.name, is_core = excluded.is_core
		`, m.Code, m.Name, m.IsCore); err != nil {
			return fmt.Errorf("failed to upsert module %s: %w", m.Code, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entitle_module_permissions WHERE module = $1`, m.Code); err != nil {
			return fmt.Errorf("failed to clear permissions of %s: %w", m.Code, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entitle_module_dependencies WHERE module = $1`, m.Code); err != nil {
			return fmt.Errorf("failed to clear dependencies of %s: %w", m.Code, err)
		}
	}

	for _, m := range mods {
		for _, p := range m.Permissions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entitle_module_permissions (code, module) VALUES ($1, $2)`, p, m.Code,
			); err != nil {
				return fmt.Errorf("failed to insert permission %s: %w", p, err)
			}
		}
		for _, d := range m.Dependencies {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entitle_module_dependencies (module, required_module, is_required) VALUES ($1, $2, $3)`,
				m.Code, d.Module, d.Required,
			); err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", m.Code, d.Module, err)
			}
		}
	}
	return nil
}

// PutUser creates or updates a user
func (s *SQLStore) PutUser(ctx context.Context, user User) error {
	if user.ID == "" || user.TenantID == "" {
		return fmt.Errorf("%w: user id and tenant id are required", ErrInvalidInput)
	}
	if !user.Type.Valid() {
		return fmt.Errorf("%w: user type %q", ErrInvalidInput, user.Type)
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitle_users (tenant_id, user_id, user_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET user_type = excluded.user_type, updated_at = excluded.updated_at
	`, user.TenantID, user.ID, string(user.Type), now)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// GetUser retrieves a user
func (s *SQLStore) GetUser(ctx context.Context, tenantID, userID string) (User, error) {
	return getUser(ctx, s.db, tenantID, userID)
}

func getUser(ctx context.Context, q queryer, tenantID, userID string) (User, error) {
	user := User{ID: userID, TenantID: tenantID}
	var userType string
	err := q.QueryRowContext(ctx, `
		SELECT user_type, created_at, updated_at
		FROM entitle_users
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID).Scan(&userType, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return User{}, fmt.Errorf("%w: user %s in tenant %s", ErrNotFound, userID, tenantID)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user: %w", err)
	}
	user.Type = UserType(userType)
	return user, nil
}

// PutRole creates or updates a role
func (s *SQLStore) PutRole(ctx context.Context, role Role) error {
	if role.ID == "" || role.Name == "" {
		return fmt.Errorf("%w: role id and name are required", ErrInvalidInput)
	}

	permissionsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	var tenantID sql.NullString
	if !role.IsSystem() {
		tenantID = sql.NullString{String: role.TenantID, Valid: true}
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entitle_roles (id, tenant_id, name, description, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			name = excluded.name,
			description = excluded.description,
			permissions = excluded.permissions,
			updated_at = excluded.updated_at
	`, role.ID, tenantID, role.Name, role.Description, string(permissionsJSON), now)
	if err != nil {
		return fmt.Errorf("failed to put role: %w", err)
	}
	return nil
}

// GetRole retrieves a role by ID
func (s *SQLStore) GetRole(ctx context.Context, roleID string) (Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, permissions, created_at, updated_at
		FROM entitle_roles
		WHERE id = $1
	`, roleID)

	role, err := scanRole(row)
	if err == sql.ErrNoRows {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	if err != nil {
		return Role{}, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (Role, error) {
	var role Role
	var tenantID, description sql.NullString
	var permissionsJSON string

	if err := row.Scan(
		&role.ID,
		&tenantID,
		&role.Name,
		&description,
		&permissionsJSON,
		&role.CreatedAt,
		&role.UpdatedAt,
	); err != nil {
		return Role{}, err
	}

	if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
		return Role{}, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	role.TenantID = tenantID.String
	role.Description = description.String
	return role, nil
}

// UserRoles returns the roles a user holds within a tenant
func (s *SQLStore) UserRoles(ctx context.Context, tenantID, userID string) ([]Role, error) {
	return userRoles(ctx, s.db, tenantID, userID)
}

func userRoles(ctx context.Context, q queryer, tenantID, userID string) ([]Role, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT r.id, r.tenant_id, r.name, r.description, r.permissions, r.created_at, r.updated_at
		FROM entitle_roles r
		JOIN entitle_user_roles ur ON ur.role_id = r.id
		WHERE ur.tenant_id = $1 AND ur.user_id = $2
		ORDER BY r.name
	`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user roles: %w", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// AssignRole grants a role to a user within a tenant
func (s *SQLStore) AssignRole(ctx context.Context, tenantID, userID, roleID string) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.IsSystem() && role.TenantID != tenantID {
		return fmt.Errorf("%w: role %s belongs to another tenant", ErrInvalidInput, roleID)
	}
	if _, err := s.GetUser(ctx, tenantID, userID); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entitle_user_roles (tenant_id, user_id, role_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id, role_id) DO NOTHING
	`, tenantID, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole removes a role from a user
func (s *SQLStore) RevokeRole(ctx context.Context, tenantID, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entitle_user_roles WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3`,
		tenantID, userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

// GetOverride returns the tenant override for code, or nil when none exists
func (s *SQLStore) GetOverride(ctx context.Context, tenantID string, code PermissionCode) (*Override, error) {
	o := Override{TenantID: tenantID, Code: code}
	var effect string
	err := s.db.QueryRowContext(ctx, `
		SELECT effect, updated_at FROM entitle_franchise_overrides
		WHERE tenant_id = $1 AND code = $2
	`, tenantID, code).Scan(&effect, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override: %w", err)
	}
	o.Effect = Effect(effect)
	return &o, nil
}

// SetOverride creates or replaces a tenant override
func (s *SQLStore) SetOverride(ctx context.Context, o Override) error {
	if !o.Effect.Valid() {
		return fmt.Errorf("%w: effect %q", ErrInvalidInput, o.Effect)
	}
	if err := s.requireKnown(ctx, o.Code); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitle_franchise_overrides (tenant_id, code, effect, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, code) DO UPDATE SET effect = excluded.effect, updated_at = excluded.updated_at
	`, o.TenantID, o.Code, string(o.Effect), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set override: %w", err)
	}
	return nil
}

// ClearOverride removes a tenant override
func (s *SQLStore) ClearOverride(ctx context.Context, tenantID string, code PermissionCode) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entitle_franchise_overrides WHERE tenant_id = $1 AND code = $2`, tenantID, code)
	if err != nil {
		return fmt.Errorf("failed to clear override: %w", err)
	}
	return nil
}

// GetUserException returns the user's grant or denial for code, or nil
func (s *SQLStore) GetUserException(ctx context.Context, tenantID, userID string, code PermissionCode) (*UserException, error) {
	e := UserException{TenantID: tenantID, UserID: userID, Code: code}
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, updated_at FROM entitle_user_exceptions
		WHERE tenant_id = $1 AND user_id = $2 AND code = $3
	`, tenantID, userID, code).Scan(&kind, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user exception: %w", err)
	}
	e.Kind = ExceptionKind(kind)
	return &e, nil
}

// SetUserException records a grant or denial, replacing any previous one for
// the same code
func (s *SQLStore) SetUserException(ctx context.Context, e UserException) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: exception kind %q", ErrInvalidInput, e.Kind)
	}
	if err := s.requireKnown(ctx, e.Code); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitle_user_exceptions (tenant_id, user_id, code, kind, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, user_id, code) DO UPDATE SET kind = excluded.kind, updated_at = excluded.updated_at
	`, e.TenantID, e.UserID, e.Code, string(e.Kind), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set user exception: %w", err)
	}
	return nil
}

// ClearUserException removes a grant or denial
func (s *SQLStore) ClearUserException(ctx context.Context, tenantID, userID string, code PermissionCode) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entitle_user_exceptions WHERE tenant_id = $1 AND user_id = $2 AND code = $3`,
		tenantID, userID, code,
	)
	if err != nil {
		return fmt.Errorf("failed to clear user exception: %w", err)
	}
	return nil
}

func (s *SQLStore) requireKnown(ctx context.Context, code PermissionCode) error {
	c, err := s.Catalog(ctx)
	if err != nil {
		return err
	}
	if !c.Known(code) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, code)
	}
	return nil
}

// GetSubscription returns the tenant's subscription to module, or nil
func (s *SQLStore) GetSubscription(ctx context.Context, tenantID string, module ModuleCode) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, module, status, trial_ends_at, period_start, period_end, updated_at
		FROM entitle_module_subscriptions
		WHERE tenant_id = $1 AND module = $2
	`, tenantID, module)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns all of a tenant's subscriptions ordered by module
func (s *SQLStore) ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error) {
	return listSubscriptions(ctx, s.db, tenantID)
}

func listSubscriptions(ctx context.Context, q queryer, tenantID string) ([]Subscription, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tenant_id, module, status, trial_ends_at, period_start, period_end, updated_at
		FROM entitle_module_subscriptions
		WHERE tenant_id = $1
		ORDER BY module
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var sub Subscription
	var status string
	var trialEndsAt, periodStart, periodEnd sql.NullTime

	if err := row.Scan(
		&sub.TenantID,
		&sub.Module,
		&status,
		&trialEndsAt,
		&periodStart,
		&periodEnd,
		&sub.UpdatedAt,
	); err != nil {
		return Subscription{}, err
	}

	sub.Status = SubscriptionStatus(status)
	sub.TrialEndsAt = nullTimePtr(trialEndsAt)
	sub.PeriodStart = nullTimePtr(periodStart)
	sub.PeriodEnd = nullTimePtr(periodEnd)
	return sub, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timePtrArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// PutSubscription creates or replaces a subscription
func (s *SQLStore) PutSubscription(ctx context.Context, sub Subscription) error {
	if !sub.Status.Valid() {
		return fmt.Errorf("%w: subscription status %q", ErrInvalidInput, sub.Status)
	}
	c, err := s.Catalog(ctx)
	if err != nil {
		return err
	}
	if _, ok := c.Module(sub.Module); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, sub.Module)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entitle_module_subscriptions (tenant_id, module, status, trial_ends_at, period_start, period_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, module) DO UPDATE SET
			status = excluded.status,
			trial_ends_at = excluded.trial_ends_at,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			updated_at = excluded.updated_at
	`,
		sub.TenantID,
		sub.Module,
		string(sub.Status),
		timePtrArg(sub.TrialEndsAt),
		timePtrArg(sub.PeriodStart),
		timePtrArg(sub.PeriodEnd),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	return nil
}

// Close closes the underlying database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}
