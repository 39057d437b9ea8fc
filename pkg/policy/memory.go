package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type userKey struct{ tenantID, userID string }

type codeKey struct {
	tenantID string
	code     PermissionCode
}

type userCodeKey struct {
	tenantID, userID string
	code             PermissionCode
}

type moduleKey struct {
	tenantID string
	module   ModuleCode
}

// MemoryStore is an in-process Store guarded by a single RWMutex. LoadFacts
// holds the read lock for the whole read, so a resolution never observes a
// half-applied mutation.
type MemoryStore struct {
	mu            sync.RWMutex
	catalog       *Catalog
	users         map[userKey]User
	roles         map[string]Role
	assignments   map[userKey]map[string]struct{}
	overrides     map[codeKey]Override
	exceptions    map[userCodeKey]UserException
	subscriptions map[moduleKey]Subscription
	closed        bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		catalog:       NewCatalog(),
		users:         make(map[userKey]User),
		roles:         make(map[string]Role),
		assignments:   make(map[userKey]map[string]struct{}),
		overrides:     make(map[codeKey]Override),
		exceptions:    make(map[userCodeKey]UserException),
		subscriptions: make(map[moduleKey]Subscription),
	}
}

// LoadFacts reads every fact for one user within a tenant
func (s *MemoryStore) LoadFacts(ctx context.Context, tenantID, userID string) (*Facts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("%w: store closed", ErrDataFetch)
	}

	user, ok := s.users[userKey{tenantID, userID}]
	if !ok {
		return nil, fmt.Errorf("%w: user %s in tenant %s", ErrNotFound, userID, tenantID)
	}

	facts := &Facts{
		TenantID:      tenantID,
		User:          user,
		Overrides:     make(map[PermissionCode]Effect),
		Grants:        make(CodeSet),
		Denials:       make(CodeSet),
		Catalog:       s.catalog,
		Subscriptions: make(map[ModuleCode]Subscription),
	}

	facts.Roles = s.userRolesLocked(tenantID, userID)

	for k, o := range s.overrides {
		if k.tenantID == tenantID {
			facts.Overrides[k.code] = o.Effect
		}
	}
	for k, e := range s.exceptions {
		if k.tenantID != tenantID || k.userID != userID {
			continue
		}
		if e.Kind == ExceptionDeny {
			facts.Denials[k.code] = struct{}{}
		} else {
			facts.Grants[k.code] = struct{}{}
		}
	}
	for k, sub := range s.subscriptions {
		if k.tenantID == tenantID {
			facts.Subscriptions[k.module] = sub
		}
	}

	return facts, nil
}

// Catalog returns the current module registry
func (s *MemoryStore) Catalog(ctx context.Context) (*Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog, nil
}

// RegisterModules adds or replaces module definitions
func (s *MemoryStore) RegisterModules(ctx context.Context, mods ...Module) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.catalog.With(mods...)
	if err != nil {
		return nil, err
	}
	s.catalog = next
	return next, nil
}

// PutUser creates or updates a user
func (s *MemoryStore) PutUser(ctx context.Context, user User) error {
	if user.ID == "" || user.TenantID == "" {
		return fmt.Errorf("%w: user id and tenant id are required", ErrInvalidInput)
	}
	if !user.Type.Valid() {
		return fmt.Errorf("%w: user type %q", ErrInvalidInput, user.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := userKey{user.TenantID, user.ID}
	if existing, ok := s.users[key]; ok {
		user.CreatedAt = existing.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.users[key] = user
	return nil
}

// GetUser retrieves a user
func (s *MemoryStore) GetUser(ctx context.Context, tenantID, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userKey{tenantID, userID}]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s in tenant %s", ErrNotFound, userID, tenantID)
	}
	return user, nil
}

// PutRole creates or updates a role
func (s *MemoryStore) PutRole(ctx context.Context, role Role) error {
	if role.ID == "" || role.Name == "" {
		return fmt.Errorf("%w: role id and name are required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.roles[role.ID]; ok {
		role.CreatedAt = existing.CreatedAt
	} else if role.CreatedAt.IsZero() {
		role.CreatedAt = now
	}
	role.UpdatedAt = now
	role.Permissions = append([]PermissionCode(nil), role.Permissions...)
	s.roles[role.ID] = role
	return nil
}

// GetRole retrieves a role by ID
func (s *MemoryStore) GetRole(ctx context.Context, roleID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	role.Permissions = append([]PermissionCode(nil), role.Permissions...)
	return role, nil
}

// UserRoles returns the roles a user holds within a tenant
func (s *MemoryStore) UserRoles(ctx context.Context, tenantID, userID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userRolesLocked(tenantID, userID), nil
}

func (s *MemoryStore) userRolesLocked(tenantID, userID string) []Role {
	ids := s.assignments[userKey{tenantID, userID}]
	roles := make([]Role, 0, len(ids))
	for id := range ids {
		if role, ok := s.roles[id]; ok {
			role.Permissions = append([]PermissionCode(nil), role.Permissions...)
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles
}

// AssignRole grants a role to a user within a tenant
func (s *MemoryStore) AssignRole(ctx context.Context, tenantID, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roles[roleID]
	if !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	if !role.IsSystem() && role.TenantID != tenantID {
		return fmt.Errorf("%w: role %s belongs to another tenant", ErrInvalidInput, roleID)
	}
	if _, ok := s.users[userKey{tenantID, userID}]; !ok {
		return fmt.Errorf("%w: user %s in tenant %s", ErrNotFound, userID, tenantID)
	}

	key := userKey{tenantID, userID}
	if s.assignments[key] == nil {
		s.assignments[key] = make(map[string]struct{})
	}
	s.assignments[key][roleID] = struct{}{}
	return nil
}

// RevokeRole removes a role from a user
func (s *MemoryStore) RevokeRole(ctx context.Context, tenantID, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.assignments[userKey{tenantID, userID}], roleID)
	return nil
}

// GetOverride returns the tenant override for code, or nil when none exists
func (s *MemoryStore) GetOverride(ctx context.Context, tenantID string, code PermissionCode) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[codeKey{tenantID, code}]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// SetOverride creates or replaces a tenant override
func (s *MemoryStore) SetOverride(ctx context.Context, o Override) error {
	if !o.Effect.Valid() {
		return fmt.Errorf("%w: effect %q", ErrInvalidInput, o.Effect)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.catalog.Known(o.Code) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, o.Code)
	}
	o.UpdatedAt = time.Now().UTC()
	s.overrides[codeKey{o.TenantID, o.Code}] = o
	return nil
}

// ClearOverride removes a tenant override
func (s *MemoryStore) ClearOverride(ctx context.Context, tenantID string, code PermissionCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.overrides, codeKey{tenantID, code})
	return nil
}

// GetUserException returns the user's grant or denial for code, or nil
func (s *MemoryStore) GetUserException(ctx context.Context, tenantID, userID string, code PermissionCode) (*UserException, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.exceptions[userCodeKey{tenantID, userID, code}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// SetUserException records a grant or denial, replacing any previous one for
// the same code.
func (s *MemoryStore) SetUserException(ctx context.Context, e UserException) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: exception kind %q", ErrInvalidInput, e.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.catalog.Known(e.Code) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, e.Code)
	}
	e.UpdatedAt = time.Now().UTC()
	s.exceptions[userCodeKey{e.TenantID, e.UserID, e.Code}] = e
	return nil
}

// ClearUserException removes a grant or denial
func (s *MemoryStore) ClearUserException(ctx context.Context, tenantID, userID string, code PermissionCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.exceptions, userCodeKey{tenantID, userID, code})
	return nil
}

// GetSubscription returns the tenant's subscription to module, or nil
func (s *MemoryStore) GetSubscription(ctx context.Context, tenantID string, module ModuleCode) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[moduleKey{tenantID, module}]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// ListSubscriptions returns all of a tenant's subscriptions ordered by module
func (s *MemoryStore) ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []Subscription
	for k, sub := range s.subscriptions {
		if k.tenantID == tenantID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Module < subs[j].Module })
	return subs, nil
}

// PutSubscription creates or replaces a subscription
func (s *MemoryStore) PutSubscription(ctx context.Context, sub Subscription) error {
	if !sub.Status.Valid() {
		return fmt.Errorf("%w: subscription status %q", ErrInvalidInput, sub.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.catalog.Module(sub.Module); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, sub.Module)
	}
	sub.UpdatedAt = time.Now().UTC()
	s.subscriptions[moduleKey{sub.TenantID, sub.Module}] = sub
	return nil
}

// Ping always succeeds unless the store is closed
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ErrDataFetch)
	}
	return nil
}

// Close marks the store unavailable; subsequent reads fail with ErrDataFetch
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
