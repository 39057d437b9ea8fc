package policy

import "context"

// Reader is the read model consumed by entitlement resolution. LoadFacts must
// return a single consistent view; any backend failure is wrapped in
// ErrDataFetch.
type Reader interface {
	// LoadFacts reads all facts for one user within a tenant
	LoadFacts(ctx context.Context, tenantID, userID string) (*Facts, error)

	// Catalog returns the current module registry
	Catalog(ctx context.Context) (*Catalog, error)
}

// Writer mutates current state. Writers keep no history; callers that need
// an audit trail go through entitlements.Admin.
type Writer interface {
	// RegisterModules adds or replaces module definitions, rejecting cycles
	RegisterModules(ctx context.Context, mods ...Module) (*Catalog, error)

	PutUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, tenantID, userID string) (User, error)

	PutRole(ctx context.Context, role Role) error
	GetRole(ctx context.Context, roleID string) (Role, error)
	UserRoles(ctx context.Context, tenantID, userID string) ([]Role, error)
	AssignRole(ctx context.Context, tenantID, userID, roleID string) error
	RevokeRole(ctx context.Context, tenantID, userID, roleID string) error

	GetOverride(ctx context.Context, tenantID string, code PermissionCode) (*Override, error)
	SetOverride(ctx context.Context, o Override) error
	ClearOverride(ctx context.Context, tenantID string, code PermissionCode) error

	GetUserException(ctx context.Context, tenantID, userID string, code PermissionCode) (*UserException, error)
	SetUserException(ctx context.Context, e UserException) error
	ClearUserException(ctx context.Context, tenantID, userID string, code PermissionCode) error

	GetSubscription(ctx context.Context, tenantID string, module ModuleCode) (*Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error)
	PutSubscription(ctx context.Context, sub Subscription) error
}

// Store is a complete fact store
type Store interface {
	Reader
	Writer

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error

	Close() error
}
