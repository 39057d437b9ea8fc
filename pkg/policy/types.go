package policy

import (
	"sort"
	"time"
)

// UserType classifies a user within a tenant
type UserType string

const (
	UserTypeSuperAdmin UserType = "super_admin"
	UserTypeOwner      UserType = "owner"
	UserTypeAdmin      UserType = "admin"
	UserTypeStaff      UserType = "staff"
	UserTypeCustomer   UserType = "customer"
)

// Valid reports whether t is one of the known user types
func (t UserType) Valid() bool {
	switch t {
	case UserTypeSuperAdmin, UserTypeOwner, UserTypeAdmin, UserTypeStaff, UserTypeCustomer:
		return true
	}
	return false
}

// DefaultsToGranted reports whether codes left unresolved by every other tier
// are granted to this user type.
func (t UserType) DefaultsToGranted() bool {
	return t == UserTypeSuperAdmin || t == UserTypeOwner
}

// PermissionCode is an opaque permission identifier such as POS_CREATE_SALE
type PermissionCode string

// ModuleCode identifies a subscribable feature module
type ModuleCode string

// User is the identity being resolved
type User struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Type      UserType  `json:"user_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role is a named bundle of permission codes. An empty TenantID marks a
// global system role.
type Role struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Permissions []PermissionCode `json:"permissions"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// IsSystem reports whether the role is shared by all tenants
func (r Role) IsSystem() bool {
	return r.TenantID == ""
}

// Includes reports whether the role grants code by default
func (r Role) Includes(code PermissionCode) bool {
	for _, p := range r.Permissions {
		if p == code {
			return true
		}
	}
	return false
}

// Effect is the outcome a tenant override forces
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether e is allow or deny
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// ExceptionKind distinguishes per-user grants from denials
type ExceptionKind string

const (
	ExceptionGrant ExceptionKind = "grant"
	ExceptionDeny  ExceptionKind = "deny"
)

// Valid reports whether k is grant or deny
func (k ExceptionKind) Valid() bool {
	return k == ExceptionGrant || k == ExceptionDeny
}

// Override is a tenant-level customization of a permission's default
type Override struct {
	TenantID  string         `json:"tenant_id"`
	Code      PermissionCode `json:"code"`
	Effect    Effect         `json:"effect"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UserException is an individual grant or denial layered above roles and overrides
type UserException struct {
	TenantID  string         `json:"tenant_id"`
	UserID    string         `json:"user_id"`
	Code      PermissionCode `json:"code"`
	Kind      ExceptionKind  `json:"kind"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Dependency is an edge from a module to a module it requires. Soft
// dependencies (Required == false) are informational only.
type Dependency struct {
	Module   ModuleCode `json:"module" yaml:"module"`
	Required bool       `json:"required" yaml:"required"`
}

// Module is a toggleable feature area owning a set of permission codes
type Module struct {
	Code         ModuleCode       `json:"code" yaml:"code"`
	Name         string           `json:"name" yaml:"name"`
	IsCore       bool             `json:"is_core" yaml:"core"`
	Permissions  []PermissionCode `json:"permissions" yaml:"permissions"`
	Dependencies []Dependency     `json:"dependencies,omitempty" yaml:"dependencies"`
}

// SubscriptionStatus is the billing lifecycle state of a tenant's module
type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Valid reports whether s is a known status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionTrial, SubscriptionActive, SubscriptionPastDue, SubscriptionCancelled, SubscriptionExpired:
		return true
	}
	return false
}

// Subscription is a tenant's subscription to one module
type Subscription struct {
	TenantID    string             `json:"tenant_id"`
	Module      ModuleCode         `json:"module"`
	Status      SubscriptionStatus `json:"status"`
	TrialEndsAt *time.Time         `json:"trial_ends_at,omitempty"`
	PeriodStart *time.Time         `json:"period_start,omitempty"`
	PeriodEnd   *time.Time         `json:"period_end,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// UsableAt reports whether the subscription allows use of the module at now.
// A trial past its end date is treated as expired.
func (s Subscription) UsableAt(now time.Time) bool {
	switch s.Status {
	case SubscriptionActive:
		return true
	case SubscriptionTrial:
		return s.TrialEndsAt == nil || now.Before(*s.TrialEndsAt)
	}
	return false
}

// CodeSet is a set of permission codes
type CodeSet map[PermissionCode]struct{}

// NewCodeSet builds a set from codes
func NewCodeSet(codes ...PermissionCode) CodeSet {
	s := make(CodeSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Has reports membership
func (s CodeSet) Has(code PermissionCode) bool {
	_, ok := s[code]
	return ok
}

// Sorted returns the members in lexical order
func (s CodeSet) Sorted() []PermissionCode {
	out := make([]PermissionCode, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Facts is one consistent read of everything needed to resolve a single
// user's entitlements within a tenant.
type Facts struct {
	TenantID      string
	User          User
	Roles         []Role
	Overrides     map[PermissionCode]Effect
	Grants        CodeSet
	Denials       CodeSet
	Catalog       *Catalog
	Subscriptions map[ModuleCode]Subscription
}
