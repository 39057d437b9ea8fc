package entitlements

import (
	"time"

	"github.com/platinummonkey/entitle/pkg/policy"
)

// ModuleEntry is one module's state within a snapshot
type ModuleEntry struct {
	Code     policy.ModuleCode `json:"code"`
	Enabled  bool              `json:"enabled"`
	Degraded bool              `json:"degraded"`
}

// Snapshot is the complete resolution for one user at one instant. It is
// also the wire document served to clients.
type Snapshot struct {
	TenantID       string                  `json:"tenantId"`
	UserID         string                  `json:"userId"`
	UserType       policy.UserType         `json:"userType"`
	Permissions    []policy.PermissionCode `json:"permissions"`
	Modules        []ModuleEntry           `json:"modules"`
	Roles          []string                `json:"roles"`
	ResolvedAt     time.Time               `json:"resolvedAt"`
	CatalogVersion int64                   `json:"catalogVersion"`
}

// HasPermission reports whether code is in the granted set
func (s *Snapshot) HasPermission(code policy.PermissionCode) bool {
	for _, p := range s.Permissions {
		if p == code {
			return true
		}
	}
	return false
}

// IsModuleEnabled reports whether module is enabled in the snapshot
func (s *Snapshot) IsModuleEnabled(module policy.ModuleCode) bool {
	for _, m := range s.Modules {
		if m.Code == module {
			return m.Enabled
		}
	}
	return false
}
