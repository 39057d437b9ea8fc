package rbac

import "github.com/platinummonkey/entitle/pkg/policy"

// Tier identifies which precedence tier produced a decision
type Tier string

const (
	// TierUnknownCode means the code is not in the catalog; always denied
	TierUnknownCode Tier = "unknown_code"
	// TierModuleDisabled means the owning module is not enabled for the tenant
	TierModuleDisabled Tier = "module_disabled"
	TierUserDenial     Tier = "user_denial"
	TierUserGrant      Tier = "user_grant"
	TierOverride       Tier = "franchise_override"
	TierRole           Tier = "role"
	// TierAdminDefault grants codes left unresolved to super admins and owners
	TierAdminDefault Tier = "admin_default"
	TierDefaultDeny  Tier = "default_deny"
)

// Decision is the explained outcome of evaluating one permission code
type Decision struct {
	Code         policy.PermissionCode `json:"code"`
	Allowed      bool                  `json:"allowed"`
	Tier         Tier                  `json:"tier"`
	Module       policy.ModuleCode     `json:"module,omitempty"`
	MatchedRoles []string              `json:"matched_roles,omitempty"`
	Reason       string                `json:"reason"`
}

// ModuleState is the gate's verdict for one module
type ModuleState struct {
	Code     policy.ModuleCode `json:"code"`
	Enabled  bool              `json:"enabled"`
	Degraded bool              `json:"degraded"`
	Reason   string            `json:"reason"`
}
