package audit

import (
	"encoding/json"
	"time"
)

// Action names the admin mutation an entry records
type Action string

const (
	// Role events
	ActionRolePut    Action = "role.put"
	ActionRoleAssign Action = "role.assign"
	ActionRoleRevoke Action = "role.revoke"

	// Permission events
	ActionOverrideSet    Action = "override.set"
	ActionOverrideClear  Action = "override.clear"
	ActionUserGrant      Action = "user.grant"
	ActionUserDeny       Action = "user.deny"
	ActionExceptionClear Action = "user.exception_clear"

	// User events
	ActionUserPut        Action = "user.put"
	ActionUserTypeChange Action = "user.type_change"

	// Module events
	ActionModuleEnable   Action = "module.enable"
	ActionModuleDisable  Action = "module.disable"
	ActionModuleRegister Action = "catalog.register"

	// Authorization events
	ActionAccessDenied Action = "authz.access_denied"
)

// TargetType is the kind of entity an action was applied to
type TargetType string

const (
	TargetUser       TargetType = "user"
	TargetRole       TargetType = "role"
	TargetPermission TargetType = "permission"
	TargetModule     TargetType = "module"
	TargetCatalog    TargetType = "catalog"
)

// Entry is one immutable audit record
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Action    Action    `json:"action"`

	TargetType TargetType `json:"target_type"`
	TargetID   string     `json:"target_id"`

	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`

	// Changes holds the before/after values of the mutated fact
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates. A nil side means
// the fact did not exist.
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the entry to JSON
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an entry from JSON
func FromJSON(data []byte) (*Entry, error) {
	var entry Entry
	err := json.Unmarshal(data, &entry)
	return &entry, err
}

// Filter selects entries from a queryable sink. Zero fields match everything.
type Filter struct {
	TenantID   string
	Actor      string
	Actions    []Action
	TargetType TargetType
	TargetID   string

	StartTime *time.Time
	EndTime   *time.Time

	// Limit caps the number of entries returned, newest first
	Limit int
}

// Matches reports whether e satisfies every set field of f
func (f Filter) Matches(e *Entry) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TargetType != "" && e.TargetType != f.TargetType {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// ExportFormat represents the format for exporting audit entries
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)
