package entitlements

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/entitle/pkg/audit"
	"github.com/platinummonkey/entitle/pkg/contextkeys"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/policy"
)

// Identity headers set by the authenticating gateway in front of the service
const (
	ActorHeader  = "X-Actor-ID"
	TenantHeader = "X-Tenant-ID"
)

// Handlers serves entitlement snapshots and the admin API
type Handlers struct {
	service *Service
	admin   *Admin
	options
}

// NewHandlers creates the HTTP handlers
func NewHandlers(service *Service, admin *Admin, opts ...Option) *Handlers {
	return &Handlers{
		service: service,
		admin:   admin,
		options: buildOptions(opts),
	}
}

// traceLogger tags the request logger with the server span
func traceLogger(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := observability.WithTraceContext(ctx, observability.GetLogger(ctx))
		next(w, r.WithContext(observability.WithLogger(ctx, logger)))
	}
}

// RegisterRoutes registers all entitlement routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	handle := func(path string, fn http.HandlerFunc, methods ...string) {
		router.Handle(path, otelhttp.NewHandler(traceLogger(fn), path)).Methods(methods...)
	}

	// Client snapshot and single checks
	handle("/tenant/{tenantId}/user/{userId}/entitlements", h.selfOr(PermManageAccess, h.GetEntitlements), http.MethodGet)
	handle("/tenant/{tenantId}/user/{userId}/check/{code}", h.selfOr(PermManageAccess, h.CheckPermission), http.MethodGet)

	// Users and roles
	const tenant = "/admin/tenant/{tenantId}"
	handle(tenant+"/users/{userId}", h.RequirePermission(PermManageAccess, h.PutUser), http.MethodPut)
	handle(tenant+"/users/{userId}/type", h.RequirePermission(PermManageAccess, h.SetUserType), http.MethodPut)
	handle(tenant+"/roles/{roleId}", h.RequirePermission(PermManageAccess, h.PutRole), http.MethodPut)
	handle(tenant+"/users/{userId}/roles/{roleId}", h.RequirePermission(PermManageAccess, h.AssignRole), http.MethodPost)
	handle(tenant+"/users/{userId}/roles/{roleId}", h.RequirePermission(PermManageAccess, h.RevokeRole), http.MethodDelete)

	// Overrides and user exceptions
	handle(tenant+"/overrides/{code}", h.RequirePermission(PermManageAccess, h.SetOverride), http.MethodPut)
	handle(tenant+"/overrides/{code}", h.RequirePermission(PermManageAccess, h.ClearOverride), http.MethodDelete)
	handle(tenant+"/users/{userId}/exceptions/{code}", h.RequirePermission(PermManageAccess, h.SetUserException), http.MethodPut)
	handle(tenant+"/users/{userId}/exceptions/{code}", h.RequirePermission(PermManageAccess, h.ClearUserException), http.MethodDelete)

	// Module subscriptions
	handle(tenant+"/modules/{module}", h.RequirePermission(PermManageModules, h.EnableModule), http.MethodPut)
	handle(tenant+"/modules/{module}", h.RequirePermission(PermManageModules, h.DisableModule), http.MethodDelete)

	// Audit trail
	handle(tenant+"/audit", h.RequirePermission(PermManageAccess, h.ListAudit), http.MethodGet)

	// Catalog
	handle("/admin/modules", h.requireCatalogAdmin(h.RegisterModules), http.MethodPost)
}

// IdentityMiddleware copies the gateway identity headers into the request
// context
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if actor := r.Header.Get(ActorHeader); actor != "" {
			ctx = contextkeys.WithActorID(ctx, actor)
		}
		if tenant := r.Header.Get(TenantHeader); tenant != "" {
			ctx = contextkeys.WithTenantID(ctx, tenant)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestTenant is the tenant in the route, falling back to the identity
// header for routes that are not tenant scoped
func requestTenant(r *http.Request) string {
	if tenantID, err := httputil.ParsePathString(r, "tenantId"); err == nil {
		return tenantID
	}
	return contextkeys.GetTenantID(r.Context())
}

// RequirePermission wraps next so it only runs when the acting user holds
// code in the request tenant. The check goes through the same resolution as
// every other decision.
func (h *Handlers) RequirePermission(code policy.PermissionCode, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor := contextkeys.GetActorID(ctx)
		if actor == "" {
			httputil.WriteUnauthorized(w, "missing actor identity")
			return
		}
		tenantID := requestTenant(r)
		if tenantID == "" {
			httputil.WriteBadRequest(w, "missing tenant")
			return
		}

		d, err := h.service.Check(ctx, tenantID, actor, code)
		switch {
		case errors.Is(err, policy.ErrNotFound):
			// actors unknown to the tenant are denied like any other
		case errors.Is(err, policy.ErrDataFetch):
			observability.FromContext(ctx).WithError(err).Error("permission check failed")
			httputil.WriteServiceUnavailable(w, "entitlements unavailable")
			return
		case err != nil:
			writeError(w, err)
			return
		}

		if err != nil || !d.Allowed {
			h.recordDenial(r, actor, tenantID, code, d.Reason)
			httputil.WriteForbiddenPermission(w, string(code))
			return
		}
		next(w, r)
	}
}

// requireCatalogAdmin guards the catalog shared by every tenant. Only a
// super_admin of the platform tenant who also resolves ADMIN_MANAGE_MODULES
// there may change it.
func (h *Handlers) requireCatalogAdmin(next http.HandlerFunc) http.HandlerFunc {
	protected := h.RequirePermission(PermManageModules, next)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor := contextkeys.GetActorID(ctx)
		if actor == "" {
			httputil.WriteUnauthorized(w, "missing actor identity")
			return
		}
		tenantID := contextkeys.GetTenantID(ctx)
		if h.platformTenant == "" || tenantID != h.platformTenant {
			h.recordDenial(r, actor, tenantID, PermManageModules, "catalog changes require the platform tenant")
			httputil.WriteForbiddenPermission(w, string(PermManageModules))
			return
		}

		user, err := h.admin.store.GetUser(ctx, tenantID, actor)
		if err != nil && !errors.Is(err, policy.ErrNotFound) {
			observability.FromContext(ctx).WithError(err).Error("catalog admin lookup failed")
			httputil.WriteServiceUnavailable(w, "entitlements unavailable")
			return
		}
		if err != nil || user.Type != policy.UserTypeSuperAdmin {
			h.recordDenial(r, actor, tenantID, PermManageModules, "catalog changes require super_admin")
			httputil.WriteForbiddenPermission(w, string(PermManageModules))
			return
		}
		protected(w, r)
	}
}

// allowUserType reports whether the caller may give a user userType. Owner
// and super_admin resolve every code, so only callers who already hold one
// of them may hand them out.
func (h *Handlers) allowUserType(w http.ResponseWriter, r *http.Request, tenantID string, userType policy.UserType) bool {
	if !userType.DefaultsToGranted() {
		return true
	}

	ctx := r.Context()
	actor := contextkeys.GetActorID(ctx)
	caller, err := h.admin.store.GetUser(ctx, tenantID, actor)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		observability.FromContext(ctx).WithError(err).Error("caller lookup failed")
		httputil.WriteServiceUnavailable(w, "entitlements unavailable")
		return false
	}
	if err == nil && caller.Type.DefaultsToGranted() {
		return true
	}

	h.recordDenial(r, actor, tenantID, PermManageAccess, "only an owner or super_admin may grant "+string(userType))
	httputil.WriteErrorMessage(w, http.StatusForbidden, "only an owner or super_admin may grant "+string(userType))
	return false
}

// selfOr lets users read their own entitlements and requires code for
// anyone else's
func (h *Handlers) selfOr(code policy.PermissionCode, next http.HandlerFunc) http.HandlerFunc {
	protected := h.RequirePermission(code, next)
	return func(w http.ResponseWriter, r *http.Request) {
		if actor := contextkeys.GetActorID(r.Context()); actor != "" && actor == mux.Vars(r)["userId"] {
			next(w, r)
			return
		}
		protected(w, r)
	}
}

func (h *Handlers) recordDenial(r *http.Request, actor, tenantID string, code policy.PermissionCode, reason string) {
	if h.admin == nil {
		return
	}
	ctx := r.Context()
	entry := &audit.Entry{
		Timestamp:  h.clock.Now().UTC(),
		Actor:      actor,
		TenantID:   tenantID,
		Action:     audit.ActionAccessDenied,
		TargetType: audit.TargetPermission,
		TargetID:   string(code),
		Message:    r.Method + " " + r.URL.Path,
	}
	if reason != "" {
		entry.Changes = changes(nil, map[string]interface{}{"reason": reason})
	}
	if err := h.admin.trail.Append(ctx, entry); err != nil {
		h.metrics.ObserveAuditAppend(err)
		observability.FromContext(ctx).WithError(err).Warn("failed to record access denial")
	}
}

// writeError maps domain errors to status codes
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, policy.ErrInvalidInput),
		errors.Is(err, policy.ErrUnknownPermission),
		errors.Is(err, policy.ErrUnknownModule),
		errors.Is(err, policy.ErrDuplicatePermission):
		httputil.WriteError(w, http.StatusBadRequest, err)
	case errors.Is(err, policy.ErrCyclicDependency), errors.Is(err, policy.ErrUnmetDependency):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, policy.ErrDataFetch):
		httputil.WriteError(w, http.StatusServiceUnavailable, err)
	default:
		httputil.WriteInternalError(w, err)
	}
}

// GetEntitlements returns the full snapshot for one user
func (h *Handlers) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snap, err := h.service.GetEntitlements(r.Context(), vars["tenantId"], vars["userId"])
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, snap)
}

// CheckPermission explains the decision for a single code
func (h *Handlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := h.service.Check(r.Context(), vars["tenantId"], vars["userId"], policy.PermissionCode(vars["code"]))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

type putUserRequest struct {
	UserType policy.UserType `json:"userType"`
}

// PutUser creates or updates a user
func (h *Handlers) PutUser(w http.ResponseWriter, r *http.Request) {
	var req putUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	vars := mux.Vars(r)
	if !h.allowUserType(w, r, vars["tenantId"], req.UserType) {
		return
	}
	user := policy.User{ID: vars["userId"], TenantID: vars["tenantId"], Type: req.UserType}
	if err := h.admin.PutUser(r.Context(), contextkeys.GetActorID(r.Context()), user); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetUserType changes an existing user's type
func (h *Handlers) SetUserType(w http.ResponseWriter, r *http.Request) {
	var req putUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	vars := mux.Vars(r)
	if !h.allowUserType(w, r, vars["tenantId"], req.UserType) {
		return
	}
	err := h.admin.SetUserType(r.Context(), contextkeys.GetActorID(r.Context()), vars["tenantId"], vars["userId"], req.UserType)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type putRoleRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Permissions []policy.PermissionCode `json:"permissions"`
}

// PutRole creates or updates a tenant role
func (h *Handlers) PutRole(w http.ResponseWriter, r *http.Request) {
	var req putRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	vars := mux.Vars(r)
	role := policy.Role{
		ID:          vars["roleId"],
		TenantID:    vars["tenantId"],
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	}
	if err := h.admin.PutRole(r.Context(), contextkeys.GetActorID(r.Context()), role); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AssignRole gives a user a role
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.admin.AssignRole(r.Context(), contextkeys.GetActorID(r.Context()), vars["tenantId"], vars["userId"], vars["roleId"])
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RevokeRole removes a role from a user
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.admin.RevokeRole(r.Context(), contextkeys.GetActorID(r.Context()), vars["tenantId"], vars["userId"], vars["roleId"])
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetOverride sets a tenant override
func (h *Handlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Effect policy.Effect `json:"effect"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	vars := mux.Vars(r)
	err := h.admin.SetOverride(r.Context(), contextkeys.GetActorID(r.Context()), vars["tenantId"],
		policy.PermissionCode(vars["code"]), req.Effect)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ClearOverride removes a tenant override
func (h *Handlers) ClearOverride(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.admin.ClearOverride(r.Context(), contextkeys.GetActorID(r.Context()), vars["tenantId"],
		policy.PermissionCode(vars["code"]))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetUserException grants or denies one code to one user
func (h *Handlers) SetUserException(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind policy.ExceptionKind `json:"kind"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	vars := mux.Vars(r)
	ctx := r.Context()
	actor := contextkeys.GetActorID(ctx)
	code := policy.PermissionCode(vars["code"])

	var err error
	switch req.Kind {
	case policy.ExceptionGrant:
		err = h.admin.GrantUser(ctx, actor, vars["tenantId"], vars["userId"], code)
	case policy.ExceptionDeny:
		err = h.admin.DenyUser(ctx, actor, vars["tenantId"], vars["userId"], code)
	default:
		httputil.WriteBadRequest(w, "kind must be grant or deny")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ClearUserException removes a user's grant or denial
func (h *Handlers) ClearUserException(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.admin.ClearUserException(r.Context(), contextkeys.GetActorID(r.Context()), vars["tenantId"], vars["userId"],
		policy.PermissionCode(vars["code"]))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// EnableModule subscribes the tenant to a module
func (h *Handlers) EnableModule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status      policy.SubscriptionStatus `json:"status"`
		TrialEndsAt *time.Time                `json:"trialEndsAt,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = policy.SubscriptionActive
	}

	vars := mux.Vars(r)
	err := h.admin.EnableModule(r.Context(), contextkeys.GetActorID(r.Context()), vars["tenantId"],
		policy.ModuleCode(vars["module"]), req.Status, req.TrialEndsAt)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// DisableModule ends the tenant's subscription to a module. The status query
// parameter picks past_due, cancelled or expired.
func (h *Handlers) DisableModule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status := policy.SubscriptionStatus(httputil.ParseQueryString(r, "status", string(policy.SubscriptionCancelled)))
	err := h.admin.DisableModule(r.Context(), contextkeys.GetActorID(r.Context()), vars["tenantId"],
		policy.ModuleCode(vars["module"]), status)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListAudit returns the tenant's audit trail in the requested format
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		TenantID:   mux.Vars(r)["tenantId"],
		Actor:      r.URL.Query().Get("actor"),
		TargetType: audit.TargetType(r.URL.Query().Get("target_type")),
		TargetID:   r.URL.Query().Get("target_id"),
	}
	for _, a := range r.URL.Query()["action"] {
		filter.Actions = append(filter.Actions, audit.Action(a))
	}

	var err error
	if filter.StartTime, err = httputil.ParseQueryTime(r, "start"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "end"); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", 100); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	format := audit.ExportFormat(httputil.ParseQueryString(r, "format", string(audit.ExportFormatJSON)))

	entries, err := h.admin.AuditTrail(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	body, err := audit.Export(entries, format)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// RegisterModules adds module definitions to the catalog
func (h *Handlers) RegisterModules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Modules []policy.Module `json:"modules"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Modules) == 0 {
		httputil.WriteBadRequest(w, "at least one module is required")
		return
	}
	for _, m := range req.Modules {
		if m.Code == AdminModule {
			httputil.WriteBadRequest(w, "module "+string(AdminModule)+" is reserved")
			return
		}
	}

	catalog, err := h.admin.RegisterModules(r.Context(), contextkeys.GetActorID(r.Context()), req.Modules...)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{
		"catalogVersion": catalog.Version(),
		"modules":        catalog.Modules(),
	})
}
