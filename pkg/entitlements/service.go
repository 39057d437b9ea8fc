package entitlements

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/policy"
	"github.com/platinummonkey/entitle/pkg/rbac"
)

// Service resolves entitlements. It holds no resolution state, so a single
// instance serves concurrent requests for any user and tenant.
type Service struct {
	store policy.Reader
	options
}

// NewService creates a service reading facts from store
func NewService(store policy.Reader, opts ...Option) *Service {
	return &Service{
		store:   store,
		options: buildOptions(opts),
	}
}

// GetEntitlements loads the user's facts in one read and resolves every
// catalog code. Codes owned by disabled modules are never included.
func (s *Service) GetEntitlements(ctx context.Context, tenantID, userID string) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "entitlements.GetEntitlements", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("user.id", userID),
	))
	defer span.End()

	start := s.clock.Now()

	resolver, facts, err := s.resolve(ctx, tenantID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveResolution(outcomeFor(err), s.clock.Since(start))
		return nil, err
	}

	snap := &Snapshot{
		TenantID:       tenantID,
		UserID:         userID,
		UserType:       facts.User.Type,
		Permissions:    resolver.EffectivePermissions(),
		Roles:          roleNames(facts.Roles),
		ResolvedAt:     s.clock.Now().UTC(),
		CatalogVersion: facts.Catalog.Version(),
	}
	if snap.Permissions == nil {
		snap.Permissions = []policy.PermissionCode{}
	}
	for _, st := range resolver.Gate().States() {
		snap.Modules = append(snap.Modules, ModuleEntry{
			Code:     st.Code,
			Enabled:  st.Enabled,
			Degraded: st.Degraded,
		})
	}
	if snap.Modules == nil {
		snap.Modules = []ModuleEntry{}
	}

	span.SetAttributes(
		attribute.Int("entitlements.permissions", len(snap.Permissions)),
		attribute.Int64("catalog.version", snap.CatalogVersion),
	)
	s.metrics.ObserveResolution(observability.OutcomeOK, s.clock.Since(start))

	return snap, nil
}

// Check decides a single permission code for a user. An unknown code is a
// denial, not an error; it is logged as a data-quality signal.
func (s *Service) Check(ctx context.Context, tenantID, userID string, code policy.PermissionCode) (rbac.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "entitlements.Check", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("user.id", userID),
		attribute.String("permission.code", string(code)),
	))
	defer span.End()

	resolver, _, err := s.resolve(ctx, tenantID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rbac.Decision{Code: code}, err
	}

	d := resolver.Evaluate(code)
	if d.Tier == rbac.TierUnknownCode {
		s.metrics.IncUnknownCode()
		observability.FromContext(ctx).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"user_id":   userID,
			"code":      string(code),
		}).Warn("permission check for unknown code")
	}
	s.metrics.ObserveDecision(string(d.Tier), d.Allowed)

	span.SetAttributes(
		attribute.Bool("decision.allowed", d.Allowed),
		attribute.String("decision.tier", string(d.Tier)),
	)
	return d, nil
}

func (s *Service) resolve(ctx context.Context, tenantID, userID string) (*rbac.Resolver, *policy.Facts, error) {
	if tenantID == "" || userID == "" {
		return nil, nil, fmt.Errorf("%w: tenant id and user id are required", policy.ErrInvalidInput)
	}

	facts, err := s.store.LoadFacts(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) || errors.Is(err, policy.ErrDataFetch) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", policy.ErrDataFetch, err)
	}
	if facts.Catalog == nil {
		facts.Catalog = policy.NewCatalog()
	}

	return rbac.NewResolver(facts, s.clock.Now()), facts, nil
}

func outcomeFor(err error) string {
	if errors.Is(err, policy.ErrNotFound) {
		return observability.OutcomeNotFound
	}
	return observability.OutcomeError
}

func roleNames(roles []policy.Role) []string {
	seen := make(map[string]struct{}, len(roles))
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if _, ok := seen[r.Name]; ok {
			continue
		}
		seen[r.Name] = struct{}{}
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}
