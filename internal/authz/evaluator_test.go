package authz

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kincircle/kincircle/internal/audit"
	authzcache "github.com/kincircle/kincircle/internal/authz/cache"
	"github.com/kincircle/kincircle/internal/catalog"
	"github.com/kincircle/kincircle/internal/ratelimit"
)

type fakeSources struct {
	sources []Source
	err     error
	calls   int
}

func (f *fakeSources) ActiveSources(ctx context.Context, userID uuid.UUID, at time.Time) ([]Source, error) {
	f.calls++
	return f.sources, f.err
}

type fakeOverrides struct {
	grant *OverrideGrant
	err   error
}

func (f *fakeOverrides) ActiveGrant(ctx context.Context, userID uuid.UUID, resourceType, action string, at time.Time) (*OverrideGrant, error) {
	return f.grant, f.err
}

type fakeLimiter struct {
	result ratelimit.Result
	err    error
	calls  int
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (ratelimit.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeAudit struct {
	mu       sync.Mutex
	checks   []audit.CheckRecord
	warnings []string
}

func (f *fakeAudit) Check(rec audit.CheckRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, rec)
}

func (f *fakeAudit) WarningChange(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, action)
}

func (f *fakeAudit) lastCheck(t *testing.T) audit.CheckRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.checks) == 0 {
		t.Fatal("no check records recorded")
	}
	return f.checks[len(f.checks)-1]
}

type staticWindow bool

func (w staticWindow) WithinWindow(t time.Time) bool { return bool(w) }

type fakeLookup struct {
	owner uuid.UUID
	group string
}

func (f *fakeLookup) OwnerOf(ctx context.Context, resourceType, resourceID string) (uuid.UUID, error) {
	return f.owner, nil
}

func (f *fakeLookup) GroupOf(ctx context.Context, resourceType, resourceID string) (string, error) {
	return f.group, nil
}

func testScopes(lookup OwnerLookup) *ScopeRegistry {
	if lookup == nil {
		lookup = &fakeLookup{}
	}
	scopes := NewScopeRegistry()
	scopes.Register("calendar_event", NewRelationResolver("calendar_event", lookup))
	return scopes
}

func allowPerm(action string) catalog.Permission {
	return catalog.Permission{ID: uuid.New(), Resource: "calendar_event", Action: action, Effect: catalog.EffectAllow, Scope: catalog.ScopeAll}
}

func denyPerm(action string) catalog.Permission {
	return catalog.Permission{ID: uuid.New(), Resource: "calendar_event", Action: action, Effect: catalog.EffectDeny, Scope: catalog.ScopeAll}
}

func directSource(priority int, perms ...catalog.Permission) Source {
	return Source{Kind: SourceDirectRole, RoleID: uuid.New(), GrantID: uuid.New(), Priority: priority, Permissions: perms}
}

func delegatedSource(priority int, perms ...catalog.Permission) Source {
	return Source{Kind: SourceDelegation, RoleID: uuid.New(), GrantID: uuid.New(), Priority: priority, Permissions: perms}
}

type evalFixture struct {
	sources   *fakeSources
	overrides *fakeOverrides
	limiter   *fakeLimiter
	audit     *fakeAudit
	evaluator *Evaluator
}

func newFixture(t *testing.T, sources *fakeSources, opts ...func(*EvaluatorParams)) *evalFixture {
	t.Helper()
	f := &evalFixture{
		sources:   sources,
		overrides: &fakeOverrides{},
		limiter:   &fakeLimiter{result: ratelimit.Result{Allowed: true}},
		audit:     &fakeAudit{},
	}
	params := EvaluatorParams{
		Limiter:   f.limiter,
		Cache:     authzcache.New(nil, authzcache.Config{}, slog.Default()),
		Sources:   sources,
		Overrides: f.overrides,
		Scopes:    testScopes(nil),
		Audit:     f.audit,
		Logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&params)
	}
	f.evaluator = NewEvaluator(params)
	return f
}

func calendarRequest() Request {
	return Request{UserID: uuid.New(), Action: "calendar.update", ResourceID: "evt-1", ResourceType: "calendar_event"}
}

func TestEvaluateDirectDenyBeatsDirectAllow(t *testing.T) {
	// Higher-priority allow still loses to a deny from another role.
	sources := &fakeSources{sources: []Source{
		directSource(100, allowPerm("calendar.update")),
		directSource(50, denyPerm("calendar.update")),
	}}
	f := newFixture(t, sources)

	dec := f.evaluator.Evaluate(context.Background(), calendarRequest())
	if dec.Allowed {
		t.Fatal("expected deny")
	}
	if dec.Reason != ReasonDirectRoleDeny {
		t.Fatalf("expected DIRECT_ROLE_DENY, got %s", dec.Reason)
	}
	if len(f.audit.warnings) != 1 || f.audit.warnings[0] != "PRECEDENCE_CONFLICT" {
		t.Fatalf("expected one precedence-conflict warning, got %v", f.audit.warnings)
	}
}

func TestEvaluateDelegationDenyBeatsDirectAllow(t *testing.T) {
	sources := &fakeSources{sources: []Source{
		directSource(100, allowPerm("calendar.update")),
		delegatedSource(40, denyPerm("calendar.update")),
	}}
	f := newFixture(t, sources)

	dec := f.evaluator.Evaluate(context.Background(), calendarRequest())
	if dec.Allowed {
		t.Fatal("expected deny")
	}
	if dec.Reason != ReasonDelegationDeny {
		t.Fatalf("expected DELEGATION_DENY, got %s", dec.Reason)
	}
}

func TestEvaluateDirectAllowBeatsDelegatedAllow(t *testing.T) {
	direct := directSource(50, allowPerm("calendar.update"))
	sources := &fakeSources{sources: []Source{
		delegatedSource(90, allowPerm("calendar.update")),
		direct,
	}}
	f := newFixture(t, sources)

	dec := f.evaluator.Evaluate(context.Background(), calendarRequest())
	if !dec.Allowed {
		t.Fatalf("expected allow, got %s", dec.Reason)
	}
	if dec.Reason != ReasonDirectRoleAllow {
		t.Fatalf("expected DIRECT_ROLE_ALLOW, got %s", dec.Reason)
	}
	if dec.RoleID == nil || *dec.RoleID != direct.RoleID {
		t.Fatal("expected the direct role to be reported as source")
	}
	if len(f.audit.warnings) != 0 {
		t.Fatalf("allow outcomes must not flag conflicts, got %v", f.audit.warnings)
	}
}

func TestEvaluateOverrideBypassesDeny(t *testing.T) {
	sources := &fakeSources{sources: []Source{
		directSource(100, denyPerm("calendar.update")),
	}}
	f := newFixture(t, sources)
	f.overrides.grant = &OverrideGrant{ID: uuid.New(), ExpiresAt: time.Now().Add(time.Hour)}

	dec := f.evaluator.Evaluate(context.Background(), calendarRequest())
	if !dec.Allowed {
		t.Fatal("expected override to allow")
	}
	if dec.Reason != ReasonEmergencyOverride {
		t.Fatalf("expected EMERGENCY_OVERRIDE, got %s", dec.Reason)
	}
	if dec.Source != SourceEmergencyOverride {
		t.Fatalf("expected emergency_override source, got %s", dec.Source)
	}
	if sources.calls != 0 {
		t.Fatal("override path must not consult grant sources")
	}
	rec := f.audit.lastCheck(t)
	if rec.Reason != string(ReasonEmergencyOverride) {
		t.Fatalf("override decision must be audited, got %s", rec.Reason)
	}
}

func TestEvaluateOverrideTTLCappedAtExpiry(t *testing.T) {
	f := newFixture(t, &fakeSources{})
	f.overrides.grant = &OverrideGrant{ID: uuid.New(), ExpiresAt: time.Now().Add(30 * time.Second)}

	req := calendarRequest()
	req.Action = "calendar.read" // read class carries the longest TTL

	dec := f.evaluator.Evaluate(context.Background(), req)
	if !dec.Allowed {
		t.Fatalf("expected override allow, got %s", dec.Reason)
	}
	if dec.TTL > 30*time.Second {
		t.Fatalf("TTL %s outlives the override's expiry", dec.TTL)
	}
}

func TestEvaluateOverrideNotServedPastExpiry(t *testing.T) {
	f := newFixture(t, &fakeSources{})
	f.overrides.grant = &OverrideGrant{ID: uuid.New(), ExpiresAt: time.Now().Add(40 * time.Millisecond)}
	req := calendarRequest()
	req.Action = "calendar.read"

	dec := f.evaluator.Evaluate(context.Background(), req)
	if !dec.Allowed || dec.Reason != ReasonEmergencyOverride {
		t.Fatalf("expected override allow, got allowed=%v reason=%s", dec.Allowed, dec.Reason)
	}

	time.Sleep(60 * time.Millisecond)
	f.overrides.grant = nil

	dec = f.evaluator.Evaluate(context.Background(), req)
	if dec.Allowed {
		t.Fatal("cached allow served past the override's expires_at")
	}
	if dec.CacheHit {
		t.Fatal("expired override decision must not hit the cache")
	}
	if dec.Reason != ReasonNoPermission {
		t.Fatalf("expected NO_PERMISSION after expiry, got %s", dec.Reason)
	}
}

func TestEvaluateGrantExpiryBoundsCachedAllow(t *testing.T) {
	until := time.Now().Add(40 * time.Millisecond)
	src := delegatedSource(10, allowPerm("calendar.read"))
	src.ValidUntil = &until
	sources := &fakeSources{sources: []Source{src}}
	f := newFixture(t, sources)
	req := calendarRequest()
	req.Action = "calendar.read"

	dec := f.evaluator.Evaluate(context.Background(), req)
	if !dec.Allowed {
		t.Fatalf("expected allow inside the window, got %s", dec.Reason)
	}
	if dec.TTL > 40*time.Millisecond {
		t.Fatalf("TTL %s outlives the grant's valid_until", dec.TTL)
	}

	time.Sleep(60 * time.Millisecond)
	sources.sources = nil

	dec = f.evaluator.Evaluate(context.Background(), req)
	if dec.Allowed {
		t.Fatal("cached allow served past the grant's valid_until")
	}
	if dec.CacheHit {
		t.Fatal("expired grant decision must not hit the cache")
	}
}

func TestEvaluateNoPermission(t *testing.T) {
	f := newFixture(t, &fakeSources{})

	dec := f.evaluator.Evaluate(context.Background(), calendarRequest())
	if dec.Allowed {
		t.Fatal("expected deny")
	}
	if dec.Reason != ReasonNoPermission {
		t.Fatalf("expected NO_PERMISSION, got %s", dec.Reason)
	}
}

func TestEvaluateRateLimited(t *testing.T) {
	sources := &fakeSources{sources: []Source{directSource(10, allowPerm("calendar.update"))}}
	f := newFixture(t, sources)
	f.limiter.result = ratelimit.Result{Allowed: false, RetryAfter: 7 * time.Second}

	dec := f.evaluator.Evaluate(context.Background(), calendarRequest())
	if dec.Allowed {
		t.Fatal("expected deny")
	}
	if dec.Reason != ReasonRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %s", dec.Reason)
	}
	if dec.RetryAfter != 7*time.Second {
		t.Fatalf("expected retry-after 7s, got %s", dec.RetryAfter)
	}
	if sources.calls != 0 {
		t.Fatal("rate-limited requests must not hit the store")
	}
}

func TestEvaluateLimiterFailureFailsClosed(t *testing.T) {
	f := newFixture(t, &fakeSources{sources: []Source{directSource(10, allowPerm("calendar.update"))}})
	f.limiter.err = errors.New("redis down")

	dec := f.evaluator.Evaluate(context.Background(), calendarRequest())
	if dec.Allowed {
		t.Fatal("expected deny when the limiter is unreachable")
	}
	if !dec.Degraded {
		t.Fatal("expected degraded flag")
	}
}

func TestEvaluateStoreUnavailable(t *testing.T) {
	sources := &fakeSources{err: errors.New("pg down")}
	f := newFixture(t, sources)
	req := calendarRequest()

	dec := f.evaluator.Evaluate(context.Background(), req)
	if dec.Allowed {
		t.Fatal("expected deny")
	}
	if dec.Reason != ReasonStoreUnavailable {
		t.Fatalf("expected STORE_UNAVAILABLE, got %s", dec.Reason)
	}
	if !dec.Degraded {
		t.Fatal("expected degraded flag")
	}

	// Degraded outcomes are never written through to the cache.
	sources.err = nil
	sources.sources = []Source{directSource(10, allowPerm("calendar.update"))}
	dec = f.evaluator.Evaluate(context.Background(), req)
	if !dec.Allowed {
		t.Fatalf("expected recovery once the store is back, got %s", dec.Reason)
	}
	if dec.CacheHit {
		t.Fatal("degraded decision must not have been cached")
	}
}

func TestEvaluateCachesDecision(t *testing.T) {
	sources := &fakeSources{sources: []Source{directSource(10, allowPerm("calendar.update"))}}
	f := newFixture(t, sources)
	req := calendarRequest()

	first := f.evaluator.Evaluate(context.Background(), req)
	if !first.Allowed || first.CacheHit {
		t.Fatalf("expected computed allow, got allowed=%v hit=%v", first.Allowed, first.CacheHit)
	}
	second := f.evaluator.Evaluate(context.Background(), req)
	if !second.Allowed || !second.CacheHit {
		t.Fatalf("expected cached allow, got allowed=%v hit=%v", second.Allowed, second.CacheHit)
	}
	if second.Reason != first.Reason {
		t.Fatalf("cached decision changed reason: %s vs %s", second.Reason, first.Reason)
	}
	if sources.calls != 1 {
		t.Fatalf("expected a single store round trip, got %d", sources.calls)
	}
	rec := f.audit.lastCheck(t)
	if !rec.CacheHit || rec.CacheTier != authzcache.TierLocal {
		t.Fatalf("cache hits must be audited with their tier, got hit=%v tier=%q", rec.CacheHit, rec.CacheTier)
	}
}

func TestEvaluateRecurringWindow(t *testing.T) {
	outside := directSource(10, allowPerm("calendar.update"))
	outside.Window = staticWindow(false)
	sources := &fakeSources{sources: []Source{outside}}
	f := newFixture(t, sources)

	dec := f.evaluator.Evaluate(context.Background(), calendarRequest())
	if dec.Allowed {
		t.Fatal("a source outside its window must not grant")
	}
	if dec.Reason != ReasonNoPermission {
		t.Fatalf("expected NO_PERMISSION, got %s", dec.Reason)
	}
}

func TestEvaluateUnknownResourceTypeDenies(t *testing.T) {
	sources := &fakeSources{sources: []Source{directSource(10, catalog.Permission{
		ID: uuid.New(), Resource: "thermostat", Action: "thermostat.set", Effect: catalog.EffectAllow, Scope: catalog.ScopeAll,
	})}}
	f := newFixture(t, sources)

	dec := f.evaluator.Evaluate(context.Background(), Request{
		UserID:       uuid.New(),
		Action:       "thermostat.set",
		ResourceID:   "t-1",
		ResourceType: "thermostat",
	})
	if dec.Allowed {
		t.Fatal("resource types without a registered resolver must deny")
	}
}

func TestEvaluateScopeOwnership(t *testing.T) {
	owner := uuid.New()
	perm := catalog.Permission{ID: uuid.New(), Resource: "calendar_event", Action: "calendar.update", Effect: catalog.EffectAllow, Scope: catalog.ScopeOwn}
	sources := &fakeSources{sources: []Source{directSource(10, perm)}}
	f := newFixture(t, sources, func(p *EvaluatorParams) {
		p.Scopes = testScopes(&fakeLookup{owner: owner})
	})

	req := calendarRequest()
	req.UserID = owner
	if dec := f.evaluator.Evaluate(context.Background(), req); !dec.Allowed {
		t.Fatalf("owner must be allowed under own scope, got %s", dec.Reason)
	}

	req = calendarRequest()
	if dec := f.evaluator.Evaluate(context.Background(), req); dec.Allowed {
		t.Fatal("non-owner must be denied under own scope")
	}
}

func TestEvaluateScopeAssigned(t *testing.T) {
	perm := catalog.Permission{ID: uuid.New(), Resource: "calendar_event", Action: "calendar.update", Effect: catalog.EffectAllow, Scope: catalog.ScopeAssigned}
	src := directSource(10, perm)
	src.ScopeEntities = []string{"evt-1"}
	f := newFixture(t, &fakeSources{sources: []Source{src}})

	if dec := f.evaluator.Evaluate(context.Background(), calendarRequest()); !dec.Allowed {
		t.Fatalf("assigned entity must be allowed, got %s", dec.Reason)
	}

	req := calendarRequest()
	req.ResourceID = "evt-other"
	if dec := f.evaluator.Evaluate(context.Background(), req); dec.Allowed {
		t.Fatal("entities outside the assignment scope must be denied")
	}
}

func TestEvaluateAuditsEveryDecision(t *testing.T) {
	f := newFixture(t, &fakeSources{})
	req := calendarRequest()

	f.evaluator.Evaluate(context.Background(), req)
	rec := f.audit.lastCheck(t)
	if rec.UserID != req.UserID || rec.Action != req.Action || rec.ResourceID != req.ResourceID {
		t.Fatalf("check record does not match request: %+v", rec)
	}
	if rec.Reason != string(ReasonNoPermission) {
		t.Fatalf("expected NO_PERMISSION in audit trail, got %s", rec.Reason)
	}
}
