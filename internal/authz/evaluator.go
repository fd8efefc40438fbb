package authz

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kincircle/kincircle/internal/audit"
	"github.com/kincircle/kincircle/internal/authz/cache"
	"github.com/kincircle/kincircle/internal/catalog"
	"github.com/kincircle/kincircle/internal/observability"
	"github.com/kincircle/kincircle/internal/ratelimit"
)

// SourceProvider yields every grant that could authorize the user at the
// given instant, recurring windows already attached.
type SourceProvider interface {
	ActiveSources(ctx context.Context, userID uuid.UUID, at time.Time) ([]Source, error)
}

// OverrideChecker reports an active emergency override covering the action,
// or nil when none applies.
type OverrideChecker interface {
	ActiveGrant(ctx context.Context, userID uuid.UUID, resourceType, action string, at time.Time) (*OverrideGrant, error)
}

// DecisionCache is the evaluator's view of the two-tier cache.
type DecisionCache interface {
	Get(ctx context.Context, key cache.Key) (cache.Entry, string, bool)
	Set(ctx context.Context, key cache.Key, e cache.Entry, class cache.ActionClass)
	TTLFor(class cache.ActionClass) time.Duration
}

// CheckSink receives one record per decision plus precedence-conflict flags.
type CheckSink interface {
	Check(rec audit.CheckRecord)
	WarningChange(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any)
}

// EvaluatorParams bundles the evaluator's collaborators.
type EvaluatorParams struct {
	Limiter      ratelimit.Limiter
	Cache        DecisionCache
	Sources      SourceProvider
	Overrides    OverrideChecker
	Scopes       *ScopeRegistry
	Audit        CheckSink
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	StoreTimeout time.Duration
}

// Evaluator runs the decision pipeline: rate limit, cache, emergency
// override, grant evaluation under precedence, write-through, audit.
type Evaluator struct {
	limiter      ratelimit.Limiter
	cache        DecisionCache
	sources      SourceProvider
	overrides    OverrideChecker
	scopes       *ScopeRegistry
	audit        CheckSink
	metrics      *observability.Metrics
	logger       *slog.Logger
	group        singleflight.Group
	storeTimeout time.Duration
	nowFn        func() time.Time
}

func NewEvaluator(p EvaluatorParams) *Evaluator {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.StoreTimeout <= 0 {
		p.StoreTimeout = 2 * time.Second
	}
	if p.Scopes == nil {
		p.Scopes = NewScopeRegistry()
	}
	return &Evaluator{
		limiter:      p.Limiter,
		cache:        p.Cache,
		sources:      p.Sources,
		overrides:    p.Overrides,
		scopes:       p.Scopes,
		audit:        p.Audit,
		metrics:      p.Metrics,
		logger:       p.Logger,
		storeTimeout: p.StoreTimeout,
		nowFn:        time.Now,
	}
}

// Evaluate decides one authorization request. Denials are decisions, not
// errors; every path returns a structured Decision and emits a check record.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Decision {
	start := e.nowFn()

	if e.limiter != nil {
		res, err := e.limiter.Allow(ctx, ratelimit.Key(req.UserID.String(), req.ResourceType))
		if err != nil {
			e.logger.Warn("rate limiter unavailable", slog.Any("error", err))
			dec := Decision{Reason: ReasonRateLimited, Degraded: true}
			return e.finish(req, start, dec, "")
		}
		if !res.Allowed {
			e.metrics.RateLimited()
			dec := Decision{Reason: ReasonRateLimited, RetryAfter: res.RetryAfter}
			return e.finish(req, start, dec, "")
		}
	}

	key := cache.Key{UserID: req.UserID.String(), Action: req.Action, ResourceID: req.ResourceID}
	class := cache.Classify(req.Action)

	if e.cache != nil {
		if entry, tier, ok := e.cache.Get(ctx, key); ok {
			e.metrics.ObserveCacheLookup(tier, true)
			dec := decisionFromEntry(entry)
			dec.CacheHit = true
			dec.TTL = capTTL(e.cache.TTLFor(class), start, entry.ExpiresAt)
			return e.finish(req, start, dec, tier)
		}
		e.metrics.ObserveCacheLookup("", false)
	}

	// Concurrent misses for the same key share one store round trip.
	v, _, _ := e.group.Do(key.String(), func() (any, error) {
		return e.compute(ctx, req, start, key, class), nil
	})
	dec := v.(Decision)
	return e.finish(req, start, dec, "")
}

func (e *Evaluator) compute(ctx context.Context, req Request, now time.Time, key cache.Key, class cache.ActionClass) Decision {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	if e.overrides != nil {
		grant, err := e.overrides.ActiveGrant(sctx, req.UserID, req.ResourceType, req.Action, now)
		if err != nil {
			e.logger.Error("override lookup failed", slog.Any("error", err))
			return Decision{Reason: ReasonStoreUnavailable, Degraded: true}
		}
		if grant != nil {
			dec := Decision{
				Allowed: true,
				Reason:  ReasonEmergencyOverride,
				Source:  SourceEmergencyOverride,
				TTL:     capTTL(e.ttlFor(class), now, grant.ExpiresAt),
			}
			e.store(ctx, key, dec, class, grant.ExpiresAt)
			return dec
		}
	}

	sources, err := e.sources.ActiveSources(sctx, req.UserID, now)
	if err != nil {
		e.logger.Error("source lookup failed", slog.Any("error", err))
		return Decision{Reason: ReasonStoreUnavailable, Degraded: true}
	}

	candidates, err := e.collect(sctx, req, now, sources)
	if err != nil {
		e.logger.Error("scope resolution failed", slog.Any("error", err))
		return Decision{Reason: ReasonStoreUnavailable, Degraded: true}
	}
	if len(candidates) == 0 {
		dec := Decision{Reason: ReasonNoPermission, TTL: e.ttlFor(class)}
		e.store(ctx, key, dec, class, time.Time{})
		return dec
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		if candidates[i].source.Priority != candidates[j].source.Priority {
			return candidates[i].source.Priority > candidates[j].source.Priority
		}
		return candidates[i].source.GrantID.String() < candidates[j].source.GrantID.String()
	})

	winner := candidates[0]
	if winner.permission.Effect == catalog.EffectDeny {
		e.flagConflict(req, candidates)
	}

	roleID := winner.source.RoleID
	// The decision cannot outlive the grant it came from.
	var expiry time.Time
	if winner.source.ValidUntil != nil {
		expiry = *winner.source.ValidUntil
	}
	dec := Decision{
		Allowed: winner.permission.Effect == catalog.EffectAllow,
		Reason:  reasonFor(winner.source.Kind, winner.permission.Effect),
		Source:  winner.source.Kind,
		RoleID:  &roleID,
		TTL:     capTTL(e.ttlFor(class), now, expiry),
	}
	e.store(ctx, key, dec, class, expiry)
	return dec
}

type candidate struct {
	source     Source
	permission catalog.Permission
	rank       int
}

func (e *Evaluator) collect(ctx context.Context, req Request, now time.Time, sources []Source) ([]candidate, error) {
	var out []candidate
	for _, src := range sources {
		if !src.ActiveNow(now) {
			continue
		}
		for _, perm := range src.Permissions {
			if !perm.Matches(req.ResourceType, req.Action) {
				continue
			}
			covers, err := e.scopes.Covers(ctx, req.ResourceType, perm.Scope, req.UserID, req.ResourceID, src.ScopeEntities)
			if err != nil {
				return nil, err
			}
			if !covers {
				continue
			}
			out = append(out, candidate{source: src, permission: perm, rank: precedenceRank(src.Kind, perm.Effect)})
		}
	}
	return out, nil
}

// precedenceRank orders candidates: direct deny beats delegated deny beats
// direct allow beats delegated allow. Lower rank wins.
func precedenceRank(kind SourceKind, effect catalog.Effect) int {
	switch {
	case kind == SourceDirectRole && effect == catalog.EffectDeny:
		return 0
	case kind == SourceDelegation && effect == catalog.EffectDeny:
		return 1
	case kind == SourceDirectRole:
		return 2
	default:
		return 3
	}
}

func reasonFor(kind SourceKind, effect catalog.Effect) Reason {
	if kind == SourceDelegation {
		if effect == catalog.EffectDeny {
			return ReasonDelegationDeny
		}
		return ReasonDelegationAllow
	}
	if effect == catalog.EffectDeny {
		return ReasonDirectRoleDeny
	}
	return ReasonDirectRoleAllow
}

// flagConflict records a warning when a deny outranked at least one allow,
// so overlapping grants surface to operators instead of silently resolving.
func (e *Evaluator) flagConflict(req Request, candidates []candidate) {
	if e.audit == nil {
		return
	}
	var allows []string
	for _, c := range candidates {
		if c.permission.Effect == catalog.EffectAllow {
			allows = append(allows, string(c.source.Kind)+":"+c.source.GrantID.String())
		}
	}
	if len(allows) == 0 {
		return
	}
	e.audit.WarningChange("authorization", req.UserID.String(), "PRECEDENCE_CONFLICT", req.UserID,
		"deny outranked allow for "+req.Action+" on "+req.ResourceID,
		nil, map[string]any{
			"action":        req.Action,
			"resource_id":   req.ResourceID,
			"resource_type": req.ResourceType,
			"winner":        string(candidates[0].source.Kind) + ":" + candidates[0].source.GrantID.String(),
			"overruled":     allows,
		})
}

func (e *Evaluator) store(ctx context.Context, key cache.Key, dec Decision, class cache.ActionClass, expiresAt time.Time) {
	if e.cache == nil {
		return
	}
	entry := cache.Entry{
		Allowed:   dec.Allowed,
		Reason:    string(dec.Reason),
		Source:    string(dec.Source),
		ExpiresAt: expiresAt,
	}
	if dec.RoleID != nil {
		entry.RoleID = dec.RoleID.String()
	}
	e.cache.Set(ctx, key, entry, class)
}

// capTTL bounds a class TTL by the grant's end of life.
func capTTL(ttl time.Duration, now, expiry time.Time) time.Duration {
	if expiry.IsZero() {
		return ttl
	}
	if rem := expiry.Sub(now); rem < ttl {
		if rem < 0 {
			return 0
		}
		return rem
	}
	return ttl
}

func (e *Evaluator) ttlFor(class cache.ActionClass) time.Duration {
	if e.cache == nil {
		return 0
	}
	return e.cache.TTLFor(class)
}

func decisionFromEntry(entry cache.Entry) Decision {
	dec := Decision{
		Allowed: entry.Allowed,
		Reason:  Reason(entry.Reason),
		Source:  SourceKind(entry.Source),
	}
	if entry.RoleID != "" {
		if id, err := uuid.Parse(entry.RoleID); err == nil {
			dec.RoleID = &id
		}
	}
	return dec
}

func (e *Evaluator) finish(req Request, start time.Time, dec Decision, tier string) Decision {
	latency := e.nowFn().Sub(start)
	e.metrics.ObserveDecision(string(dec.Reason), latency)
	if e.audit != nil {
		rec := audit.CheckRecord{
			UserID:       req.UserID,
			Action:       req.Action,
			ResourceID:   req.ResourceID,
			ResourceType: req.ResourceType,
			Allowed:      dec.Allowed,
			Reason:       string(dec.Reason),
			Source:       string(dec.Source),
			CacheHit:     dec.CacheHit,
			CacheTier:    tier,
			Degraded:     dec.Degraded,
			Latency:      latency,
			At:           start,
		}
		if dec.RoleID != nil {
			rec.RoleID = dec.RoleID.String()
		}
		e.audit.Check(rec)
	}
	return dec
}
