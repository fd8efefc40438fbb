package authz

import (
	"time"

	"github.com/google/uuid"

	"github.com/kincircle/kincircle/internal/catalog"
)

// Reason is the machine-readable outcome of an authorization decision.
type Reason string

const (
	ReasonRateLimited       Reason = "RATE_LIMITED"
	ReasonNoPermission      Reason = "NO_PERMISSION"
	ReasonDirectRoleDeny    Reason = "DIRECT_ROLE_DENY"
	ReasonDirectRoleAllow   Reason = "DIRECT_ROLE_ALLOW"
	ReasonDelegationDeny    Reason = "DELEGATION_DENY"
	ReasonDelegationAllow   Reason = "DELEGATION_ALLOW"
	ReasonEmergencyOverride Reason = "EMERGENCY_OVERRIDE"
	ReasonStoreUnavailable  Reason = "STORE_UNAVAILABLE"
)

// SourceKind tags where a matched permission came from.
type SourceKind string

const (
	// SourceDirectRole is a permission held through a role assignment.
	SourceDirectRole SourceKind = "direct_role"
	// SourceDelegation is a permission held through a delegation.
	SourceDelegation SourceKind = "delegation"
	// SourceEmergencyOverride is a break-glass grant.
	SourceEmergencyOverride SourceKind = "emergency_override"
)

// Request is the input to an authorization check.
type Request struct {
	UserID       uuid.UUID
	Action       string
	ResourceID   string
	ResourceType string
}

// Decision is the structured outcome returned to callers. Expected denial
// paths are decisions, never errors.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Source     SourceKind
	RoleID     *uuid.UUID
	TTL        time.Duration
	CacheHit   bool
	Degraded   bool
	RetryAfter time.Duration
}

// Window gates a source by wall-clock time at decision time.
type Window interface {
	WithinWindow(t time.Time) bool
}

// Source is one candidate grant: a direct role or a delegation, normalised to
// a uniform shape so precedence is the only place the kinds differ.
// ValidUntil, when set, is the grant's end of life; decisions built from the
// source must not be cached or reported valid past it.
type Source struct {
	Kind          SourceKind
	RoleID        uuid.UUID
	GrantID       uuid.UUID
	Priority      int
	Permissions   []catalog.Permission
	ScopeEntities []string
	Window        Window
	ValidUntil    *time.Time
}

// ActiveNow reports whether the source applies at the given instant.
// A source outside its recurring window is inactive for this decision only.
func (s Source) ActiveNow(now time.Time) bool {
	if s.Window == nil {
		return true
	}
	return s.Window.WithinWindow(now)
}

// OverrideGrant is the evaluator's view of an active emergency override.
type OverrideGrant struct {
	ID        uuid.UUID
	ExpiresAt time.Time
}
