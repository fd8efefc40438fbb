package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kincircle/kincircle/internal/authz"
	"github.com/kincircle/kincircle/internal/catalog"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("override: not found")
	// ErrInvalidDuration indicates a duration outside (0, 1440] minutes.
	ErrInvalidDuration = errors.New("override: duration out of range")
	// ErrInvalidReason indicates an unknown trigger reason.
	ErrInvalidReason = errors.New("override: invalid reason")
	// ErrAlreadyDeactivated indicates a second deactivation attempt.
	ErrAlreadyDeactivated = errors.New("override: already deactivated")
)

// GrantedPermission is one entry of the activation snapshot.
type GrantedPermission struct {
	ID       uuid.UUID `json:"id"`
	Resource string    `json:"resource"`
	Action   string    `json:"action"`
}

// Repository provides persistence for overrides.
type Repository interface {
	Insert(ctx context.Context, o Override, granted []GrantedPermission) error
	Get(ctx context.Context, id uuid.UUID) (Override, []GrantedPermission, error)
	// ActiveFor returns the live override for a user at the instant, or ErrNotFound.
	ActiveFor(ctx context.Context, userID uuid.UUID, at time.Time) (Override, []GrantedPermission, error)
	// RefreshExpiry moves the live row's expiry; used by idempotent re-activation.
	RefreshExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error
}

// GrantSource supplies the permissions an override snapshots at activation.
type GrantSource interface {
	EmergencyPermissions(ctx context.Context) ([]catalog.Permission, error)
}

// ChangeSink receives change-audit records. Override mutations are always
// recorded at critical severity.
type ChangeSink interface {
	CriticalChange(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any)
}

// Notifier alerts the notify-list about break-glass activity.
type Notifier interface {
	Notify(ctx context.Context, userIDs []uuid.UUID, kind, subject, body string)
}

// Invalidator drops cached decisions for the affected user.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

// Service manages emergency break-glass grants.
type Service struct {
	repo     Repository
	grants   GrantSource
	audit    ChangeSink
	notifier Notifier
	cache    Invalidator
	nowFn    func() time.Time
}

// NewService constructs an override Service.
func NewService(repo Repository, grants GrantSource, audit ChangeSink, notifier Notifier, cache Invalidator) *Service {
	return &Service{
		repo:     repo,
		grants:   grants,
		audit:    audit,
		notifier: notifier,
		cache:    cache,
		nowFn:    time.Now,
	}
}

// ActivateInput carries the parameters of a break-glass activation.
type ActivateInput struct {
	TriggeredBy     uuid.UUID
	AffectedUser    uuid.UUID
	Reason          Reason
	DurationMinutes int
	Justification   string
	NotifyUsers     []uuid.UUID
}

// Activate grants break-glass access. Re-activating while an override is
// already live refreshes its expiry in place rather than stacking durations.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (Override, error) {
	if in.DurationMinutes <= 0 || in.DurationMinutes > MaxDurationMinutes {
		return Override{}, ErrInvalidDuration
	}
	if !ValidReason(in.Reason) {
		return Override{}, ErrInvalidReason
	}
	now := s.nowFn()
	expiresAt := now.Add(time.Duration(in.DurationMinutes) * time.Minute)

	if existing, _, err := s.repo.ActiveFor(ctx, in.AffectedUser, now); err == nil {
		if err := s.repo.RefreshExpiry(ctx, existing.ID, expiresAt); err != nil {
			return Override{}, err
		}
		refreshed := existing
		refreshed.ExpiresAt = expiresAt
		if s.audit != nil {
			s.audit.CriticalChange("emergency_override", existing.ID.String(), "REFRESH", in.TriggeredBy, in.Justification, existing, refreshed)
		}
		return refreshed, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Override{}, err
	}

	perms, err := s.grants.EmergencyPermissions(ctx)
	if err != nil {
		return Override{}, err
	}
	granted := make([]GrantedPermission, 0, len(perms))
	ids := make([]uuid.UUID, 0, len(perms))
	for _, p := range perms {
		if p.Effect != catalog.EffectAllow {
			continue
		}
		granted = append(granted, GrantedPermission{ID: p.ID, Resource: p.Resource, Action: p.Action})
		ids = append(ids, p.ID)
	}

	o := Override{
		ID:              uuid.New(),
		TriggeredBy:     in.TriggeredBy,
		AffectedUser:    in.AffectedUser,
		Reason:          in.Reason,
		Justification:   in.Justification,
		DurationMinutes: in.DurationMinutes,
		PermissionIDs:   ids,
		NotifiedUsers:   in.NotifyUsers,
		ActivatedAt:     now,
		ExpiresAt:       expiresAt,
	}
	if err := s.repo.Insert(ctx, o, granted); err != nil {
		return Override{}, err
	}
	if s.audit != nil {
		s.audit.CriticalChange("emergency_override", o.ID.String(), "ACTIVATE", in.TriggeredBy, in.Justification, nil, o)
	}
	if s.cache != nil {
		_ = s.cache.InvalidateUser(ctx, in.AffectedUser)
	}
	if s.notifier != nil && len(in.NotifyUsers) > 0 {
		s.notifier.Notify(ctx, in.NotifyUsers, "emergency_override",
			"Emergency override activated",
			fmt.Sprintf("User %s activated break-glass access for %s until %s: %s",
				in.TriggeredBy, in.AffectedUser, expiresAt.Format(time.RFC3339), in.Justification))
	}
	return o, nil
}

// Deactivate ends an override before its natural expiry.
func (s *Service) Deactivate(ctx context.Context, id, by uuid.UUID) error {
	o, _, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.DeactivatedAt != nil {
		return ErrAlreadyDeactivated
	}
	now := s.nowFn()
	if err := s.repo.Deactivate(ctx, id, now); err != nil {
		return err
	}
	if s.audit != nil {
		after := o
		after.DeactivatedAt = &now
		s.audit.CriticalChange("emergency_override", id.String(), "DEACTIVATE", by, "", o, after)
	}
	if s.cache != nil {
		_ = s.cache.InvalidateUser(ctx, o.AffectedUser)
	}
	return nil
}

// ActiveGrant reports whether a live override covers the requested action.
// This is the only path allowed to bypass deny-overrides-allow precedence.
func (s *Service) ActiveGrant(ctx context.Context, userID uuid.UUID, resourceType, action string, at time.Time) (*authz.OverrideGrant, error) {
	o, granted, err := s.repo.ActiveFor(ctx, userID, at)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for _, g := range granted {
		if g.Resource == resourceType && g.Action == action {
			return &authz.OverrideGrant{ID: o.ID, ExpiresAt: o.ExpiresAt}, nil
		}
	}
	return nil, nil
}
