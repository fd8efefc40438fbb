package assignment

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
	ErrNotFound = errors.New("assignment: not found")
	// ErrInvalidTimeBounds indicates an inverted or missing validity window.
	ErrInvalidTimeBounds = errors.New("assignment: invalid time bounds")
	// ErrSelfDelegation indicates a delegation from a user to themselves.
	ErrSelfDelegation = errors.New("assignment: self delegation rejected")
	// ErrOutlivesGrant indicates a delegation longer than the delegator's own grant.
	ErrOutlivesGrant = errors.New("assignment: delegation outlives delegator grant")
	// ErrInvalidState indicates a transition the state machine does not permit.
	ErrInvalidState = errors.New("assignment: invalid state transition")
)

// Delegated sources rank below direct ones of the same role.
const delegationPriorityOffset = 10

// Repository provides persistence for roles, assignments and delegations.
type Repository interface {
	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
	GetRoleByType(ctx context.Context, roleType string) (Role, error)
	InsertAssignment(ctx context.Context, a Assignment) error
	GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error)
	UpdateAssignmentState(ctx context.Context, id uuid.UUID, state State, by *uuid.UUID, reason string) error
	// ActiveAssignment returns the user's active assignment of the given role
	// valid at the instant, or ErrNotFound.
	ActiveAssignment(ctx context.Context, userID, roleID uuid.UUID, at time.Time) (Assignment, error)
	ActiveAssignmentsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]Assignment, error)
	InsertDelegation(ctx context.Context, d Delegation) error
	GetDelegation(ctx context.Context, id uuid.UUID) (Delegation, error)
	UpdateDelegationState(ctx context.Context, id uuid.UUID, state State, by *uuid.UUID, reason string) error
	ActiveDelegationsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]Delegation, error)
}

// Expander flattens a permission set with everything it inherits.
type Expander interface {
	ExpandPermissionSet(ctx context.Context, setID uuid.UUID) ([]catalog.Permission, error)
}

// Invalidator drops cached decisions for a user after a grant mutation.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

// ChangeSink receives change-audit records for grant mutations.
type ChangeSink interface {
	Change(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any)
}

// Notifier alerts users about approvals and incoming delegations.
type Notifier interface {
	Notify(ctx context.Context, userIDs []uuid.UUID, kind, subject, body string)
}

// Service orchestrates the assignment and delegation store.
type Service struct {
	repo     Repository
	expander Expander
	cache    Invalidator
	audit    ChangeSink
	notifier Notifier
	nowFn    func() time.Time
}

// NewService constructs an assignment Service.
func NewService(repo Repository, expander Expander, cache Invalidator, audit ChangeSink, notifier Notifier) *Service {
	return &Service{
		repo:     repo,
		expander: expander,
		cache:    cache,
		audit:    audit,
		notifier: notifier,
		nowFn:    time.Now,
	}
}

// AssignRoleInput carries the parameters of a role grant.
type AssignRoleInput struct {
	UserID        uuid.UUID
	RoleType      string
	ScopeEntities []string
	ValidFrom     time.Time
	ValidUntil    *time.Time
	Schedule      *Schedule
	GrantedBy     uuid.UUID
	Reason        string
}

// AssignRole creates a role assignment. The initial state is active unless the
// role type requires dual-control approval.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (Assignment, error) {
	role, err := s.repo.GetRoleByType(ctx, in.RoleType)
	if err != nil {
		return Assignment{}, err
	}
	if in.ValidFrom.IsZero() {
		in.ValidFrom = s.nowFn()
	}
	if in.ValidUntil != nil && !in.ValidUntil.After(in.ValidFrom) {
		return Assignment{}, ErrInvalidTimeBounds
	}
	if err := in.Schedule.Validate(); err != nil {
		return Assignment{}, fmt.Errorf("%w: %s", ErrInvalidTimeBounds, err)
	}
	state := StateActive
	if role.RequiresApproval {
		state = StatePendingApproval
	}
	a := Assignment{
		ID:            uuid.New(),
		UserID:        in.UserID,
		RoleID:        role.ID,
		ScopeEntities: in.ScopeEntities,
		ValidFrom:     in.ValidFrom,
		ValidUntil:    in.ValidUntil,
		Schedule:      in.Schedule,
		State:         state,
		GrantedBy:     in.GrantedBy,
		Reason:        in.Reason,
		CreatedAt:     s.nowFn(),
	}
	if err := s.repo.InsertAssignment(ctx, a); err != nil {
		return Assignment{}, err
	}
	if s.audit != nil {
		s.audit.Change("role_assignment", a.ID.String(), "CREATE", in.GrantedBy, in.Reason, nil, a)
	}
	s.invalidate(ctx, a.UserID)
	if state == StatePendingApproval && s.notifier != nil {
		s.notifier.Notify(ctx, []uuid.UUID{in.GrantedBy}, "assignment_pending",
			"Role assignment awaiting approval",
			fmt.Sprintf("Assignment of role %s to user %s requires dual-control approval.", role.Type, in.UserID))
	}
	return a, nil
}

// ApproveAssignment transitions a pending assignment to active.
func (s *Service) ApproveAssignment(ctx context.Context, id, approvedBy uuid.UUID) error {
	a, err := s.repo.GetAssignment(ctx, id)
	if err != nil {
		return err
	}
	if a.State != StatePendingApproval {
		return ErrInvalidState
	}
	if err := s.repo.UpdateAssignmentState(ctx, id, StateActive, &approvedBy, ""); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Change("role_assignment", id.String(), "APPROVE", approvedBy, "", a.State, StateActive)
	}
	s.invalidate(ctx, a.UserID)
	return nil
}

// RevokeRole soft-revokes an assignment, preserving the row for audit history.
func (s *Service) RevokeRole(ctx context.Context, id, revokedBy uuid.UUID, reason string) error {
	a, err := s.repo.GetAssignment(ctx, id)
	if err != nil {
		return err
	}
	if a.State == StateRevoked {
		return ErrInvalidState
	}
	if err := s.repo.UpdateAssignmentState(ctx, id, StateRevoked, &revokedBy, reason); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Change("role_assignment", id.String(), "REVOKE", revokedBy, reason, a.State, StateRevoked)
	}
	s.invalidate(ctx, a.UserID)
	return nil
}

// SuspendAssignment pauses an active assignment without losing its window.
func (s *Service) SuspendAssignment(ctx context.Context, id, by uuid.UUID, reason string) error {
	return s.transition(ctx, id, by, reason, StateActive, StateSuspended, "SUSPEND")
}

// ResumeAssignment reactivates a suspended assignment.
func (s *Service) ResumeAssignment(ctx context.Context, id, by uuid.UUID, reason string) error {
	return s.transition(ctx, id, by, reason, StateSuspended, StateActive, "RESUME")
}

func (s *Service) transition(ctx context.Context, id, by uuid.UUID, reason string, from, to State, action string) error {
	a, err := s.repo.GetAssignment(ctx, id)
	if err != nil {
		return err
	}
	if a.State != from {
		return ErrInvalidState
	}
	if err := s.repo.UpdateAssignmentState(ctx, id, to, &by, reason); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Change("role_assignment", id.String(), action, by, reason, from, to)
	}
	s.invalidate(ctx, a.UserID)
	return nil
}

// CreateDelegationInput carries the parameters of a delegation.
type CreateDelegationInput struct {
	FromUser      uuid.UUID
	ToUser        uuid.UUID
	RoleID        uuid.UUID
	ScopeEntities []string
	ValidFrom     time.Time
	ValidUntil    time.Time
	Schedule      *Schedule
	Reason        string
}

// CreateDelegation creates a delegation. Self-delegation and unbounded
// durations are rejected; the window cannot outlive the delegator's own grant.
func (s *Service) CreateDelegation(ctx context.Context, in CreateDelegationInput) (Delegation, error) {
	if in.FromUser == in.ToUser {
		return Delegation{}, ErrSelfDelegation
	}
	if in.ValidFrom.IsZero() {
		in.ValidFrom = s.nowFn()
	}
	if in.ValidUntil.IsZero() || !in.ValidUntil.After(in.ValidFrom) {
		return Delegation{}, ErrInvalidTimeBounds
	}
	if err := in.Schedule.Validate(); err != nil {
		return Delegation{}, fmt.Errorf("%w: %s", ErrInvalidTimeBounds, err)
	}
	grant, err := s.repo.ActiveAssignment(ctx, in.FromUser, in.RoleID, s.nowFn())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Delegation{}, fmt.Errorf("%w: delegator holds no active grant of the role", ErrOutlivesGrant)
		}
		return Delegation{}, err
	}
	if grant.ValidUntil != nil && in.ValidUntil.After(*grant.ValidUntil) {
		return Delegation{}, ErrOutlivesGrant
	}
	role, err := s.repo.GetRole(ctx, in.RoleID)
	if err != nil {
		return Delegation{}, err
	}
	state := StateActive
	if role.RequiresApproval {
		state = StatePendingApproval
	}
	d := Delegation{
		ID:            uuid.New(),
		FromUser:      in.FromUser,
		ToUser:        in.ToUser,
		RoleID:        in.RoleID,
		ScopeEntities: in.ScopeEntities,
		ValidFrom:     in.ValidFrom,
		ValidUntil:    in.ValidUntil,
		Schedule:      in.Schedule,
		Reason:        in.Reason,
		State:         state,
		CreatedAt:     s.nowFn(),
	}
	if err := s.repo.InsertDelegation(ctx, d); err != nil {
		return Delegation{}, err
	}
	if s.audit != nil {
		s.audit.Change("delegation", d.ID.String(), "CREATE", in.FromUser, in.Reason, nil, d)
	}
	s.invalidate(ctx, d.ToUser)
	if s.notifier != nil {
		s.notifier.Notify(ctx, []uuid.UUID{in.ToUser}, "delegation_created",
			"Role delegated to you",
			fmt.Sprintf("User %s delegated role %s to you until %s.", in.FromUser, role.Type, in.ValidUntil.Format(time.RFC3339)))
	}
	return d, nil
}

// ApproveDelegation transitions a pending delegation to active.
func (s *Service) ApproveDelegation(ctx context.Context, id, approvedBy uuid.UUID) error {
	d, err := s.repo.GetDelegation(ctx, id)
	if err != nil {
		return err
	}
	if d.State != StatePendingApproval {
		return ErrInvalidState
	}
	if err := s.repo.UpdateDelegationState(ctx, id, StateActive, &approvedBy, ""); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Change("delegation", id.String(), "APPROVE", approvedBy, "", d.State, StateActive)
	}
	s.invalidate(ctx, d.ToUser)
	return nil
}

// RevokeDelegation soft-revokes a delegation and drops the delegate's cache keys.
func (s *Service) RevokeDelegation(ctx context.Context, id, revokedBy uuid.UUID, reason string) error {
	d, err := s.repo.GetDelegation(ctx, id)
	if err != nil {
		return err
	}
	if d.State == StateRevoked {
		return ErrInvalidState
	}
	if err := s.repo.UpdateDelegationState(ctx, id, StateRevoked, &revokedBy, reason); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Change("delegation", id.String(), "REVOKE", revokedBy, reason, d.State, StateRevoked)
	}
	s.invalidate(ctx, d.ToUser)
	return nil
}

// ActiveSources gathers the user's active assignments and delegations as
// uniform permission sources. Delegated sources carry the underlying role's
// priority minus a fixed offset.
func (s *Service) ActiveSources(ctx context.Context, userID uuid.UUID, at time.Time) ([]authz.Source, error) {
	assignments, err := s.repo.ActiveAssignmentsFor(ctx, userID, at)
	if err != nil {
		return nil, err
	}
	delegations, err := s.repo.ActiveDelegationsFor(ctx, userID, at)
	if err != nil {
		return nil, err
	}
	sources := make([]authz.Source, 0, len(assignments)+len(delegations))
	for _, a := range assignments {
		src, err := s.buildSource(ctx, authz.SourceDirectRole, a.ID, a.RoleID, a.ScopeEntities, a.Schedule, a.ValidUntil, 0)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	for _, d := range delegations {
		until := d.ValidUntil
		src, err := s.buildSource(ctx, authz.SourceDelegation, d.ID, d.RoleID, d.ScopeEntities, d.Schedule, &until, delegationPriorityOffset)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (s *Service) buildSource(ctx context.Context, kind authz.SourceKind, grantID, roleID uuid.UUID, scope []string, sched *Schedule, validUntil *time.Time, offset int) (authz.Source, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return authz.Source{}, err
	}
	seen := make(map[uuid.UUID]struct{})
	var perms []catalog.Permission
	for _, setID := range role.PermissionSetIDs {
		expanded, err := s.expander.ExpandPermissionSet(ctx, setID)
		if err != nil {
			return authz.Source{}, err
		}
		for _, p := range expanded {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			perms = append(perms, p)
		}
	}
	src := authz.Source{
		Kind:          kind,
		RoleID:        roleID,
		GrantID:       grantID,
		Priority:      role.Priority - offset,
		Permissions:   perms,
		ScopeEntities: scope,
		ValidUntil:    validUntil,
	}
	if sched != nil {
		src.Window = sched
	}
	return src, nil
}

func (s *Service) invalidate(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	_ = s.cache.InvalidateUser(ctx, userID)
}
