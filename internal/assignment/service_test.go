package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kincircle/kincircle/internal/authz"
	"github.com/kincircle/kincircle/internal/catalog"
)

type memRepo struct {
	roles       map[uuid.UUID]Role
	rolesByType map[string]Role
	assignments map[uuid.UUID]Assignment
	delegations map[uuid.UUID]Delegation
}

func newMemRepo() *memRepo {
	return &memRepo{
		roles:       make(map[uuid.UUID]Role),
		rolesByType: make(map[string]Role),
		assignments: make(map[uuid.UUID]Assignment),
		delegations: make(map[uuid.UUID]Delegation),
	}
}

func (r *memRepo) addRole(role Role) Role {
	r.roles[role.ID] = role
	r.rolesByType[role.Type] = role
	return role
}

func (r *memRepo) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	role, ok := r.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (r *memRepo) GetRoleByType(ctx context.Context, roleType string) (Role, error) {
	role, ok := r.rolesByType[roleType]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (r *memRepo) InsertAssignment(ctx context.Context, a Assignment) error {
	r.assignments[a.ID] = a
	return nil
}

func (r *memRepo) GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error) {
	a, ok := r.assignments[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

func (r *memRepo) UpdateAssignmentState(ctx context.Context, id uuid.UUID, state State, by *uuid.UUID, reason string) error {
	a, ok := r.assignments[id]
	if !ok {
		return ErrNotFound
	}
	if state == StateActive && a.State == StatePendingApproval {
		a.ApprovedBy = by
	}
	if state == StateRevoked {
		a.RevokedBy = by
		a.RevokeReason = reason
	}
	a.State = state
	r.assignments[id] = a
	return nil
}

func withinWindow(from time.Time, until *time.Time, at time.Time) bool {
	if at.Before(from) {
		return false
	}
	return until == nil || !at.After(*until)
}

func (r *memRepo) ActiveAssignment(ctx context.Context, userID, roleID uuid.UUID, at time.Time) (Assignment, error) {
	for _, a := range r.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.State == StateActive && withinWindow(a.ValidFrom, a.ValidUntil, at) {
			return a, nil
		}
	}
	return Assignment{}, ErrNotFound
}

func (r *memRepo) ActiveAssignmentsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]Assignment, error) {
	var out []Assignment
	for _, a := range r.assignments {
		if a.UserID == userID && a.State == StateActive && withinWindow(a.ValidFrom, a.ValidUntil, at) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) InsertDelegation(ctx context.Context, d Delegation) error {
	r.delegations[d.ID] = d
	return nil
}

func (r *memRepo) GetDelegation(ctx context.Context, id uuid.UUID) (Delegation, error) {
	d, ok := r.delegations[id]
	if !ok {
		return Delegation{}, ErrNotFound
	}
	return d, nil
}

func (r *memRepo) UpdateDelegationState(ctx context.Context, id uuid.UUID, state State, by *uuid.UUID, reason string) error {
	d, ok := r.delegations[id]
	if !ok {
		return ErrNotFound
	}
	if state == StateActive && d.State == StatePendingApproval {
		d.ApprovedBy = by
	}
	if state == StateRevoked {
		d.RevokedBy = by
		d.RevokeReason = reason
	}
	d.State = state
	r.delegations[id] = d
	return nil
}

func (r *memRepo) ActiveDelegationsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]Delegation, error) {
	var out []Delegation
	for _, d := range r.delegations {
		if d.ToUser == userID && d.State == StateActive && withinWindow(d.ValidFrom, &d.ValidUntil, at) {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeExpander struct {
	sets map[uuid.UUID][]catalog.Permission
}

func (f *fakeExpander) ExpandPermissionSet(ctx context.Context, setID uuid.UUID) ([]catalog.Permission, error) {
	return f.sets[setID], nil
}

type fakeInvalidator struct {
	users []uuid.UUID
}

func (f *fakeInvalidator) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	f.users = append(f.users, userID)
	return nil
}

type fakeNotifier struct {
	kinds []string
}

func (f *fakeNotifier) Notify(ctx context.Context, userIDs []uuid.UUID, kind, subject, body string) {
	f.kinds = append(f.kinds, kind)
}

func fixedNow() time.Time {
	return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
}

func newTestService(repo *memRepo, exp *fakeExpander, inv *fakeInvalidator, notif *fakeNotifier) *Service {
	var n Notifier
	if notif != nil {
		n = notif
	}
	svc := NewService(repo, exp, inv, nil, n)
	svc.nowFn = fixedNow
	return svc
}

func TestAssignRoleRequiresApproval(t *testing.T) {
	repo := newMemRepo()
	role := repo.addRole(Role{ID: uuid.New(), Type: "coordinator", Priority: 100, RequiresApproval: true})
	notif := &fakeNotifier{}
	svc := newTestService(repo, &fakeExpander{}, &fakeInvalidator{}, notif)

	a, err := svc.AssignRole(context.Background(), AssignRoleInput{
		UserID:    uuid.New(),
		RoleType:  role.Type,
		GrantedBy: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, StatePendingApproval, a.State)
	require.Contains(t, notif.kinds, "assignment_pending")

	approver := uuid.New()
	require.NoError(t, svc.ApproveAssignment(context.Background(), a.ID, approver))
	stored, err := repo.GetAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, stored.State)
	// Dual-control metadata is persisted on the row, not only in the audit log.
	require.NotNil(t, stored.ApprovedBy)
	require.Equal(t, approver, *stored.ApprovedBy)

	// A second approval finds the assignment already active.
	require.ErrorIs(t, svc.ApproveAssignment(context.Background(), a.ID, approver), ErrInvalidState)
}

func TestAssignRoleRejectsInvertedWindow(t *testing.T) {
	repo := newMemRepo()
	role := repo.addRole(Role{ID: uuid.New(), Type: "helper", Priority: 50})
	svc := newTestService(repo, &fakeExpander{}, &fakeInvalidator{}, nil)

	until := fixedNow().Add(-time.Hour)
	_, err := svc.AssignRole(context.Background(), AssignRoleInput{
		UserID:     uuid.New(),
		RoleType:   role.Type,
		ValidUntil: &until,
		GrantedBy:  uuid.New(),
	})
	require.ErrorIs(t, err, ErrInvalidTimeBounds)
}

func TestSuspendAndResume(t *testing.T) {
	repo := newMemRepo()
	role := repo.addRole(Role{ID: uuid.New(), Type: "helper", Priority: 50})
	inv := &fakeInvalidator{}
	svc := newTestService(repo, &fakeExpander{}, inv, nil)

	a, err := svc.AssignRole(context.Background(), AssignRoleInput{
		UserID:    uuid.New(),
		RoleType:  role.Type,
		GrantedBy: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, StateActive, a.State)

	by := uuid.New()
	require.ErrorIs(t, svc.ResumeAssignment(context.Background(), a.ID, by, ""), ErrInvalidState)
	require.NoError(t, svc.SuspendAssignment(context.Background(), a.ID, by, "vacation"))
	require.ErrorIs(t, svc.SuspendAssignment(context.Background(), a.ID, by, ""), ErrInvalidState)
	require.NoError(t, svc.ResumeAssignment(context.Background(), a.ID, by, "back"))

	stored, err := repo.GetAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, stored.State)
	require.Contains(t, inv.users, a.UserID)
}

func TestCreateDelegationRejectsSelf(t *testing.T) {
	svc := newTestService(newMemRepo(), &fakeExpander{}, &fakeInvalidator{}, nil)
	user := uuid.New()
	_, err := svc.CreateDelegation(context.Background(), CreateDelegationInput{
		FromUser:   user,
		ToUser:     user,
		RoleID:     uuid.New(),
		ValidUntil: fixedNow().Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrSelfDelegation)
}

func TestCreateDelegationRequiresBoundedWindow(t *testing.T) {
	svc := newTestService(newMemRepo(), &fakeExpander{}, &fakeInvalidator{}, nil)
	_, err := svc.CreateDelegation(context.Background(), CreateDelegationInput{
		FromUser: uuid.New(),
		ToUser:   uuid.New(),
		RoleID:   uuid.New(),
	})
	require.ErrorIs(t, err, ErrInvalidTimeBounds)
}

func TestCreateDelegationCannotOutliveGrant(t *testing.T) {
	repo := newMemRepo()
	role := repo.addRole(Role{ID: uuid.New(), Type: "coordinator", Priority: 100})
	delegator := uuid.New()
	grantEnd := fixedNow().Add(24 * time.Hour)
	repo.assignments[uuid.New()] = Assignment{
		ID:         uuid.New(),
		UserID:     delegator,
		RoleID:     role.ID,
		State:      StateActive,
		ValidFrom:  fixedNow().Add(-time.Hour),
		ValidUntil: &grantEnd,
	}
	svc := newTestService(repo, &fakeExpander{}, &fakeInvalidator{}, nil)

	_, err := svc.CreateDelegation(context.Background(), CreateDelegationInput{
		FromUser:   delegator,
		ToUser:     uuid.New(),
		RoleID:     role.ID,
		ValidUntil: grantEnd.Add(time.Minute),
	})
	require.ErrorIs(t, err, ErrOutlivesGrant)

	// Ending exactly with the grant is permitted.
	d, err := svc.CreateDelegation(context.Background(), CreateDelegationInput{
		FromUser:   delegator,
		ToUser:     uuid.New(),
		RoleID:     role.ID,
		ValidUntil: grantEnd,
	})
	require.NoError(t, err)
	require.Equal(t, StateActive, d.State)
}

func TestCreateDelegationWithoutGrant(t *testing.T) {
	repo := newMemRepo()
	role := repo.addRole(Role{ID: uuid.New(), Type: "coordinator", Priority: 100})
	svc := newTestService(repo, &fakeExpander{}, &fakeInvalidator{}, nil)

	_, err := svc.CreateDelegation(context.Background(), CreateDelegationInput{
		FromUser:   uuid.New(),
		ToUser:     uuid.New(),
		RoleID:     role.ID,
		ValidUntil: fixedNow().Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrOutlivesGrant)
}

func TestRevokeDelegationInvalidatesDelegate(t *testing.T) {
	repo := newMemRepo()
	role := repo.addRole(Role{ID: uuid.New(), Type: "coordinator", Priority: 100})
	delegator := uuid.New()
	delegate := uuid.New()
	repo.assignments[uuid.New()] = Assignment{
		ID:        uuid.New(),
		UserID:    delegator,
		RoleID:    role.ID,
		State:     StateActive,
		ValidFrom: fixedNow().Add(-time.Hour),
	}
	inv := &fakeInvalidator{}
	svc := newTestService(repo, &fakeExpander{}, inv, &fakeNotifier{})

	d, err := svc.CreateDelegation(context.Background(), CreateDelegationInput{
		FromUser:   delegator,
		ToUser:     delegate,
		RoleID:     role.ID,
		ValidUntil: fixedNow().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeDelegation(context.Background(), d.ID, delegator, "no longer needed"))
	require.ErrorIs(t, svc.RevokeDelegation(context.Background(), d.ID, delegator, ""), ErrInvalidState)
	require.Contains(t, inv.users, delegate)
}

func TestActiveSourcesAppliesPriorityOffset(t *testing.T) {
	repo := newMemRepo()
	setID := uuid.New()
	role := repo.addRole(Role{ID: uuid.New(), Type: "coordinator", Priority: 100, PermissionSetIDs: []uuid.UUID{setID}})
	perm := catalog.Permission{ID: uuid.New(), Resource: "calendar_event", Action: "calendar.update", Effect: catalog.EffectAllow, Scope: catalog.ScopeAll}
	exp := &fakeExpander{sets: map[uuid.UUID][]catalog.Permission{setID: {perm}}}

	delegator := uuid.New()
	delegate := uuid.New()
	grantEnd := fixedNow().Add(48 * time.Hour)
	repo.assignments[uuid.New()] = Assignment{
		ID:         uuid.New(),
		UserID:     delegator,
		RoleID:     role.ID,
		State:      StateActive,
		ValidFrom:  fixedNow().Add(-time.Hour),
		ValidUntil: &grantEnd,
	}
	svc := newTestService(repo, exp, &fakeInvalidator{}, &fakeNotifier{})

	sched := weekdaySchedule()
	_, err := svc.CreateDelegation(context.Background(), CreateDelegationInput{
		FromUser:   delegator,
		ToUser:     delegate,
		RoleID:     role.ID,
		ValidUntil: fixedNow().Add(time.Hour),
		Schedule:   sched,
	})
	require.NoError(t, err)

	direct, err := svc.ActiveSources(context.Background(), delegator, fixedNow())
	require.NoError(t, err)
	require.Len(t, direct, 1)
	require.Equal(t, authz.SourceDirectRole, direct[0].Kind)
	require.Equal(t, 100, direct[0].Priority)
	require.Len(t, direct[0].Permissions, 1)
	require.Nil(t, direct[0].Window)
	require.NotNil(t, direct[0].ValidUntil)
	require.Equal(t, grantEnd, *direct[0].ValidUntil)

	delegated, err := svc.ActiveSources(context.Background(), delegate, fixedNow())
	require.NoError(t, err)
	require.Len(t, delegated, 1)
	require.Equal(t, authz.SourceDelegation, delegated[0].Kind)
	require.Equal(t, 90, delegated[0].Priority)
	require.NotNil(t, delegated[0].Window)
	require.Equal(t, perm.ID, delegated[0].Permissions[0].ID)
	require.NotNil(t, delegated[0].ValidUntil)
	require.Equal(t, fixedNow().Add(time.Hour), *delegated[0].ValidUntil)
}
