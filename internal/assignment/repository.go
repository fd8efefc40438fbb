package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// scheduleJSON is the persisted shape of a recurring schedule.
type scheduleJSON struct {
	Days        []int  `json:"days"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Timezone    string `json:"timezone"`
}

func marshalSchedule(s *Schedule) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	days := make([]int, len(s.Days))
	for i, d := range s.Days {
		days[i] = int(d)
	}
	return json.Marshal(scheduleJSON{
		Days:        days,
		StartMinute: s.StartMinute,
		EndMinute:   s.EndMinute,
		Timezone:    s.Timezone,
	})
}

func unmarshalSchedule(raw []byte) (*Schedule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var sj scheduleJSON
	if err := json.Unmarshal(raw, &sj); err != nil {
		return nil, err
	}
	days := make([]time.Weekday, len(sj.Days))
	for i, d := range sj.Days {
		days[i] = time.Weekday(d)
	}
	return &Schedule{
		Days:        days,
		StartMinute: sj.StartMinute,
		EndMinute:   sj.EndMinute,
		Timezone:    sj.Timezone,
	}, nil
}

// GetRole fetches a role with its permission set references.
func (r *PGRepository) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT id, type, priority, requires_approval
FROM roles WHERE id = $1`, id).Scan(&role.ID, &role.Type, &role.Priority, &role.RequiresApproval)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return r.attachSets(ctx, role)
}

// GetRoleByType fetches a role by its type name.
func (r *PGRepository) GetRoleByType(ctx context.Context, roleType string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT id, type, priority, requires_approval
FROM roles WHERE type = $1`, roleType).Scan(&role.ID, &role.Type, &role.Priority, &role.RequiresApproval)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return r.attachSets(ctx, role)
}

func (r *PGRepository) attachSets(ctx context.Context, role Role) (Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT set_id FROM role_permission_sets WHERE role_id = $1`, role.ID)
	if err != nil {
		return Role{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var setID uuid.UUID
		if err := rows.Scan(&setID); err != nil {
			return Role{}, err
		}
		role.PermissionSetIDs = append(role.PermissionSetIDs, setID)
	}
	return role, rows.Err()
}

// InsertAssignment persists a new role assignment.
func (r *PGRepository) InsertAssignment(ctx context.Context, a Assignment) error {
	sched, err := marshalSchedule(a.Schedule)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO role_assignments
(id, user_id, role_id, scope_entities, valid_from, valid_until, schedule, state, granted_by, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.UserID, a.RoleID, a.ScopeEntities, a.ValidFrom, a.ValidUntil, sched, string(a.State), a.GrantedBy, a.Reason, a.CreatedAt)
	return err
}

const assignmentColumns = `id, user_id, role_id, scope_entities, valid_from, valid_until, schedule, state, granted_by, reason, approved_by, revoked_by, revoke_reason, created_at`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	var sched []byte
	var state string
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.ScopeEntities, &a.ValidFrom, &a.ValidUntil,
		&sched, &state, &a.GrantedBy, &a.Reason, &a.ApprovedBy, &a.RevokedBy, &a.RevokeReason, &a.CreatedAt); err != nil {
		return Assignment{}, err
	}
	a.State = State(state)
	parsed, err := unmarshalSchedule(sched)
	if err != nil {
		return Assignment{}, err
	}
	a.Schedule = parsed
	return a, nil
}

// GetAssignment fetches one assignment by ID.
func (r *PGRepository) GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+`
FROM role_assignments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, err
	}
	return a, nil
}

// UpdateAssignmentState applies a soft state transition.
func (r *PGRepository) UpdateAssignmentState(ctx context.Context, id uuid.UUID, state State, by *uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE role_assignments
SET state = $2,
    approved_by = CASE WHEN $2 = 'active' AND state = 'pending_approval' THEN $3 ELSE approved_by END,
    revoked_by = CASE WHEN $2 = 'revoked' THEN $3 ELSE revoked_by END,
    revoke_reason = CASE WHEN $2 = 'revoked' THEN $4 ELSE revoke_reason END
WHERE id = $1`, id, string(state), by, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveAssignment returns the user's active grant of a role at the instant.
func (r *PGRepository) ActiveAssignment(ctx context.Context, userID, roleID uuid.UUID, at time.Time) (Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+`
FROM role_assignments
WHERE user_id = $1 AND role_id = $2 AND state = 'active'
  AND valid_from <= $3 AND (valid_until IS NULL OR valid_until >= $3)
ORDER BY valid_from DESC LIMIT 1`, userID, roleID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, err
	}
	return a, nil
}

// ActiveAssignmentsFor lists the user's assignments valid at the instant.
func (r *PGRepository) ActiveAssignmentsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+`
FROM role_assignments
WHERE user_id = $1 AND state = 'active'
  AND valid_from <= $2 AND (valid_until IS NULL OR valid_until >= $2)`, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertDelegation persists a new delegation.
func (r *PGRepository) InsertDelegation(ctx context.Context, d Delegation) error {
	sched, err := marshalSchedule(d.Schedule)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO delegations
(id, from_user, to_user, role_id, scope_entities, valid_from, valid_until, schedule, reason, state, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.FromUser, d.ToUser, d.RoleID, d.ScopeEntities, d.ValidFrom, d.ValidUntil, sched, d.Reason, string(d.State), d.CreatedAt)
	return err
}

const delegationColumns = `id, from_user, to_user, role_id, scope_entities, valid_from, valid_until, schedule, reason, state, approved_by, revoked_by, revoke_reason, created_at`

func scanDelegation(row pgx.Row) (Delegation, error) {
	var d Delegation
	var sched []byte
	var state string
	if err := row.Scan(&d.ID, &d.FromUser, &d.ToUser, &d.RoleID, &d.ScopeEntities, &d.ValidFrom, &d.ValidUntil,
		&sched, &d.Reason, &state, &d.ApprovedBy, &d.RevokedBy, &d.RevokeReason, &d.CreatedAt); err != nil {
		return Delegation{}, err
	}
	d.State = State(state)
	parsed, err := unmarshalSchedule(sched)
	if err != nil {
		return Delegation{}, err
	}
	d.Schedule = parsed
	return d, nil
}

// GetDelegation fetches one delegation by ID.
func (r *PGRepository) GetDelegation(ctx context.Context, id uuid.UUID) (Delegation, error) {
	d, err := scanDelegation(r.pool.QueryRow(ctx, `SELECT `+delegationColumns+`
FROM delegations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delegation{}, ErrNotFound
		}
		return Delegation{}, err
	}
	return d, nil
}

// UpdateDelegationState applies a soft state transition.
func (r *PGRepository) UpdateDelegationState(ctx context.Context, id uuid.UUID, state State, by *uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE delegations
SET state = $2,
    approved_by = CASE WHEN $2 = 'active' AND state = 'pending_approval' THEN $3 ELSE approved_by END,
    revoked_by = CASE WHEN $2 = 'revoked' THEN $3 ELSE revoked_by END,
    revoke_reason = CASE WHEN $2 = 'revoked' THEN $4 ELSE revoke_reason END
WHERE id = $1`, id, string(state), by, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveDelegationsFor lists delegations to the user valid at the instant.
func (r *PGRepository) ActiveDelegationsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]Delegation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+delegationColumns+`
FROM delegations
WHERE to_user = $1 AND state = 'active'
  AND valid_from <= $2 AND valid_until >= $2`, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
