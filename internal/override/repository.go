package override

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

// Insert persists a new override with its permission snapshot.
func (r *PGRepository) Insert(ctx context.Context, o Override, granted []GrantedPermission) error {
	snapshot, err := json.Marshal(granted)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO emergency_overrides
(id, triggered_by, affected_user, reason, justification, duration_minutes, granted_permissions, notified_users, activated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.TriggeredBy, o.AffectedUser, string(o.Reason), o.Justification,
		o.DurationMinutes, snapshot, o.NotifiedUsers, o.ActivatedAt, o.ExpiresAt)
	return err
}

const overrideColumns = `id, triggered_by, affected_user, reason, justification, duration_minutes, granted_permissions, notified_users, activated_at, expires_at, deactivated_at`

func scanOverride(row pgx.Row) (Override, []GrantedPermission, error) {
	var o Override
	var reason string
	var snapshot []byte
	if err := row.Scan(&o.ID, &o.TriggeredBy, &o.AffectedUser, &reason, &o.Justification,
		&o.DurationMinutes, &snapshot, &o.NotifiedUsers, &o.ActivatedAt, &o.ExpiresAt, &o.DeactivatedAt); err != nil {
		return Override{}, nil, err
	}
	o.Reason = Reason(reason)
	var granted []GrantedPermission
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &granted); err != nil {
			return Override{}, nil, err
		}
	}
	for _, g := range granted {
		o.PermissionIDs = append(o.PermissionIDs, g.ID)
	}
	return o, granted, nil
}

// Get fetches one override by ID.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Override, []GrantedPermission, error) {
	o, granted, err := scanOverride(r.pool.QueryRow(ctx, `SELECT `+overrideColumns+`
FROM emergency_overrides WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, nil, ErrNotFound
		}
		return Override{}, nil, err
	}
	return o, granted, nil
}

// ActiveFor returns the live override for a user at the instant.
func (r *PGRepository) ActiveFor(ctx context.Context, userID uuid.UUID, at time.Time) (Override, []GrantedPermission, error) {
	o, granted, err := scanOverride(r.pool.QueryRow(ctx, `SELECT `+overrideColumns+`
FROM emergency_overrides
WHERE affected_user = $1 AND deactivated_at IS NULL AND activated_at <= $2 AND expires_at > $2
ORDER BY activated_at DESC LIMIT 1`, userID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, nil, ErrNotFound
		}
		return Override{}, nil, err
	}
	return o, granted, nil
}

// RefreshExpiry moves the expiry of a live override.
func (r *PGRepository) RefreshExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE emergency_overrides
SET expires_at = $2 WHERE id = $1 AND deactivated_at IS NULL`, id, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate marks the override as manually ended.
func (r *PGRepository) Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE emergency_overrides
SET deactivated_at = $2 WHERE id = $1 AND deactivated_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
