package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kincircle/kincircle/internal/platform/db"
)

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertPermission inserts a permission definition.
func (r *PGRepository) InsertPermission(ctx context.Context, p Permission) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO permissions (id, resource, action, effect, scope, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, p.ID, p.Resource, p.Action, string(p.Effect), string(p.Scope), p.CreatedAt)
	return err
}

// GetPermission fetches one permission by ID.
func (r *PGRepository) GetPermission(ctx context.Context, id uuid.UUID) (Permission, error) {
	var p Permission
	var effect, scope string
	err := r.pool.QueryRow(ctx, `SELECT id, resource, action, effect, scope, created_at
FROM permissions WHERE id = $1`, id).Scan(&p.ID, &p.Resource, &p.Action, &effect, &scope, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	p.Effect = Effect(effect)
	p.Scope = Scope(scope)
	return p, nil
}

// CreateSet creates a set, its member links, the closure self row, and every
// parent edge in one transaction. A failure on any edge rolls back the whole
// create so no half-linked set is left behind.
func (r *PGRepository) CreateSet(ctx context.Context, set PermissionSet, permissionIDs, parentIDs []uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO permission_sets (id, name, description, created_at)
VALUES ($1, $2, $3, $4)`, set.ID, set.Name, set.Description, set.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO permission_set_closure (ancestor_id, descendant_id, depth)
VALUES ($1, $1, 0)`, set.ID); err != nil {
			return err
		}
		for _, permID := range permissionIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO permission_set_members (set_id, permission_id)
VALUES ($1, $2) ON CONFLICT DO NOTHING`, set.ID, permID); err != nil {
				return err
			}
		}
		for _, parentID := range parentIDs {
			if err := linkParentTx(ctx, tx, parentID, set.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSet fetches a set with its direct parents.
func (r *PGRepository) GetSet(ctx context.Context, id uuid.UUID) (PermissionSet, error) {
	var set PermissionSet
	err := r.pool.QueryRow(ctx, `SELECT id, name, description, created_at
FROM permission_sets WHERE id = $1`, id).Scan(&set.ID, &set.Name, &set.Description, &set.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PermissionSet{}, ErrNotFound
		}
		return PermissionSet{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT ancestor_id FROM permission_set_closure
WHERE descendant_id = $1 AND depth = 1`, id)
	if err != nil {
		return PermissionSet{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var parent uuid.UUID
		if err := rows.Scan(&parent); err != nil {
			return PermissionSet{}, err
		}
		set.ParentIDs = append(set.ParentIDs, parent)
	}
	return set, rows.Err()
}

// PathExists reports whether descendant is reachable from ancestor.
func (r *PGRepository) PathExists(ctx context.Context, ancestorID, descendantID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM permission_set_closure WHERE ancestor_id = $1 AND descendant_id = $2 AND depth > 0)`,
		ancestorID, descendantID).Scan(&exists)
	return exists, err
}

// LinkParent inserts the edge and the transitive pairs it implies.
func (r *PGRepository) LinkParent(ctx context.Context, parentID, childID uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return linkParentTx(ctx, tx, parentID, childID)
	})
}

func linkParentTx(ctx context.Context, tx pgx.Tx, parentID, childID uuid.UUID) error {
	// Repeat the reverse-path check under the transaction so a concurrent
	// link cannot slip a loop past the service-level validation.
	var reverse bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM permission_set_closure WHERE ancestor_id = $1 AND descendant_id = $2 AND depth > 0)`,
		childID, parentID).Scan(&reverse); err != nil {
		return err
	}
	if reverse {
		return ErrCycleDetected
	}
	// Every ancestor of the parent (parent included) becomes an ancestor of
	// every descendant of the child (child included), at combined depth.
	_, err := tx.Exec(ctx, `INSERT INTO permission_set_closure (ancestor_id, descendant_id, depth)
SELECT a.ancestor_id, d.descendant_id, a.depth + d.depth + 1
FROM permission_set_closure a
JOIN permission_set_closure d ON d.ancestor_id = $2
WHERE a.descendant_id = $1
ON CONFLICT (ancestor_id, descendant_id) DO NOTHING`, parentID, childID)
	return err
}

// AncestorLineage returns setID and its ancestors, farthest ancestor first.
func (r *PGRepository) AncestorLineage(ctx context.Context, setID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT ancestor_id FROM permission_set_closure
WHERE descendant_id = $1 ORDER BY depth DESC, ancestor_id`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lineage []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		lineage = append(lineage, id)
	}
	return lineage, rows.Err()
}

// PermissionsForSets loads member permissions grouped by set.
func (r *PGRepository) PermissionsForSets(ctx context.Context, setIDs []uuid.UUID) (map[uuid.UUID][]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT m.set_id, p.id, p.resource, p.action, p.effect, p.scope, p.created_at
FROM permission_set_members m
JOIN permissions p ON p.id = m.permission_id
WHERE m.set_id = ANY($1)
ORDER BY p.resource, p.action`, setIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]Permission)
	for rows.Next() {
		var setID uuid.UUID
		var p Permission
		var effect, scope string
		if err := rows.Scan(&setID, &p.ID, &p.Resource, &p.Action, &effect, &scope, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Effect = Effect(effect)
		p.Scope = Scope(scope)
		out[setID] = append(out[setID], p)
	}
	return out, rows.Err()
}

// RoleHolders enumerates users with an active assignment of any role that
// references the set or one of its descendants.
func (r *PGRepository) RoleHolders(ctx context.Context, setID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT ra.user_id
FROM role_assignments ra
JOIN role_permission_sets rps ON rps.role_id = ra.role_id
JOIN permission_set_closure c ON c.descendant_id = rps.set_id
WHERE c.ancestor_id = $1 AND ra.state = 'active'`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var holders []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		holders = append(holders, id)
	}
	return holders, rows.Err()
}
