package authz

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGOwnerLookup resolves ownership and group membership from the resource
// registry. A resource missing from the registry denies rather than errors.
type PGOwnerLookup struct {
	pool *pgxpool.Pool
}

func NewPGOwnerLookup(pool *pgxpool.Pool) *PGOwnerLookup {
	return &PGOwnerLookup{pool: pool}
}

func (l *PGOwnerLookup) OwnerOf(ctx context.Context, resourceType, resourceID string) (uuid.UUID, error) {
	const q = `SELECT owner_id FROM resources WHERE resource_type = $1 AND id = $2`
	var owner uuid.UUID
	err := l.pool.QueryRow(ctx, q, resourceType, resourceID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return owner, nil
}

func (l *PGOwnerLookup) GroupOf(ctx context.Context, resourceType, resourceID string) (string, error) {
	const q = `SELECT COALESCE(group_id, '') FROM resources WHERE resource_type = $1 AND id = $2`
	var group string
	err := l.pool.QueryRow(ctx, q, resourceType, resourceID).Scan(&group)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return group, nil
}
