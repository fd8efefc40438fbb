package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository provides PostgreSQL backed persistence for both audit logs.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertCheck appends a decision record.
func (r *PGRepository) InsertCheck(ctx context.Context, rec CheckRecord) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO audit_checks
(id, user_id, action, resource_id, resource_type, allowed, reason, source, role_id, cache_hit, cache_tier, degraded, latency_micros, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.UserID, rec.Action, rec.ResourceID, rec.ResourceType, rec.Allowed, rec.Reason,
		rec.Source, rec.RoleID, rec.CacheHit, rec.CacheTier, rec.Degraded, rec.Latency.Microseconds(), rec.At)
	return err
}

// InsertChange appends a change record.
func (r *PGRepository) InsertChange(ctx context.Context, rec ChangeRecord) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO audit_changes
(id, entity, entity_id, action, actor_id, reason, before, after, severity, approved_by, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Entity, rec.EntityID, rec.Action, rec.ActorID, rec.Reason,
		rec.Before, rec.After, string(rec.Severity), rec.ApprovedBy, rec.At)
	return err
}

// ListChecks pages through decision records, newest first.
func (r *PGRepository) ListChecks(ctx context.Context, f CheckFilters, offset, limit int) ([]CheckRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, action, resource_id, resource_type, allowed, reason, source, role_id, cache_hit, cache_tier, degraded, latency_micros, at
FROM audit_checks
WHERE ($1::uuid IS NULL OR user_id = $1)
  AND ($2::text IS NULL OR action = $2)
  AND ($3::timestamptz IS NULL OR at >= $3)
  AND ($4::timestamptz IS NULL OR at <= $4)
ORDER BY at DESC
OFFSET $5 LIMIT $6`, f.UserID, nullable(f.Action), nullableTime(f.From), nullableTime(f.To), offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CheckRecord
	for rows.Next() {
		var rec CheckRecord
		var micros int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Action, &rec.ResourceID, &rec.ResourceType,
			&rec.Allowed, &rec.Reason, &rec.Source, &rec.RoleID, &rec.CacheHit, &rec.CacheTier,
			&rec.Degraded, &micros, &rec.At); err != nil {
			return nil, err
		}
		rec.Latency = time.Duration(micros) * time.Microsecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListChanges pages through change records, newest first.
func (r *PGRepository) ListChanges(ctx context.Context, f ChangeFilters, offset, limit int) ([]ChangeRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, entity, entity_id, action, actor_id, reason, before, after, severity, approved_by, at
FROM audit_changes
WHERE ($1::text IS NULL OR entity = $1)
  AND ($2::uuid IS NULL OR actor_id = $2)
  AND ($3::text IS NULL OR severity = $3)
  AND ($4::timestamptz IS NULL OR at >= $4)
  AND ($5::timestamptz IS NULL OR at <= $5)
ORDER BY at DESC
OFFSET $6 LIMIT $7`, nullable(f.Entity), f.ActorID, nullable(string(f.Severity)), nullableTime(f.From), nullableTime(f.To), offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		var severity string
		if err := rows.Scan(&rec.ID, &rec.Entity, &rec.EntityID, &rec.Action, &rec.ActorID,
			&rec.Reason, &rec.Before, &rec.After, &severity, &rec.ApprovedBy, &rec.At); err != nil {
			return nil, err
		}
		rec.Severity = Severity(severity)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteChecksBefore trims decision records older than the cutoff. Change
// records are retained indefinitely.
func (r *PGRepository) DeleteChecksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_checks WHERE at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
