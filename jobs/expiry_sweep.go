package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/kincircle/kincircle/internal/jobs"
)

// Invalidator drops cached decisions for a user after their grants change.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

// GrantExpirySweepJob transitions assignments and delegations whose window has
// lapsed from active to expired. Expired rows already fail the active-grant
// queries, so the sweep keeps state columns honest rather than gating access.
type GrantExpirySweepJob struct {
	Pool    *pgxpool.Pool
	Cache   Invalidator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewGrantExpirySweepJob initialises the sweep handler.
func NewGrantExpirySweepJob(pool *pgxpool.Pool, cache Invalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *GrantExpirySweepJob {
	return &GrantExpirySweepJob{
		Pool:    pool,
		Cache:   cache,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep run.
func (j *GrantExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	var payload GrantExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = 1000
	}

	tracker := j.metrics().Track(TaskGrantExpirySweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	logger := j.logger().With(slog.Int("batch_size", payload.BatchSize))
	logger.Info("starting grant expiry sweep")

	assignments, aUsers, err := j.expire(ctx, now, payload.BatchSize, `
		UPDATE role_assignments SET state = 'expired', updated_at = $1
		WHERE id IN (
			SELECT id FROM role_assignments
			WHERE state = 'active' AND valid_until IS NOT NULL AND valid_until < $1
			LIMIT $2
		)
		RETURNING user_id`)
	if err != nil {
		resultErr = err
		logger.Error("assignment sweep failed", slog.Any("error", err))
		return resultErr
	}
	delegations, dUsers, err := j.expire(ctx, now, payload.BatchSize, `
		UPDATE delegations SET state = 'expired', updated_at = $1
		WHERE id IN (
			SELECT id FROM delegations
			WHERE state = 'active' AND valid_until < $1
			LIMIT $2
		)
		RETURNING to_user`)
	if err != nil {
		resultErr = err
		logger.Error("delegation sweep failed", slog.Any("error", err))
		return resultErr
	}

	// Overrides expire by wall clock and their cached decisions carry a hard
	// deadline at expires_at, so this pass is bookkeeping: it records the
	// terminal state and drops any residual keys. Marking the row swept
	// dedupes the work across runs.
	overrides, oUsers, err := j.expire(ctx, now, payload.BatchSize, `
		UPDATE emergency_overrides SET swept_at = $1
		WHERE id IN (
			SELECT id FROM emergency_overrides
			WHERE swept_at IS NULL AND deactivated_at IS NULL AND expires_at < $1
			LIMIT $2
		)
		RETURNING affected_user`)
	if err != nil {
		resultErr = err
		logger.Error("override sweep failed", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddSwept("assignment", assignments)
	j.metrics().AddSwept("delegation", delegations)
	j.metrics().AddSwept("override", overrides)
	users := append(append(aUsers, dUsers...), oUsers...)
	j.invalidate(ctx, logger, users)

	logger.Info("completed grant expiry sweep",
		slog.Int64("assignments", assignments),
		slog.Int64("delegations", delegations),
		slog.Int64("overrides", overrides),
		slog.Duration("duration", time.Since(now)),
	)
	return resultErr
}

func (j *GrantExpirySweepJob) expire(ctx context.Context, now time.Time, batch int, query string) (int64, []uuid.UUID, error) {
	if j.Pool == nil {
		return 0, nil, errors.New("expiry sweep: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, query, now, batch)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]struct{})
	var users []uuid.UUID
	var count int64
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return 0, nil, err
		}
		count++
		if _, ok := seen[userID]; !ok {
			seen[userID] = struct{}{}
			users = append(users, userID)
		}
	}
	return count, users, rows.Err()
}

func (j *GrantExpirySweepJob) invalidate(ctx context.Context, logger *slog.Logger, users []uuid.UUID) {
	if j.Cache == nil {
		return
	}
	for _, userID := range users {
		if err := j.Cache.InvalidateUser(ctx, userID); err != nil {
			logger.Warn("cache invalidation failed", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
	}
}

func (j *GrantExpirySweepJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *GrantExpirySweepJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

func (j *GrantExpirySweepJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}
