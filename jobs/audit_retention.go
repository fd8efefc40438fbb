package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kincircle/kincircle/internal/jobs"
)

// CheckPurger trims aged decision-log rows.
type CheckPurger interface {
	DeleteChecksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetentionJob purges decision records older than the retention window.
// Change records are never purged.
type AuditRetentionJob struct {
	Purger  CheckPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewAuditRetentionJob initialises the retention handler.
func NewAuditRetentionJob(purger CheckPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRetentionJob {
	return &AuditRetentionJob{
		Purger:  purger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one retention run.
func (j *AuditRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Purger == nil {
		return errors.New("audit retention: handler not configured")
	}
	var payload AuditRetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskAuditRetention)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.clock()
	cutoff := now.Add(-defaultRetention(payload.RetainDays))
	logger := j.logger().With(slog.Time("cutoff", cutoff))
	logger.Info("starting audit retention")

	purged, err := j.Purger.DeleteChecksBefore(ctx, cutoff)
	if err != nil {
		resultErr = err
		logger.Error("retention failed", slog.Any("error", err))
		return resultErr
	}
	j.Metrics.AddSwept("audit_check", purged)

	logger.Info("completed audit retention",
		slog.Int64("purged", purged),
		slog.Duration("duration", time.Since(now)),
	)
	return resultErr
}

func (j *AuditRetentionJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
