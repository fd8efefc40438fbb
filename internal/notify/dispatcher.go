// Package notify enqueues grant-change notifications onto the background
// queue. Delivery is best effort and never blocks the caller's mutation.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/kincircle/kincircle/jobs"
)

// Enqueuer is the queue client surface the dispatcher needs.
type Enqueuer interface {
	EnqueueSendNotification(ctx context.Context, payload jobs.SendNotificationPayload) (*asynq.TaskInfo, error)
}

// Dispatcher fans one notification out to a set of users.
type Dispatcher struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewDispatcher constructs a Dispatcher instance.
func NewDispatcher(queue Enqueuer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, logger: logger}
}

// Notify enqueues one delivery task per recipient. Failures are logged and
// swallowed so grant mutations never fail on notification plumbing.
func (d *Dispatcher) Notify(ctx context.Context, userIDs []uuid.UUID, kind, subject, body string) {
	if d == nil || d.queue == nil {
		return
	}
	for _, userID := range userIDs {
		_, err := d.queue.EnqueueSendNotification(ctx, jobs.SendNotificationPayload{
			UserID:  userID.String(),
			Kind:    kind,
			Subject: subject,
			Body:    body,
		})
		if err != nil && d.logger != nil {
			d.logger.Warn("enqueue notification",
				slog.String("user_id", userID.String()),
				slog.String("kind", kind),
				slog.Any("error", err))
		}
	}
}
