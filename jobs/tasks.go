package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendNotification delivers a grant-change notification.
	TaskTypeSendNotification = "notify:send"
	// TaskGrantExpirySweep transitions lapsed assignments and delegations.
	TaskGrantExpirySweep = "grants:expiry_sweep"
	// TaskAuditRetention purges decision-log rows past the retention window.
	TaskAuditRetention = "audit:retention"
)

// SendNotificationPayload describes one notification delivery.
type SendNotificationPayload struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendNotificationTask constructs an Asynq task.
func NewSendNotificationTask(payload SendNotificationPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendNotification, data, asynq.Queue(QueueDefault)), nil
}

// HandleSendNotificationTask processes TaskTypeSendNotification tasks.
func HandleSendNotificationTask(ctx context.Context, t *asynq.Task) error {
	var payload SendNotificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder: push/email channels arrive with the messaging gateway.
	slog.Default().Info("notification delivered",
		slog.String("user_id", payload.UserID),
		slog.String("kind", payload.Kind),
		slog.String("subject", payload.Subject))
	return nil
}

// GrantExpirySweepPayload bounds one sweep run.
type GrantExpirySweepPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewGrantExpirySweepTask builds a sweep task.
func NewGrantExpirySweepTask(batchSize int) (*asynq.Task, error) {
	body, err := json.Marshal(GrantExpirySweepPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// AuditRetentionPayload carries the retention window for decision logs.
type AuditRetentionPayload struct {
	RetainDays int `json:"retain_days"`
}

// NewAuditRetentionTask builds a retention task.
func NewAuditRetentionTask(retainDays int) (*asynq.Task, error) {
	body, err := json.Marshal(AuditRetentionPayload{RetainDays: retainDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, body, asynq.Queue(QueueDefault)), nil
}

func defaultRetention(days int) time.Duration {
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
}
