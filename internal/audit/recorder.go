package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sink persists audit records.
type Sink interface {
	InsertCheck(ctx context.Context, rec CheckRecord) error
	InsertChange(ctx context.Context, rec ChangeRecord) error
}

// Recorder buffers audit records and writes them in the background.
// Enqueueing never blocks and persistence failures never propagate to the
// operation that produced the record; full buffers drop with a counter.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	checks  chan CheckRecord
	changes chan ChangeRecord
	dropped atomic.Uint64
	wg      sync.WaitGroup
	nowFn   func() time.Time
}

// NewRecorder constructs a Recorder with the given buffer size per log.
func NewRecorder(sink Sink, logger *slog.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		sink:    sink,
		logger:  logger,
		checks:  make(chan CheckRecord, buffer),
		changes: make(chan ChangeRecord, buffer),
		nowFn:   time.Now,
	}
}

// Check enqueues a decision record.
func (r *Recorder) Check(rec CheckRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.At.IsZero() {
		rec.At = r.nowFn()
	}
	select {
	case r.checks <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Change enqueues a change record at info severity.
func (r *Recorder) Change(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any) {
	r.enqueueChange(entity, entityID, action, actorID, reason, before, after, SeverityInfo)
}

// CriticalChange enqueues a change record at critical severity. Used for
// break-glass activity, which is always separately audited.
func (r *Recorder) CriticalChange(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any) {
	r.enqueueChange(entity, entityID, action, actorID, reason, before, after, SeverityCritical)
}

// WarningChange enqueues a change record at warning severity.
func (r *Recorder) WarningChange(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any) {
	r.enqueueChange(entity, entityID, action, actorID, reason, before, after, SeverityWarning)
}

func (r *Recorder) enqueueChange(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any, severity Severity) {
	rec := ChangeRecord{
		ID:       uuid.New(),
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		ActorID:  actorID,
		Reason:   reason,
		Severity: severity,
		At:       r.nowFn(),
	}
	if before != nil {
		if raw, err := json.Marshal(before); err == nil {
			rec.Before = raw
		}
	}
	if after != nil {
		if raw, err := json.Marshal(after); err == nil {
			rec.After = raw
		}
	}
	select {
	case r.changes <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many records were lost to full buffers.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run drains the buffers until the context ends, then flushes what remains.
func (r *Recorder) Run(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case rec := <-r.checks:
			r.persistCheck(rec)
		case rec := <-r.changes:
			r.persistChange(rec)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.checks:
			if err := r.sink.InsertCheck(ctx, rec); err != nil {
				r.dropped.Add(1)
			}
		case rec := <-r.changes:
			if err := r.sink.InsertChange(ctx, rec); err != nil {
				r.dropped.Add(1)
			}
		default:
			return
		}
	}
}

func (r *Recorder) persistCheck(rec CheckRecord) {
	if err := r.withRetry(func(ctx context.Context) error { return r.sink.InsertCheck(ctx, rec) }); err != nil {
		r.dropped.Add(1)
		if r.logger != nil {
			r.logger.Warn("audit check write failed", slog.Any("error", err))
		}
	}
}

func (r *Recorder) persistChange(rec ChangeRecord) {
	if err := r.withRetry(func(ctx context.Context) error { return r.sink.InsertChange(ctx, rec) }); err != nil {
		r.dropped.Add(1)
		if r.logger != nil {
			r.logger.Warn("audit change write failed", slog.Any("error", err))
		}
	}
}

func (r *Recorder) withRetry(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := fn(ctx)
	if err == nil {
		return nil
	}
	select {
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		return err
	}
	return fn(ctx)
}
