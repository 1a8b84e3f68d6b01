package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/store"
)

// Submission is one unit of work handed to a delivery backend.
type Submission struct {
	Queue          string
	Type           string
	Trigger        payloads.TriggerEvent
	SubscriberID   string
	Payload        json.RawMessage
	IdempotencyKey string
}

// DeliveryBackend accepts submissions for execution.
type DeliveryBackend interface {
	Submit(ctx context.Context, s Submission) (models.Task, error)
}

// TaskStore persists tasks before they are enqueued.
type TaskStore interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, bool, error)
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// Enqueuer places persisted tasks on the Redis transport.
type Enqueuer interface {
	Enqueue(ctx context.Context, ref queue.TaskRef, runAt time.Time) error
	EnqueueIfAbsent(ctx context.Context, ref queue.TaskRef, runAt time.Time) (bool, error)
}

// AsyncBackend persists each task in Postgres and enqueues it for the worker fleet.
type AsyncBackend struct {
	store          TaskStore
	queue          Enqueuer
	registry       *queue.Registry
	idempotencyTTL time.Duration
}

// NewAsyncBackend constructs the production backend.
func NewAsyncBackend(st TaskStore, q Enqueuer, registry *queue.Registry, idempotencyTTL time.Duration) *AsyncBackend {
	return &AsyncBackend{store: st, queue: q, registry: registry, idempotencyTTL: idempotencyTTL}
}

// Submit implements DeliveryBackend. A submission whose idempotency key was already used
// returns the existing task; if that task is still queued but missing from Redis, it is
// enqueued again.
func (b *AsyncBackend) Submit(ctx context.Context, s Submission) (models.Task, error) {
	qc, ok := b.registry.Get(s.Queue)
	if !ok {
		return models.Task{}, fmt.Errorf("unknown queue %q", s.Queue)
	}
	task, existing, err := b.store.CreateTask(ctx, store.CreateTaskParams{
		Queue:          qc.Name,
		Type:           s.Type,
		Trigger:        string(s.Trigger),
		SubscriberID:   s.SubscriberID,
		Payload:        s.Payload,
		Machine:        qc.Machine,
		IdempotencyKey: s.IdempotencyKey,
		RunAt:          time.Now().UTC(),
		MaxAttempts:    qc.Retry.MaxAttempts,
		IdempotencyTTL: b.idempotencyTTL,
	})
	if err != nil {
		return models.Task{}, fmt.Errorf("persist task: %w", err)
	}
	ref := queue.TaskRef{ID: task.ID, Queue: task.Queue, Machine: task.Machine}
	if existing {
		if task.Status != models.StatusQueued {
			return task, nil
		}
		placed, err := b.queue.EnqueueIfAbsent(ctx, ref, task.NextRunAt)
		if err != nil {
			return models.Task{}, fmt.Errorf("re-enqueue task %s: %w", task.ID, err)
		}
		if placed {
			_ = b.store.AppendAudit(ctx, task.ID, "re_enqueued", "resubmitted task was missing from the queue")
		}
		return task, nil
	}
	if err := b.queue.Enqueue(ctx, ref, task.NextRunAt); err != nil {
		_ = b.store.AppendAudit(ctx, task.ID, "enqueue_failed", err.Error())
		return models.Task{}, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	_ = b.store.AppendAudit(ctx, task.ID, "enqueued", fmt.Sprintf("queue=%s machine=%s", task.Queue, task.Machine))
	return task, nil
}

// Executor runs a task to completion in the calling goroutine.
type Executor interface {
	Execute(ctx context.Context, task models.Task) error
}

// SyncBackend executes each submission inline. It is meant for tests and single-process
// deployments that have no worker fleet; there are no retries.
type SyncBackend struct {
	exec Executor
}

// NewSyncBackend constructs an inline backend.
func NewSyncBackend(exec Executor) *SyncBackend {
	return &SyncBackend{exec: exec}
}

// Submit implements DeliveryBackend.
func (b *SyncBackend) Submit(ctx context.Context, s Submission) (models.Task, error) {
	now := time.Now().UTC()
	task := models.Task{
		ID:           uuid.New().String(),
		Queue:        s.Queue,
		Type:         s.Type,
		Trigger:      string(s.Trigger),
		SubscriberID: s.SubscriberID,
		Payload:      s.Payload,
		Machine:      queue.DefaultMachine,
		Status:       models.StatusInProgress,
		Attempts:     1,
		NextRunAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.IdempotencyKey != "" {
		task.IdempotencyKey = &s.IdempotencyKey
	}
	if err := b.exec.Execute(ctx, task); err != nil {
		return task, fmt.Errorf("execute task %s: %w", task.ID, err)
	}
	task.Status = models.StatusSucceeded
	return task, nil
}
