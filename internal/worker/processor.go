package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"booking-webhook-pipeline/internal/config"
	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/queue"
	"booking-webhook-pipeline/internal/store"
	"booking-webhook-pipeline/internal/telemetry"
)

// TaskStore is the task persistence the processor needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	MarkInProgress(ctx context.Context, id string) error
	MarkSuccess(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	MarkDeadLetter(ctx context.Context, id string, attempts int, lastErr string) error
	MoveMachine(ctx context.Context, id, machine string, nextRun time.Time, lastErr string) error
	ListStaleQueued(ctx context.Context, queue string, before time.Time, limit int) ([]models.Task, error)
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

// TaskQueue is the Redis transport the processor needs.
type TaskQueue interface {
	PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context, queue, machine string, limit int) (string, error)
	ExtendLease(ctx context.Context, queue, taskID string, extension time.Duration) error
	Ack(ctx context.Context, queue, taskID string) error
	Forget(ctx context.Context, queue, taskID string) error
	Schedule(ctx context.Context, ref queue.TaskRef, runAt time.Time) error
	EnqueueIfAbsent(ctx context.Context, ref queue.TaskRef, runAt time.Time) (bool, error)
	DLQPush(ctx context.Context, taskID string) error
	ReadyDepth(ctx context.Context, queue string) (int64, error)
	InFlight(ctx context.Context, queue string) (int64, error)
}

// DeadLetterArchiver keeps a copy of tasks whose retries are exhausted.
type DeadLetterArchiver interface {
	Archive(ctx context.Context, task models.Task, cause string) error
}

// Processor runs one polling loop per configured queue.
type Processor struct {
	cfg        config.Config
	registry   *queue.Registry
	queue      TaskQueue
	store      TaskStore
	dispatcher *Dispatcher
	archiver   DeadLetterArchiver
	log        *zap.Logger
	tracer     trace.Tracer
	machine    string
	now        func() time.Time
}

// Machine is the machine class whose ready lists this processor polls.
func (p *Processor) Machine() string { return p.machine }

// NewProcessor wires a processor for the machine class configured in cfg.
func NewProcessor(cfg config.Config, registry *queue.Registry, q TaskQueue, st TaskStore, d *Dispatcher, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	machine := cfg.WorkerMachine
	if machine == "" {
		machine = queue.DefaultMachine
	}
	return &Processor{
		cfg:        cfg,
		registry:   registry,
		queue:      q,
		store:      st,
		dispatcher: d,
		log:        log.Named("worker").With(zap.String("machine", machine)),
		tracer:     otel.Tracer(telemetry.TracerName),
		machine:    machine,
		now:        time.Now,
	}
}

// WithArchiver sets where dead-lettered tasks are copied to.
func (p *Processor) WithArchiver(a DeadLetterArchiver) *Processor {
	p.archiver = a
	return p
}

// Run polls every queue until ctx is cancelled, then waits for running attempts to settle.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, qc := range p.registry.All() {
		wg.Add(1)
		go func(qc queue.Config) {
			defer wg.Done()
			p.runQueue(ctx, qc)
		}(qc)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) runQueue(ctx context.Context, qc queue.Config) {
	log := p.log.With(zap.String("queue", qc.Name))
	log.Info("queue loop started", zap.Int("concurrency", qc.ConcurrencyLimit))

	slots := make(chan struct{}, qc.ConcurrencyLimit)
	var running sync.WaitGroup
	defer running.Wait()

	poll := p.cfg.WorkerPollInterval
	if poll == 0 {
		poll = time.Second
	}

	var nextSweep time.Time
	for {
		if ctx.Err() != nil {
			log.Info("queue loop stopping")
			return
		}
		p.maintain(ctx, qc)
		if now := p.now(); !now.Before(nextSweep) {
			p.recoverOrphans(ctx, qc)
			nextSweep = now.Add(p.orphanAge())
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		taskID, err := p.queue.DequeueWithLease(ctx, qc.Name, p.machine, qc.ConcurrencyLimit)
		if err != nil || taskID == "" {
			<-slots
			if err != nil && ctx.Err() == nil {
				log.Warn("dequeue", zap.Error(err))
			}
			sleep(ctx, poll)
			continue
		}

		running.Add(1)
		go func() {
			defer running.Done()
			defer func() { <-slots }()
			p.process(ctx, qc, taskID)
		}()
	}
}

// maintain promotes due retries and reclaims leases abandoned by crashed workers.
func (p *Processor) maintain(ctx context.Context, qc queue.Config) {
	now := p.now()
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	_, _ = p.queue.PromoteScheduled(ctx, qc.Name, now, batch)
	if reclaimed, err := p.queue.RequeueExpired(ctx, qc.Name, now, batch); err == nil {
		for _, id := range reclaimed {
			_ = p.store.AppendAudit(ctx, id, "lease_expired", "lease reclaimed and task requeued")
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx, qc.Name); err == nil {
		telemetry.QueueDepth.WithLabelValues(qc.Name).Set(float64(depth))
	}
	if n, err := p.queue.InFlight(ctx, qc.Name); err == nil {
		telemetry.InFlight.WithLabelValues(qc.Name).Set(float64(n))
	}
}

func (p *Processor) orphanAge() time.Duration {
	if p.cfg.VisibilityTimeout > 0 {
		return p.cfg.VisibilityTimeout
	}
	return 2 * time.Minute
}

// recoverOrphans enqueues queued tasks that Postgres holds but Redis lost, such as rows whose
// enqueue failed after the insert committed.
func (p *Processor) recoverOrphans(ctx context.Context, qc queue.Config) {
	batch := p.cfg.ScheduledBatchSize
	if batch <= 0 {
		batch = 100
	}
	stale, err := p.store.ListStaleQueued(ctx, qc.Name, p.now().Add(-p.orphanAge()), batch)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("list stale queued tasks", zap.String("queue", qc.Name), zap.Error(err))
		}
		return
	}
	for _, task := range stale {
		placed, err := p.queue.EnqueueIfAbsent(ctx, queue.TaskRef{ID: task.ID, Queue: qc.Name, Machine: task.Machine}, task.NextRunAt)
		if err != nil {
			p.log.Warn("recover queued task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if placed {
			_ = p.store.AppendAudit(ctx, task.ID, "re_enqueued", "queued task was missing from the queue")
			p.log.Info("recovered queued task", zap.String("queue", qc.Name), zap.String("task_id", task.ID))
		}
	}
}

func (p *Processor) process(ctx context.Context, qc queue.Config, taskID string) {
	log := p.log.With(zap.String("queue", qc.Name), zap.String("task_id", taskID))

	task, err := p.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("task row missing, dropping from queue", zap.Error(err))
		_ = p.queue.Forget(ctx, qc.Name, taskID)
		return
	}
	if err != nil {
		// Keep the task in Redis and try again shortly; no attempt is spent.
		retryAt := p.now().Add(qc.Retry.MinTimeout)
		log.Warn("load task, retrying later", zap.Time("retry_at", retryAt), zap.Error(err))
		if serr := p.queue.Schedule(ctx, queue.TaskRef{ID: taskID, Queue: qc.Name, Machine: p.machine}, retryAt); serr != nil {
			// The lease expires and reclaims the task.
			log.Error("reschedule after load failure", zap.Error(serr))
			return
		}
		_ = p.queue.Ack(ctx, qc.Name, taskID)
		return
	}
	switch task.Status {
	case models.StatusSucceeded, models.StatusFailed, models.StatusDeadLetter:
		_ = p.queue.Forget(ctx, qc.Name, taskID)
		return
	}

	_ = p.store.MarkInProgress(ctx, task.ID)

	spanCtx, span := p.tracer.Start(ctx, "task "+task.Type, trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.queue", task.Queue),
		attribute.String("task.trigger", task.Trigger),
		attribute.Int("task.attempt", task.Attempts+1),
		attribute.String("task.machine", task.Machine),
	))
	attemptCtx, cancel := context.WithTimeout(spanCtx, qc.ExecutionTimeout)
	stopHeartbeat := p.heartbeat(attemptCtx, qc.Name, task.ID)

	started := p.now()
	err = p.dispatcher.Execute(attemptCtx, task)
	stopHeartbeat()
	cancel()
	telemetry.TaskDuration.WithLabelValues(qc.Name, task.Type).Observe(p.now().Sub(started).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Shutdown interrupted the attempt; hand the task back without spending an attempt.
		p.requeueInterrupted(qc, task)
		return
	}
	p.settle(ctx, qc, task, err)
}

func (p *Processor) heartbeat(ctx context.Context, queueName, taskID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = p.queue.ExtendLease(ctx, queueName, taskID, p.cfg.VisibilityTimeout)
			}
		}
	}()
	return func() { close(done) }
}

func (p *Processor) requeueInterrupted(qc queue.Config, task models.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := p.now()
	_ = p.queue.Ack(ctx, qc.Name, task.ID)
	_ = p.queue.Schedule(ctx, queue.TaskRef{ID: task.ID, Queue: qc.Name, Machine: task.Machine}, now)
	_ = p.store.MarkRetry(ctx, task.ID, task.Attempts, now, "interrupted by worker shutdown")
}

// settle applies the failure policy of the queue to the outcome of one attempt.
func (p *Processor) settle(ctx context.Context, qc queue.Config, task models.Task, err error) {
	log := p.log.With(
		zap.String("queue", qc.Name),
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Int("attempt", task.Attempts+1),
	)

	if err == nil {
		_ = p.queue.Forget(ctx, qc.Name, task.ID)
		_ = p.store.MarkSuccess(ctx, task.ID)
		_ = p.store.AppendAudit(ctx, task.ID, "succeeded", "attempt completed")
		telemetry.TaskOutcomes.WithLabelValues(qc.Name, telemetry.OutcomeSucceeded).Inc()
		log.Debug("task succeeded")
		return
	}

	msg := err.Error()
	failures := task.Attempts + 1
	kind := classify(err)

	switch kind {
	case failureExpected:
		_ = p.queue.Forget(ctx, qc.Name, task.ID)
		_ = p.store.MarkFailed(ctx, task.ID, failures, msg)
		_ = p.store.AppendAudit(ctx, task.ID, "failed_expected", msg)
		telemetry.TaskOutcomes.WithLabelValues(qc.Name, telemetry.OutcomeExpected).Inc()
		log.Info("task failed with expected error", zap.String("reason", msg))
		return

	case failurePermanent:
		_ = p.queue.Forget(ctx, qc.Name, task.ID)
		_ = p.store.MarkFailed(ctx, task.ID, failures, msg)
		_ = p.store.AppendAudit(ctx, task.ID, "failed_permanent", msg)
		telemetry.TaskOutcomes.WithLabelValues(qc.Name, telemetry.OutcomeFailed).Inc()
		log.Warn("task failed permanently", zap.Error(err))
		return

	case failureOutOfMemory:
		if machine, ok := qc.Retry.EscalationMachine(task.Machine); ok {
			now := p.now()
			_ = p.queue.Ack(ctx, qc.Name, task.ID)
			if serr := p.queue.Schedule(ctx, queue.TaskRef{ID: task.ID, Queue: qc.Name, Machine: machine}, now); serr != nil {
				log.Error("reschedule on larger machine", zap.Error(serr))
			}
			_ = p.store.MoveMachine(ctx, task.ID, machine, now, msg)
			_ = p.store.AppendAudit(ctx, task.ID, "machine_escalated", fmt.Sprintf("from=%s to=%s", task.Machine, machine))
			telemetry.TaskOutcomes.WithLabelValues(qc.Name, telemetry.OutcomeEscalated).Inc()
			log.Warn("task out of memory, moving to larger machine",
				zap.String("from", task.Machine), zap.String("to", machine))
			return
		}
	}

	policy := qc.Retry
	policy.MaxAttempts = task.MaxAttempts
	if policy.ShouldRetry(failures) {
		delay := policy.Delay(failures)
		nextRun := p.now().Add(delay)
		_ = p.queue.Ack(ctx, qc.Name, task.ID)
		if serr := p.queue.Schedule(ctx, queue.TaskRef{ID: task.ID, Queue: qc.Name, Machine: task.Machine}, nextRun); serr != nil {
			log.Error("schedule retry", zap.Error(serr))
		}
		_ = p.store.MarkRetry(ctx, task.ID, failures, nextRun, msg)
		_ = p.store.AppendAudit(ctx, task.ID, "retry_scheduled",
			fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), failures))
		telemetry.TaskOutcomes.WithLabelValues(qc.Name, telemetry.OutcomeRetried).Inc()
		log.Warn("task failed, retry scheduled", zap.Stringer("failure", kind), zap.Duration("delay", delay), zap.Error(err))
		return
	}

	task.Attempts = failures
	task.Status = models.StatusDeadLetter
	task.LastError = &msg
	_ = p.queue.Forget(ctx, qc.Name, task.ID)
	_ = p.store.MarkDeadLetter(ctx, task.ID, failures, msg)
	_ = p.queue.DLQPush(ctx, task.ID)
	_ = p.store.AppendAudit(ctx, task.ID, "dead_letter", msg)
	if p.archiver != nil {
		if aerr := p.archiver.Archive(ctx, task, msg); aerr != nil {
			log.Warn("archive dead-lettered task", zap.Error(aerr))
		}
	}
	telemetry.TaskOutcomes.WithLabelValues(qc.Name, telemetry.OutcomeDeadLetter).Inc()
	log.Error("task dead-lettered after exhausting retries", zap.Stringer("failure", kind), zap.Error(err))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
