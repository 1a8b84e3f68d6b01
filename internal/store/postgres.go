package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"booking-webhook-pipeline/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	Queue          string
	Type           string
	Trigger        string
	SubscriberID   string
	Payload        json.RawMessage
	Machine        string
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateTask inserts a task row, honoring idempotency if a key is provided.
// It returns the task and whether an existing task was reused.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, bool, error) {
	if p.Machine == "" {
		p.Machine = "small-1x"
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Task{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, queue, type, trigger_event, subscriber_id, payload, machine, status, attempts, max_attempts, next_run_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12, $12)
	`, id, p.Queue, p.Type, p.Trigger, p.SubscriberID, []byte(p.Payload), p.Machine, models.StatusQueued, p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Task{}, false, fmt.Errorf("insert task: %w", err)
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			e := now.Add(p.IdempotencyTTL)
			expires = &e
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, task_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Task{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.Rollback(ctx); err != nil {
				return models.Task{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Task{}, false, err
			}
			if !found {
				return models.Task{}, false, errors.New("idempotency conflict but no existing task found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Task{
		ID:             id,
		Queue:          p.Queue,
		Type:           p.Type,
		Trigger:        p.Trigger,
		SubscriberID:   p.SubscriberID,
		Payload:        p.Payload,
		Machine:        p.Machine,
		Status:         models.StatusQueued,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the task mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Task, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT task_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, false, err
	}
	return task, true, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// ListStaleQueued returns queued tasks of a queue that have not changed since before.
func (s *Store) ListStaleQueued(ctx context.Context, queue string, before time.Time, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE queue = $1 AND status = $2 AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4
	`, queue, models.StatusQueued, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

const taskColumns = `id, queue, type, trigger_event, subscriber_id, payload, machine, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, created_at, updated_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var task models.Task
	var payload []byte
	var lastErr pgtype.Text
	var idem pgtype.Text

	if err := row.Scan(&task.ID, &task.Queue, &task.Type, &task.Trigger, &task.SubscriberID, &payload, &task.Machine, &task.Status, &task.Attempts, &task.MaxAttempts, &task.NextRunAt, &lastErr, &idem, &task.CreatedAt, &task.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Payload = json.RawMessage(payload)
	task.LastError = textPtr(lastErr)
	task.IdempotencyKey = textPtr(idem)
	return task, nil
}

// MarkInProgress records that a worker started an attempt.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusInProgress)
	return err
}

// MarkSuccess transitions a task to succeeded.
func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusSucceeded)
	return err
}

// MarkRetry puts a failed task back to queued with its new attempt count and run time.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// MarkFailed records a terminal, non-alerting failure.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, attempts, lastErr)
	return err
}

// MarkDeadLetter flags a task whose retries are exhausted.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusDeadLetter, attempts, lastErr)
	return err
}

// MoveMachine reassigns a task to another machine class without touching its attempts.
func (s *Store) MoveMachine(ctx context.Context, id, machine string, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, machine = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, machine, nextRun, lastErr)
	return err
}

// ResetForReplay requeues a dead-lettered task with a fresh attempt budget.
func (s *Store) ResetForReplay(ctx context.Context, id string) (models.Task, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, attempts = 0, next_run_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusQueued, models.StatusDeadLetter)
	if err != nil {
		return models.Task{}, fmt.Errorf("reset task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Task{}, fmt.Errorf("dead-lettered task %s: %w", id, ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

// AuditTrail lists the audit rows of a task, oldest first.
func (s *Store) AuditTrail(ctx context.Context, taskID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, event, detail, ts FROM task_audit_logs WHERE task_id = $1 ORDER BY ts, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.TaskID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of tasks of a queue per status.
func (s *Store) CountByStatus(ctx context.Context, queue string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE queue = $1 GROUP BY status
	`, queue)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
