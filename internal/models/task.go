package models

import (
	"encoding/json"
	"time"
)

// Task lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusLeased     = "leased"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_lettered"
)

// Task types understood by the worker.
const (
	TaskTypeWebhookDelivery = "webhook.deliver"
	TaskTypeUsageIncrement  = "billing.usage_increment"
)

// Task is a queued unit of delivery work.
type Task struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Type           string          `json:"type"`
	Trigger        string          `json:"trigger,omitempty"`
	SubscriberID   string          `json:"subscriber_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Machine        string          `json:"machine"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRunAt      time.Time       `json:"next_run_at"`
	LastError      *string         `json:"last_error,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AuditLog is a single task lifecycle event.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
