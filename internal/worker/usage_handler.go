package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
)

// UsageIncrementer reports metered usage to the billing provider.
type UsageIncrementer interface {
	IncrementUsage(ctx context.Context, usage payloads.UsageIncrementPayload) error
}

// UsageHandler executes billing.usage_increment tasks.
type UsageHandler struct {
	provider UsageIncrementer
}

func NewUsageHandler(provider UsageIncrementer) *UsageHandler {
	return &UsageHandler{provider: provider}
}

func (h *UsageHandler) Handle(ctx context.Context, task models.Task) error {
	var usage payloads.UsageIncrementPayload
	if err := json.Unmarshal(task.Payload, &usage); err != nil {
		return Permanent(fmt.Errorf("decode usage payload: %w", err))
	}
	if err := payloads.Validate(usage); err != nil {
		return Permanent(err)
	}
	if usage.IdempotencyKey == "" {
		usage.IdempotencyKey = task.ID
	}
	return h.provider.IncrementUsage(ctx, usage)
}
