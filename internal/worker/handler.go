package worker

import (
	"context"
	"fmt"

	"booking-webhook-pipeline/internal/models"
)

// Handler executes one attempt of a task of a given type.
type Handler func(ctx context.Context, task models.Task) error

// Dispatcher routes tasks to the handler registered for their type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type.
func (d *Dispatcher) Register(taskType string, h Handler) {
	if taskType == "" || h == nil {
		return
	}
	d.handlers[taskType] = h
}

// Execute runs the handler of the task's type. Tasks without a handler fail permanently.
func (d *Dispatcher) Execute(ctx context.Context, task models.Task) error {
	h, ok := d.handlers[task.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for type %q", task.Type))
	}
	return h(ctx, task)
}
