package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"booking-webhook-pipeline/internal/config"
)

// Named queues.
const (
	WebhookDelivery = "webhook-delivery"
	Calendars       = "calendars"
	Billing         = "billing"
)

// DefaultMachine is the execution unit tasks start on.
const DefaultMachine = "small-1x"

// OutOfMemoryPolicy moves a task to a larger machine when it runs out of memory.
type OutOfMemoryPolicy struct {
	Machine string `validate:"required"`
}

// RetryPolicy bounds how often and how quickly a failed task is retried.
type RetryPolicy struct {
	MaxAttempts int           `validate:"gte=0"`
	Factor      float64       `validate:"gte=1"`
	MinTimeout  time.Duration `validate:"gt=0"`
	MaxTimeout  time.Duration `validate:"gtefield=MinTimeout"`
	Randomize   bool
	OutOfMemory *OutOfMemoryPolicy
}

// Config describes one named queue. It is immutable once the process has started.
type Config struct {
	Name             string        `validate:"required"`
	ConcurrencyLimit int           `validate:"gt=0"`
	Machine          string        `validate:"required"`
	ExecutionTimeout time.Duration `validate:"gt=0"`
	Retry            RetryPolicy
}

// Registry holds the validated queue configs of the process.
type Registry struct {
	configs map[string]Config
}

var validate = validator.New()

// NewRegistry validates and indexes queue configs by name.
func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{configs: make(map[string]Config, len(configs))}
	for _, c := range configs {
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("queue %q: %w", c.Name, err)
		}
		if _, dup := r.configs[c.Name]; dup {
			return nil, fmt.Errorf("queue %q defined twice", c.Name)
		}
		r.configs[c.Name] = c
	}
	return r, nil
}

// DefaultRegistry builds the webhook-delivery, calendars and billing queues from config.
func DefaultRegistry(cfg config.Config) (*Registry, error) {
	retry := RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Factor:      cfg.RetryFactor,
		MinTimeout:  cfg.RetryMinTimeout,
		MaxTimeout:  cfg.RetryMaxTimeout,
		Randomize:   cfg.RetryRandomize,
	}
	if cfg.OOMMachine != "" {
		retry.OutOfMemory = &OutOfMemoryPolicy{Machine: cfg.OOMMachine}
	}
	timeout := cfg.ExecutionTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return NewRegistry(
		Config{Name: WebhookDelivery, ConcurrencyLimit: cfg.WebhookConcurrency, Machine: DefaultMachine, ExecutionTimeout: timeout, Retry: retry},
		Config{Name: Calendars, ConcurrencyLimit: cfg.CalendarsConcurrency, Machine: DefaultMachine, ExecutionTimeout: timeout, Retry: retry},
		Config{Name: Billing, ConcurrencyLimit: cfg.BillingConcurrency, Machine: DefaultMachine, ExecutionTimeout: timeout, Retry: retry},
	)
}

// Get returns the config of the named queue.
func (r *Registry) Get(name string) (Config, bool) {
	c, ok := r.configs[name]
	return c, ok
}

// All returns every queue config ordered by name.
func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
