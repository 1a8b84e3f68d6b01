package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/store"
)

type modeEntry struct {
	mode    models.BillingMode
	expires time.Time
}

// Factory picks the reconciliation strategy of a subscription from its billing mode.
type Factory struct {
	store    StateStore
	counter  ActiveUserCounter
	reporter UsageReporter
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	modes map[string]modeEntry
}

// NewFactory builds a factory caching billing modes for ttl.
func NewFactory(st StateStore, counter ActiveUserCounter, reporter UsageReporter, ttl time.Duration) *Factory {
	return &Factory{
		store:    st,
		counter:  counter,
		reporter: reporter,
		ttl:      ttl,
		now:      time.Now,
		modes:    make(map[string]modeEntry),
	}
}

// CreateBySubscriptionID returns the strategy for the subscription's billing mode. Unknown
// subscriptions get the seat strategy, whose callbacks report nothing handled.
func (f *Factory) CreateBySubscriptionID(ctx context.Context, subscriptionID string) (Strategy, error) {
	mode, err := f.mode(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if mode == models.BillingModeActiveUsers {
		return NewActiveUserStrategy(f.store, f.counter, f.reporter), nil
	}
	return NewSeatStrategy(f.store), nil
}

func (f *Factory) mode(ctx context.Context, subscriptionID string) (models.BillingMode, error) {
	now := f.now()
	f.mu.Lock()
	if e, ok := f.modes[subscriptionID]; ok && now.Before(e.expires) {
		f.mu.Unlock()
		return e.mode, nil
	}
	f.mu.Unlock()

	mode, err := f.store.BillingMode(ctx, subscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return models.BillingModeSeats, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup billing mode: %w", err)
	}

	if f.ttl > 0 {
		f.mu.Lock()
		f.modes[subscriptionID] = modeEntry{mode: mode, expires: now.Add(f.ttl)}
		f.mu.Unlock()
	}
	return mode, nil
}
