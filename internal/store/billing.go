package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"booking-webhook-pipeline/internal/models"
)

// BillingMode returns the billing mode of a subscription.
func (s *Store) BillingMode(ctx context.Context, subscriptionID string) (models.BillingMode, error) {
	var mode string
	err := s.pool.QueryRow(ctx, `
		SELECT mode FROM billing_subscriptions WHERE subscription_id = $1
	`, subscriptionID).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query billing mode: %w", err)
	}
	return models.BillingMode(mode), nil
}

// GetBillingState fetches the reconciled state of a subscription.
func (s *Store) GetBillingState(ctx context.Context, subscriptionID string) (models.SubscriptionBillingState, error) {
	var st models.SubscriptionBillingState
	var mode string
	err := s.pool.QueryRow(ctx, `
		SELECT subscription_id, team_id, mode, seats_paid, price_per_seat, currency, billing_interval, period_start, period_end, usage_item_id, reported_users, updated_at
		FROM billing_subscriptions WHERE subscription_id = $1
	`, subscriptionID).Scan(&st.SubscriptionID, &st.TeamID, &mode, &st.SeatsPaid, &st.PricePerSeat, &st.Currency, &st.Interval,
		&st.PeriodStart, &st.PeriodEnd, &st.UsageItemID, &st.ReportedUsers, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SubscriptionBillingState{}, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	if err != nil {
		return models.SubscriptionBillingState{}, fmt.Errorf("scan billing state: %w", err)
	}
	st.Mode = models.BillingMode(mode)
	return st, nil
}

// UpsertBillingState creates or replaces the billing record of a subscription.
func (s *Store) UpsertBillingState(ctx context.Context, st models.SubscriptionBillingState) error {
	if st.Interval == "" {
		st.Interval = models.IntervalMonth
	}
	if st.Mode == "" {
		st.Mode = models.BillingModeSeats
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_subscriptions (subscription_id, team_id, mode, seats_paid, price_per_seat, currency, billing_interval, period_start, period_end, usage_item_id, reported_users, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (subscription_id) DO UPDATE SET
			team_id = EXCLUDED.team_id,
			mode = EXCLUDED.mode,
			seats_paid = EXCLUDED.seats_paid,
			price_per_seat = EXCLUDED.price_per_seat,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			usage_item_id = EXCLUDED.usage_item_id,
			reported_users = EXCLUDED.reported_users,
			updated_at = NOW()
	`, st.SubscriptionID, st.TeamID, string(st.Mode), st.SeatsPaid, st.PricePerSeat, st.Currency, st.Interval,
		st.PeriodStart, st.PeriodEnd, st.UsageItemID, st.ReportedUsers)
	if err != nil {
		return fmt.Errorf("upsert billing state: %w", err)
	}
	return nil
}

// CreateProration records a pending proration for a mid-cycle seat change.
func (s *Store) CreateProration(ctx context.Context, p models.ProrationEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proration_entries (id, subscription_id, seat_delta, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, p.ID, p.SubscriptionID, p.SeatDelta, p.Amount, string(models.ProrationPending))
	if err != nil {
		return fmt.Errorf("insert proration: %w", err)
	}
	return nil
}

// ChargeProration moves a pending or failed proration to charged; a payment that lands after a
// failed attempt on the same invoice still wins. When applySeats is set the seat delta is added
// to the subscription's paid seats in the same transaction. Charged is terminal, so it reports
// false when the proration is unknown or already charged.
func (s *Store) ChargeProration(ctx context.Context, prorationID, invoiceID string, applySeats bool) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var subscriptionID string
	var delta int
	err = tx.QueryRow(ctx, `
		UPDATE proration_entries
		SET status = $2, invoice_id = $3, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING subscription_id, seat_delta
	`, prorationID, string(models.ProrationCharged), invoiceID, string(models.ProrationPending), string(models.ProrationFailed)).Scan(&subscriptionID, &delta)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("charge proration: %w", err)
	}

	if applySeats {
		if _, err := tx.Exec(ctx, `
			UPDATE billing_subscriptions SET seats_paid = seats_paid + $2, updated_at = NOW()
			WHERE subscription_id = $1
		`, subscriptionID, delta); err != nil {
			return false, fmt.Errorf("apply seat delta: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// FailProration moves a pending proration to failed, reporting false when it was not pending.
// A charged proration never moves back.
func (s *Store) FailProration(ctx context.Context, prorationID, invoiceID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE proration_entries
		SET status = $2, invoice_id = $3, failure_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, prorationID, string(models.ProrationFailed), invoiceID, reason, string(models.ProrationPending))
	if err != nil {
		return false, fmt.Errorf("fail proration: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AdvancePeriod moves the subscription to a new billing window only when start is later than
// the stored period start. A non-nil seatsPaid replaces the paid seat count in the same update.
func (s *Store) AdvancePeriod(ctx context.Context, subscriptionID string, start, end time.Time, seatsPaid *int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_subscriptions
		SET period_start = $2, period_end = $3, seats_paid = COALESCE($4, seats_paid), updated_at = NOW()
		WHERE subscription_id = $1 AND (period_start IS NULL OR period_start < $2)
	`, subscriptionID, start, end, seatsPaid)
	if err != nil {
		return false, fmt.Errorf("advance period: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordReportedUsers stores the active-user count last reported to the provider.
func (s *Store) RecordReportedUsers(ctx context.Context, subscriptionID string, count int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE billing_subscriptions SET reported_users = $2, updated_at = NOW()
		WHERE subscription_id = $1
	`, subscriptionID, count)
	if err != nil {
		return fmt.Errorf("record reported users: %w", err)
	}
	return nil
}
