package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"booking-webhook-pipeline/internal/models"
	"booking-webhook-pipeline/internal/payloads"
)

const subscriberColumns = `id, subscriber_url, secret, payload_version, active, event_triggers, user_id, event_type_id, team_id, org_id, oauth_client_id, created_at`

// ResolveSubscribers returns the active subscriptions listening to trigger that are owned by
// any id in scope.
func (s *Store) ResolveSubscribers(ctx context.Context, trigger payloads.TriggerEvent, scope models.Scope) ([]models.Subscriber, error) {
	if scope.Empty() {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriberColumns+`
		FROM webhook_subscriptions
		WHERE active AND $1 = ANY(event_triggers)
		  AND (user_id = $2 OR event_type_id = $3 OR team_id = ANY($4) OR org_id = $5 OR oauth_client_id = $6)
		ORDER BY created_at, id
	`, string(trigger), scope.UserID, scope.EventTypeID, scope.TeamIDs, scope.OrgID, scope.OAuthClientID)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var out []models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetSubscriber fetches a subscription by id.
func (s *Store) GetSubscriber(ctx context.Context, id string) (models.Subscriber, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscriber{}, fmt.Errorf("subscriber %s: %w", id, ErrNotFound)
	}
	return sub, err
}

// CreateSubscriber registers a webhook subscription and returns it with id and timestamps set.
func (s *Store) CreateSubscriber(ctx context.Context, sub models.Subscriber) (models.Subscriber, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.PayloadVersion = payloads.NormalizeVersion(sub.PayloadVersion)
	if sub.EventTriggers == nil {
		sub.EventTriggers = []string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_subscriptions (id, subscriber_url, secret, payload_version, active, event_triggers, user_id, event_type_id, team_id, org_id, oauth_client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, sub.ID, sub.SubscriberURL, sub.Secret, sub.PayloadVersion, sub.Active, sub.EventTriggers, sub.UserID, sub.EventTypeID, sub.TeamID, sub.OrgID, sub.OAuthClientID).Scan(&sub.CreatedAt)
	if err != nil {
		return models.Subscriber{}, fmt.Errorf("insert subscriber: %w", err)
	}
	return sub, nil
}

// SetSubscriberActive enables or disables a subscription.
func (s *Store) SetSubscriberActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_subscriptions SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscriber %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSubscriber(row pgx.Row) (models.Subscriber, error) {
	var sub models.Subscriber
	err := row.Scan(&sub.ID, &sub.SubscriberURL, &sub.Secret, &sub.PayloadVersion, &sub.Active, &sub.EventTriggers,
		&sub.UserID, &sub.EventTypeID, &sub.TeamID, &sub.OrgID, &sub.OAuthClientID, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Subscriber{}, err
		}
		return models.Subscriber{}, fmt.Errorf("scan subscriber: %w", err)
	}
	return sub, nil
}
