package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	kgerrors "keygate/internal/errors"
)

// Subscription mirrors the billing provider's view of a subscription. ID is
// the provider's subscription id, which licenses link to. GracePeriodEnds
// is set when the subscription is cancelled or a payment fails and cleared
// again on renewal.
type Subscription struct {
	ID              string
	UserID          string
	PlanID          string
	Status          string
	ExpiresAt       *time.Time
	GracePeriodEnds *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type SubscriptionModel struct {
	DB DBTX
}

// Upsert writes the subscription state carried by a webhook event,
// creating the row on first sight.
func (m SubscriptionModel) Upsert(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (id, user_id, plan_id, status, expires_at, grace_period_ends)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    plan_id = EXCLUDED.plan_id,
		    status = EXCLUDED.status,
		    expires_at = EXCLUDED.expires_at,
		    grace_period_ends = EXCLUDED.grace_period_ends,
		    updated_at = NOW() AT TIME ZONE 'UTC'
		RETURNING created_at, updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.Status,
		sub.ExpiresAt,
		sub.GracePeriodEnds,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// Get fetches a subscription by the provider's id.
func (m SubscriptionModel) Get(ctx context.Context, id string) (*Subscription, error) {
	query := `
		SELECT id, user_id, plan_id, status, expires_at, grace_period_ends, created_at, updated_at
		FROM subscriptions
		WHERE id = $1`

	var (
		sub             Subscription
		expiresAt       sql.NullTime
		gracePeriodEnds sql.NullTime
	)
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&sub.Status,
		&expiresAt,
		&gracePeriodEnds,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, kgerrors.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	if expiresAt.Valid {
		sub.ExpiresAt = &expiresAt.Time
	}
	if gracePeriodEnds.Valid {
		sub.GracePeriodEnds = &gracePeriodEnds.Time
	}
	return &sub, nil
}
