package store

import (
	"context"
	"fmt"
	"time"
)

type EventModel struct {
	DB DBTX
}

// Claim records a webhook event id before any of its effects are applied.
// The first caller for an id gets true; every replay, concurrent or later,
// gets false and must skip processing. The claim survives restarts, unlike
// the in-memory dedup cache in front of it.
func (m EventModel) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, received_at)
		VALUES ($1, $2, NOW() AT TIME ZONE 'UTC')
		ON CONFLICT (event_id) DO NOTHING`

	result, err := m.DB.ExecContext(ctx, query, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim webhook event rows affected: %w", err)
	}
	return rows == 1, nil
}

// Release withdraws a claim. Used when applying the event's effects failed
// after the claim was taken, so the provider's retry is processed instead
// of being mistaken for a replay of an applied event.
func (m EventModel) Release(ctx context.Context, eventID string) error {
	query := `DELETE FROM webhook_events WHERE event_id = $1`

	if _, err := m.DB.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// PurgeBefore drops event claims older than the cutoff. Billing providers
// stop redelivering well before the retention window, so expired claims
// only cost table space.
func (m EventModel) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM webhook_events WHERE received_at < $1`

	result, err := m.DB.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge webhook events rows affected: %w", err)
	}
	return rows, nil
}
