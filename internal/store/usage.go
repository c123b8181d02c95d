package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one (license, machine, day) usage counter row.
type UsageRecord struct {
	LicenseID uuid.UUID
	MachineID string
	UsageDate string
	CallCount int64
	Features  []string
	UpdatedAt time.Time
}

type UsageModel struct {
	DB DBTX
}

// dateKey collapses a timestamp to the UTC calendar day the counters are
// bucketed by.
func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Record bumps the call counter for a machine's current UTC day and returns
// the new count. Increment and insert are one statement, so two concurrent
// calls can never read the same value and both write count+1.
func (m UsageModel) Record(ctx context.Context, licenseID uuid.UUID, machineID string, day time.Time, features []string) (int64, error) {
	query := `
		INSERT INTO usage_records (license_id, machine_id, usage_date, call_count, features, updated_at)
		VALUES ($1, $2, $3, 1, $4, NOW() AT TIME ZONE 'UTC')
		ON CONFLICT (license_id, machine_id, usage_date) DO UPDATE
		SET call_count = usage_records.call_count + 1,
		    features = EXCLUDED.features,
		    updated_at = NOW() AT TIME ZONE 'UTC'
		RETURNING call_count`

	var featureList []byte
	if len(features) > 0 {
		b, err := json.Marshal(features)
		if err != nil {
			return 0, fmt.Errorf("marshal features: %w", err)
		}
		featureList = b
	}

	var count int64
	err := m.DB.QueryRowContext(ctx, query, licenseID, machineID, dateKey(day), featureList).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record usage: %w", err)
	}
	return count, nil
}

// DailyTotal sums the day's calls across every machine on the license.
// This is the number quota enforcement compares against the tier limit.
func (m UsageModel) DailyTotal(ctx context.Context, licenseID uuid.UUID, day time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(call_count), 0)
		FROM usage_records
		WHERE license_id = $1 AND usage_date = $2`

	var total int64
	err := m.DB.QueryRowContext(ctx, query, licenseID, dateKey(day)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum daily usage: %w", err)
	}
	return total, nil
}

// PurgeBefore deletes usage rows older than the cutoff day and reports how
// many went. Rows for the cutoff day itself are kept.
func (m UsageModel) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM usage_records WHERE usage_date < $1`

	result, err := m.DB.ExecContext(ctx, query, dateKey(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge usage: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge usage rows affected: %w", err)
	}
	return rows, nil
}
