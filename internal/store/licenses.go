package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	kgerrors "keygate/internal/errors"
	v1 "keygate/pkg/contracts/v1"
	"keygate/pkg/tier"
)

// License is a row in the licenses table. MaxMachines is denormalized from
// the tier at generation time so machine admission never needs the tier
// table. CustomLimits, when present, overrides the tier defaults.
type License struct {
	ID             uuid.UUID
	Key            string
	UserID         string
	Tier           tier.Tier
	Status         v1.LicenseStatus
	SubscriptionID *string
	MaxMachines    int
	CustomLimits   *v1.Limits
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
	RevokeReason   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type LicenseModel struct {
	DB DBTX
}

const licenseColumns = `id, key, user_id, tier, status, subscription_id, max_machines, custom_limits, expires_at, revoked_at, revoke_reason, created_at, updated_at`

// Insert stores a freshly generated license and fills in the
// database-assigned fields.
func (m LicenseModel) Insert(ctx context.Context, lic *License) error {
	query := `
		INSERT INTO licenses (key, user_id, tier, status, subscription_id, max_machines, custom_limits, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	var limits []byte
	if lic.CustomLimits != nil {
		b, err := json.Marshal(lic.CustomLimits)
		if err != nil {
			return fmt.Errorf("marshal custom limits: %w", err)
		}
		limits = b
	}

	err := m.DB.QueryRowContext(ctx, query,
		lic.Key,
		lic.UserID,
		string(lic.Tier),
		string(lic.Status),
		lic.SubscriptionID,
		lic.MaxMachines,
		limits,
		lic.ExpiresAt,
	).Scan(&lic.ID, &lic.CreatedAt, &lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// GetByKey fetches a license by its full key string.
func (m LicenseModel) GetByKey(ctx context.Context, key string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE key = $1`
	return m.scanLicense(m.DB.QueryRowContext(ctx, query, key))
}

// GetBySubscription fetches the license linked to a billing subscription.
func (m LicenseModel) GetBySubscription(ctx context.Context, subscriptionID string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE subscription_id = $1`
	return m.scanLicense(m.DB.QueryRowContext(ctx, query, subscriptionID))
}

// Revoke marks a license revoked. Revoking an already revoked license is a
// no-op that keeps the original revocation timestamp and reason; the first
// revocation wins. Returns the effective revocation time.
func (m LicenseModel) Revoke(ctx context.Context, key, reason string) (time.Time, error) {
	query := `
		UPDATE licenses
		SET status = 'revoked',
		    revoked_at = COALESCE(revoked_at, NOW() AT TIME ZONE 'UTC'),
		    revoke_reason = COALESCE(revoke_reason, $2),
		    updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE key = $1
		RETURNING revoked_at`

	var revokedAt time.Time
	err := m.DB.QueryRowContext(ctx, query, key, reason).Scan(&revokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, kgerrors.ErrLicenseNotFound
		}
		return time.Time{}, fmt.Errorf("revoke license: %w", err)
	}
	return revokedAt, nil
}

// Activate sets a license active with a new expiry. Used when a
// subscription is created, resumes, or renews. Revoked licenses stay
// revoked.
func (m LicenseModel) Activate(ctx context.Context, key string, expiresAt *time.Time) error {
	query := `
		UPDATE licenses
		SET status = 'active', expires_at = $2, updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE key = $1 AND status <> 'revoked'`
	return m.guardedUpdate(ctx, query, key, expiresAt)
}

// Suspend parks a license, typically on a failed payment. Reversible via
// Activate. Revoked licenses stay revoked.
func (m LicenseModel) Suspend(ctx context.Context, key string) error {
	query := `
		UPDATE licenses
		SET status = 'suspended', updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE key = $1 AND status <> 'revoked'`
	return m.guardedUpdate(ctx, query, key)
}

// Expire marks a license expired once its grace period has lapsed.
func (m LicenseModel) Expire(ctx context.Context, key string) error {
	query := `
		UPDATE licenses
		SET status = 'expired', updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE key = $1 AND status <> 'revoked'`
	return m.guardedUpdate(ctx, query, key)
}

// SetTier moves a license to a different plan tier, refreshing the
// denormalized machine limit alongside it.
func (m LicenseModel) SetTier(ctx context.Context, key string, t tier.Tier, maxMachines int) error {
	query := `
		UPDATE licenses
		SET tier = $2, max_machines = $3, updated_at = NOW() AT TIME ZONE 'UTC'
		WHERE key = $1 AND status <> 'revoked'`
	return m.guardedUpdate(ctx, query, key, string(t), maxMachines)
}

// guardedUpdate runs an update that excludes revoked rows and works out
// which condition blocked it when nothing matched.
func (m LicenseModel) guardedUpdate(ctx context.Context, query, key string, args ...any) error {
	result, err := m.DB.ExecContext(ctx, query, append([]any{key}, args...)...)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update license rows affected: %w", err)
	}
	if rows == 0 {
		lic, getErr := m.GetByKey(ctx, key)
		if getErr != nil {
			return getErr
		}
		if lic.Status == v1.LicenseRevoked {
			return kgerrors.ErrLicenseRevoked
		}
		return kgerrors.ErrLicenseNotFound
	}
	return nil
}

func (m LicenseModel) scanLicense(row *sql.Row) (*License, error) {
	var (
		lic            License
		tierName       string
		status         string
		subscriptionID sql.NullString
		customLimits   []byte
		expiresAt      sql.NullTime
		revokedAt      sql.NullTime
		revokeReason   sql.NullString
	)

	err := row.Scan(
		&lic.ID,
		&lic.Key,
		&lic.UserID,
		&tierName,
		&status,
		&subscriptionID,
		&lic.MaxMachines,
		&customLimits,
		&expiresAt,
		&revokedAt,
		&revokeReason,
		&lic.CreatedAt,
		&lic.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, kgerrors.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}

	lic.Tier = tier.Tier(tierName)
	lic.Status = v1.LicenseStatus(status)
	if subscriptionID.Valid {
		lic.SubscriptionID = &subscriptionID.String
	}
	if len(customLimits) > 0 {
		var limits v1.Limits
		if err := json.Unmarshal(customLimits, &limits); err != nil {
			return nil, fmt.Errorf("unmarshal custom limits: %w", err)
		}
		lic.CustomLimits = &limits
	}
	if expiresAt.Valid {
		lic.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		lic.RevokedAt = &revokedAt.Time
	}
	if revokeReason.Valid {
		lic.RevokeReason = &revokeReason.String
	}
	return &lic, nil
}
