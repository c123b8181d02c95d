package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	kgerrors "keygate/internal/errors"
)

// Machine is a row in the license_machines table. Fingerprint keeps the
// hash recorded at first registration; re-validations refresh last_seen but
// never overwrite it.
type Machine struct {
	ID          uuid.UUID
	LicenseID   uuid.UUID
	MachineID   string
	Fingerprint string
	FirstSeen   time.Time
	LastSeen    time.Time
	Active      bool
}

type MachineModel struct {
	DB DBTX
}

// admit runs the single conditional upsert that decides admission. It must
// run inside a transaction that already holds the license row lock (see
// Store.RegisterMachine); without that lock two concurrent inserts for
// different machine ids could both pass the count and overshoot the limit.
//
// The insert is attempted only when a slot is free or the machine is
// already active on the license. An attempted insert that collides on
// (license_id, machine_id) falls through to the update arm, which refreshes
// last_seen and reactivates a deactivated row. Zero rows back means the
// admission was refused.
func (m MachineModel) admit(ctx context.Context, licenseID uuid.UUID, machineID, fingerprint string, maxMachines int) (*Machine, bool, error) {
	query := `
		INSERT INTO license_machines (license_id, machine_id, fingerprint, first_seen, last_seen, active)
		SELECT $1, $2, $3, NOW() AT TIME ZONE 'UTC', NOW() AT TIME ZONE 'UTC', TRUE
		WHERE $4 < 0
		   OR (SELECT COUNT(*) FROM license_machines WHERE license_id = $1 AND active = TRUE) < $4
		   OR EXISTS (SELECT 1 FROM license_machines WHERE license_id = $1 AND machine_id = $2 AND active = TRUE)
		ON CONFLICT (license_id, machine_id) DO UPDATE
		SET last_seen = NOW() AT TIME ZONE 'UTC', active = TRUE
		RETURNING id, license_id, machine_id, fingerprint, first_seen, last_seen, active, (xmax = 0) AS created`

	var (
		machine Machine
		created bool
	)
	err := m.DB.QueryRowContext(ctx, query, licenseID, machineID, fingerprint, maxMachines).Scan(
		&machine.ID,
		&machine.LicenseID,
		&machine.MachineID,
		&machine.Fingerprint,
		&machine.FirstSeen,
		&machine.LastSeen,
		&machine.Active,
		&created,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, kgerrors.ErrMachineLimitExceeded
		}
		return nil, false, fmt.Errorf("admit machine: %w", err)
	}
	return &machine, created, nil
}

// Deactivate frees the slot held by a machine. The row is kept so a later
// re-registration preserves first_seen, but it no longer counts against the
// limit and must win a slot again to come back.
func (m MachineModel) Deactivate(ctx context.Context, licenseID uuid.UUID, machineID string) error {
	query := `
		UPDATE license_machines
		SET active = FALSE, last_seen = NOW() AT TIME ZONE 'UTC'
		WHERE license_id = $1 AND machine_id = $2 AND active = TRUE`

	result, err := m.DB.ExecContext(ctx, query, licenseID, machineID)
	if err != nil {
		return fmt.Errorf("deactivate machine: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate machine rows affected: %w", err)
	}
	if rows == 0 {
		return kgerrors.ErrMachineNotFound
	}
	return nil
}

// CountActive reports how many machines currently hold a slot on the
// license.
func (m MachineModel) CountActive(ctx context.Context, licenseID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM license_machines WHERE license_id = $1 AND active = TRUE`

	var count int
	if err := m.DB.QueryRowContext(ctx, query, licenseID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active machines: %w", err)
	}
	return count, nil
}

// ListForLicense returns every machine ever registered on the license,
// most recently seen first.
func (m MachineModel) ListForLicense(ctx context.Context, licenseID uuid.UUID) ([]Machine, error) {
	query := `
		SELECT id, license_id, machine_id, fingerprint, first_seen, last_seen, active
		FROM license_machines
		WHERE license_id = $1
		ORDER BY last_seen DESC`

	rows, err := m.DB.QueryContext(ctx, query, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []Machine
	for rows.Next() {
		var machine Machine
		err := rows.Scan(
			&machine.ID,
			&machine.LicenseID,
			&machine.MachineID,
			&machine.Fingerprint,
			&machine.FirstSeen,
			&machine.LastSeen,
			&machine.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, machine)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}
	return machines, nil
}
