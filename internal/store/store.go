// Package store is the durable persistence layer: licenses, authorized
// machines, per-day usage counters, subscriptions and webhook event claims,
// backed by Postgres. Counter mutations are single atomic statements; the
// one multi-statement operation, machine admission, serializes on the
// license row so a losing concurrent registration fails loudly instead of
// overshooting the machine limit.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	kgerrors "keygate/internal/errors"
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store aggregates the per-table models over one database handle.
type Store struct {
	db *sql.DB

	Licenses      LicenseModel
	Machines      MachineModel
	Usage         UsageModel
	Events        EventModel
	Subscriptions SubscriptionModel
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{
		db:            db,
		Licenses:      LicenseModel{DB: db},
		Machines:      MachineModel{DB: db},
		Usage:         UsageModel{DB: db},
		Events:        EventModel{DB: db},
		Subscriptions: SubscriptionModel{DB: db},
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RegisterMachine admits a machine onto a license, treating the limit check
// and the insert as one admission decision. The license row is locked FOR
// UPDATE first, so concurrent registrations for the same license run one at
// a time and the count each one sees already includes every committed
// winner. Returns the machine row and whether this call created it.
//
// Outcomes:
//   - new machine, free slot: inserted
//   - new machine, license full: kgerrors.ErrMachineLimitExceeded
//   - active machine re-validating: last_seen refreshed, even at full capacity
//   - deactivated machine: reactivated only if a slot is free
func (s *Store) RegisterMachine(ctx context.Context, licenseID uuid.UUID, machineID, fingerprint string, maxMachines int) (*Machine, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin admission tx: %w", err)
	}
	defer tx.Rollback()

	var locked uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT id FROM licenses WHERE id = $1 FOR UPDATE`, licenseID).Scan(&locked)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, kgerrors.ErrLicenseNotFound
		}
		return nil, false, fmt.Errorf("lock license row: %w", err)
	}

	machine, created, err := MachineModel{DB: tx}.admit(ctx, licenseID, machineID, fingerprint, maxMachines)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit admission tx: %w", err)
	}
	return machine, created, nil
}
