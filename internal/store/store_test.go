package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgerrors "keygate/internal/errors"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var machineColumns = []string{"id", "license_id", "machine_id", "fingerprint", "first_seen", "last_seen", "active", "created"}

// TestRegisterMachine_NewMachine verifies the happy path: the license row
// is locked, the conditional upsert inserts a fresh row, and the
// transaction commits.
func TestRegisterMachine_NewMachine(t *testing.T) {
	s, mock := newTestStore(t)

	licenseID := uuid.New()
	rowID := uuid.New()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM licenses").
		WithArgs(licenseID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(licenseID))
	mock.ExpectQuery("INSERT INTO license_machines").
		WithArgs(licenseID, "machine-001", "abc123.def456", 3).
		WillReturnRows(sqlmock.NewRows(machineColumns).
			AddRow(rowID, licenseID, "machine-001", "abc123.def456", now, now, true, true))
	mock.ExpectCommit()

	machine, created, err := s.RegisterMachine(context.Background(), licenseID, "machine-001", "abc123.def456", 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "machine-001", machine.MachineID)
	assert.Equal(t, licenseID, machine.LicenseID)
	assert.True(t, machine.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRegisterMachine_RefreshesExisting verifies that a machine already on
// the license comes back through the update arm without counting as a new
// registration.
func TestRegisterMachine_RefreshesExisting(t *testing.T) {
	s, mock := newTestStore(t)

	licenseID := uuid.New()
	firstSeen := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	lastSeen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM licenses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(licenseID))
	mock.ExpectQuery("INSERT INTO license_machines").
		WillReturnRows(sqlmock.NewRows(machineColumns).
			AddRow(uuid.New(), licenseID, "machine-001", "stored.fingerprint", firstSeen, lastSeen, true, false))
	mock.ExpectCommit()

	machine, created, err := s.RegisterMachine(context.Background(), licenseID, "machine-001", "presented.fingerprint", 3)
	require.NoError(t, err)
	assert.False(t, created)
	// The stored fingerprint is returned so the caller can compare it
	// against the presented one.
	assert.Equal(t, "stored.fingerprint", machine.Fingerprint)
	assert.Equal(t, firstSeen, machine.FirstSeen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRegisterMachine_LimitExceeded verifies that a refused admission (the
// upsert produced no row) surfaces as the machine limit error and rolls the
// transaction back.
func TestRegisterMachine_LimitExceeded(t *testing.T) {
	s, mock := newTestStore(t)

	licenseID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM licenses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(licenseID))
	mock.ExpectQuery("INSERT INTO license_machines").
		WillReturnRows(sqlmock.NewRows(machineColumns))
	mock.ExpectRollback()

	_, _, err := s.RegisterMachine(context.Background(), licenseID, "machine-004", "fp", 3)
	assert.ErrorIs(t, err, kgerrors.ErrMachineLimitExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRegisterMachine_LicenseMissing verifies the lock step catches a
// license deleted out from under the caller.
func TestRegisterMachine_LicenseMissing(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM licenses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, _, err := s.RegisterMachine(context.Background(), uuid.New(), "machine-001", "fp", 3)
	assert.ErrorIs(t, err, kgerrors.ErrLicenseNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterMachine_BeginFails(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	_, _, err := s.RegisterMachine(context.Background(), uuid.New(), "machine-001", "fp", 3)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, kgerrors.ErrMachineLimitExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	assert.NoError(t, New(db).Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
