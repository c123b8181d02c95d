package authority

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/cache"
	"keygate/internal/config"
	kgerrors "keygate/internal/errors"
	"keygate/internal/events"
	"keygate/internal/security"
	"keygate/internal/store"
	v1 "keygate/pkg/contracts/v1"
	"keygate/pkg/tier"
)

const testFingerprintSecret = "0123456789abcdef0123456789abcdef"

var (
	fixedNow       = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	machineColumns = []string{
		"id", "license_id", "machine_id", "fingerprint", "first_seen", "last_seen", "active", "created",
	}
	licenseColumnsTest = []string{
		"id", "key", "user_id", "tier", "status", "subscription_id", "max_machines",
		"custom_limits", "expires_at", "revoked_at", "revoke_reason", "created_at", "updated_at",
	}
)

// capturePublisher records lifecycle events instead of delivering them.
type capturePublisher struct {
	published []events.LifecycleEvent
}

func (p *capturePublisher) Publish(_ context.Context, e events.LifecycleEvent) error {
	p.published = append(p.published, e)
	return nil
}

func (p *capturePublisher) Close() {}

type testHarness struct {
	svc  *Service
	mock sqlmock.Sqlmock
	pub  *capturePublisher
	mem  *cache.Memory
	fps  *security.FingerprintService
}

func newTestService(t *testing.T) *testHarness {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := cache.NewMemory(time.Minute, 100)
	t.Cleanup(func() { mem.Close() })

	fps, err := security.NewFingerprintService(testFingerprintSecret)
	require.NoError(t, err)

	pub := &capturePublisher{}
	svc, err := New(Deps{
		Store:        store.New(db),
		Cache:        mem,
		Fingerprints: fps,
		Publisher:    pub,
		License: config.LicenseConfig{
			KeyPrefix:            "KGT",
			GracePeriodDays:      7,
			FreeWarningThreshold: 5,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }

	return &testHarness{svc: svc, mock: mock, pub: pub, mem: mem, fps: fps}
}

func mintKey(t *testing.T) string {
	t.Helper()
	key, err := security.GenerateKey("KGT", "user-42")
	require.NoError(t, err)
	return key
}

// licenseRow builds a mock result row for the license SELECT.
func licenseRow(id uuid.UUID, key string, trName, status string, maxMachines int, expiresAt any) *sqlmock.Rows {
	created := fixedNow.AddDate(0, -1, 0)
	return sqlmock.NewRows(licenseColumnsTest).AddRow(
		id, key, "user-42", trName, status, nil, maxMachines,
		nil, expiresAt, nil, nil, created, created,
	)
}

// expectAdmission registers the machine-admission transaction: lock, upsert,
// commit. The returned row's created column drives the new-vs-known path.
func expectAdmission(mock sqlmock.Sqlmock, licenseID uuid.UUID, machineID, fingerprint string, created bool) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM licenses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(licenseID))
	mock.ExpectQuery("INSERT INTO license_machines").
		WillReturnRows(sqlmock.NewRows(machineColumns).
			AddRow(uuid.New(), licenseID, machineID, fingerprint, fixedNow, fixedNow, true, created))
	mock.ExpectCommit()
}

func expectUsage(mock sqlmock.Sqlmock, total int64, activeMachines int) {
	mock.ExpectQuery("INSERT INTO usage_records").
		WillReturnRows(sqlmock.NewRows([]string{"call_count"}).AddRow(1))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(total))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(activeMachines))
}

func TestValidateInvalidFormat(t *testing.T) {
	h := newTestService(t)

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: "not-a-license-key",
		MachineID:  "machine-001",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.IsValid)
	assert.Equal(t, v1.CodeInvalidFormat, result.Code)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestValidateNewMachine(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()
	presented := h.fps.Compute(security.FingerprintComponents{
		Platform:     "linux",
		Architecture: "amd64",
		MachineID:    "machine-001",
	})

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WithArgs(key).
		WillReturnRows(licenseRow(licenseID, key, "PRO", "active", 3, nil))
	expectAdmission(h.mock, licenseID, "machine-001", presented.String(), true)
	expectUsage(h.mock, 12, 2)

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey:   key,
		MachineID:    "machine-001",
		Features:     []string{"api_access"},
		Platform:     "linux",
		Architecture: "amd64",
	})
	require.NoError(t, err)
	require.True(t, result.IsValid)
	assert.Equal(t, tier.Pro, result.Tier)
	assert.Contains(t, result.Features, "api_access")
	require.NotNil(t, result.Limits)
	assert.Equal(t, 3, result.Limits.MaxMachines)
	assert.Equal(t, tier.Unlimited, result.Limits.DailyCalls)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 12, result.Usage.CallsToday)
	assert.Equal(t, 2, result.Usage.MachinesUsed)
	require.NotNil(t, result.Subscription)
	assert.Equal(t, v1.SubscriptionActive, result.Subscription.Status)
	assert.NoError(t, h.mock.ExpectationsWereMet())

	// Admissible results are cached under the key hash.
	_, found := h.mem.Get(context.Background(), security.HashKey(key))
	assert.True(t, found)
}

// TestValidateCacheHitStillAdmits proves a cache hit skips only the license
// read. Machine admission and usage recording still reach the store, so the
// machine limit holds even for hot keys.
func TestValidateCacheHitStillAdmits(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()
	h.mem.Set(context.Background(), security.HashKey(key), &store.License{
		ID:          licenseID,
		Key:         key,
		UserID:      "user-42",
		Tier:        tier.Pro,
		Status:      v1.LicenseActive,
		MaxMachines: 3,
	})

	// No license SELECT expectation: issuing one would fail the mock.
	expectAdmission(h.mock, licenseID, "machine-002", "fp", true)
	expectUsage(h.mock, 1, 1)

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: key,
		MachineID:  "machine-002",
	})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestValidateUnknownKey(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(sqlmock.NewRows(licenseColumnsTest))

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: key,
		MachineID:  "machine-001",
	})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, v1.CodeLicenseNotFound, result.Code)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// TestValidateDeniedStatuses checks the status denials and that denials are
// never cached: the next validation for the same key must re-read the store.
func TestValidateDeniedStatuses(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		wantCode string
	}{
		{name: "revoked", status: "revoked", wantCode: v1.CodeLicenseRevoked},
		{name: "suspended", status: "suspended", wantCode: v1.CodeLicenseSuspended},
		{name: "expired", status: "expired", wantCode: v1.CodeLicenseExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestService(t)

			key := mintKey(t)
			h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
				WillReturnRows(licenseRow(uuid.New(), key, "PRO", tt.status, 3, nil))

			result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
				LicenseKey: key,
				MachineID:  "machine-001",
			})
			require.NoError(t, err)
			assert.True(t, result.Success)
			assert.False(t, result.IsValid)
			assert.Equal(t, tt.wantCode, result.Code)
			assert.NoError(t, h.mock.ExpectationsWereMet())

			_, found := h.mem.Get(context.Background(), security.HashKey(key))
			assert.False(t, found, "denials must not be cached")
		})
	}
}

func TestValidateGraceWindow(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()
	expiresAt := fixedNow.AddDate(0, 0, -2)

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(licenseID, key, "PRO", "active", 3, expiresAt))
	expectAdmission(h.mock, licenseID, "machine-001", "fp", false)
	expectUsage(h.mock, 4, 1)

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: key,
		MachineID:  "machine-001",
	})
	require.NoError(t, err)
	assert.True(t, result.IsValid, "license two days past expiry is still inside the grace window")
	require.NotNil(t, result.Subscription)
	assert.Equal(t, v1.SubscriptionGracePeriod, result.Subscription.Status)
	require.NotNil(t, result.Subscription.GracePeriodEnds)
	assert.Equal(t, expiresAt.AddDate(0, 0, 7), *result.Subscription.GracePeriodEnds)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestValidateExpiredBeyondGrace(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	expiresAt := fixedNow.AddDate(0, 0, -8)

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(uuid.New(), key, "PRO", "active", 3, expiresAt))

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: key,
		MachineID:  "machine-001",
	})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, v1.CodeLicenseExpired, result.Code)
	require.NotNil(t, result.Subscription)
	assert.Equal(t, v1.SubscriptionExpired, result.Subscription.Status)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestValidateMachineLimit(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(licenseID, key, "FREE", "active", 1, nil))
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("SELECT id FROM licenses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(licenseID))
	h.mock.ExpectQuery("INSERT INTO license_machines").
		WillReturnRows(sqlmock.NewRows(machineColumns))
	h.mock.ExpectRollback()

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: key,
		MachineID:  "machine-002",
	})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, v1.CodeMachineLimitExceeded, result.Code)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// TestValidateFingerprintMismatch presents a known machine id from a device
// whose core fingerprint differs from the one recorded at registration.
func TestValidateFingerprintMismatch(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()
	stored := h.fps.Compute(security.FingerprintComponents{
		Platform:     "windows",
		Architecture: "amd64",
		MachineID:    "machine-001",
	})

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(licenseID, key, "PRO", "active", 3, nil))
	expectAdmission(h.mock, licenseID, "machine-001", stored.String(), false)

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey:   key,
		MachineID:    "machine-001",
		Platform:     "linux",
		Architecture: "amd64",
	})
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, v1.CodeValidationError, result.Code)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// TestValidateLegacyClientSkipsFingerprint covers clients that send only a
// machine id: with no platform data there is nothing to corroborate and the
// stored fingerprint is not checked.
func TestValidateLegacyClientSkipsFingerprint(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()
	stored := h.fps.Compute(security.FingerprintComponents{
		Platform:     "windows",
		Architecture: "amd64",
		MachineID:    "machine-001",
	})

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(licenseID, key, "PRO", "active", 3, nil))
	expectAdmission(h.mock, licenseID, "machine-001", stored.String(), false)
	expectUsage(h.mock, 9, 1)

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: key,
		MachineID:  "machine-001",
	})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestValidateStorageFailure(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnError(errors.New("connection refused"))

	_, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: key,
		MachineID:  "machine-001",
	})
	require.Error(t, err)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestGenerate(t *testing.T) {
	h := newTestService(t)

	id := uuid.New()
	h.mock.ExpectQuery("INSERT INTO licenses").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(id, fixedNow, fixedNow))

	rec, err := h.svc.Generate(context.Background(), &v1.GenerateRequest{
		UserID: "user-42",
		Tier:   tier.Pro,
	})
	require.NoError(t, err)
	assert.NoError(t, security.ValidateKeyFormat(rec.Key))
	assert.Equal(t, "KGT", security.KeyPrefix(rec.Key))
	assert.Equal(t, tier.Pro, rec.Tier)
	assert.Equal(t, v1.LicenseActive, rec.Status)
	assert.Equal(t, 3, rec.MaxMachines, "max machines defaults from the tier table")
	assert.NoError(t, h.mock.ExpectationsWereMet())

	require.Len(t, h.pub.published, 1)
	assert.Equal(t, events.TypeLicenseGenerated, h.pub.published[0].Type)
	assert.Equal(t, id.String(), h.pub.published[0].LicenseID)
	assert.NotContains(t, h.pub.published[0].MaskedKey, rec.Key,
		"events must carry the masked key only")
}

func TestGenerateMaxMachinesOverride(t *testing.T) {
	h := newTestService(t)

	h.mock.ExpectQuery("INSERT INTO licenses").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(uuid.New(), fixedNow, fixedNow))

	rec, err := h.svc.Generate(context.Background(), &v1.GenerateRequest{
		UserID:       "user-42",
		Tier:         tier.Enterprise,
		MaxMachines:  25,
		CustomLimits: &v1.Limits{DailyCalls: tier.Unlimited, MaxMachines: 15, ConcurrentSessions: 40},
	})
	require.NoError(t, err)
	assert.Equal(t, 25, rec.MaxMachines, "an explicit max machines wins over custom limits")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestGenerateUnknownTier(t *testing.T) {
	h := newTestService(t)

	_, err := h.svc.Generate(context.Background(), &v1.GenerateRequest{
		UserID: "user-42",
		Tier:   tier.Tier("PLATINUM"),
	})
	require.Error(t, err)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// TestRevoke proves revocation clears the cache entry synchronously, so the
// very next validation cannot see a stale valid record.
func TestRevoke(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()
	keyHash := security.HashKey(key)
	h.mem.Set(context.Background(), keyHash, &store.License{
		ID:     licenseID,
		Key:    key,
		Tier:   tier.Pro,
		Status: v1.LicenseActive,
	})

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(licenseID, key, "PRO", "active", 3, nil))
	h.mock.ExpectQuery("UPDATE licenses").
		WillReturnRows(sqlmock.NewRows([]string{"revoked_at"}).AddRow(fixedNow))

	resp, err := h.svc.Revoke(context.Background(), key, "chargeback")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, v1.LicenseRevoked, resp.Status)
	assert.NoError(t, h.mock.ExpectationsWereMet())

	_, found := h.mem.Get(context.Background(), keyHash)
	assert.False(t, found, "revoke must drop the cached record")

	require.Len(t, h.pub.published, 1)
	assert.Equal(t, events.TypeLicenseRevoked, h.pub.published[0].Type)
	assert.Equal(t, "chargeback", h.pub.published[0].Reason)
}

// TestRevokeIdempotent re-revokes an already revoked license: the call
// succeeds but publishes no second lifecycle event.
func TestRevokeIdempotent(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	firstRevokedAt := fixedNow.AddDate(0, 0, -3)

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(uuid.New(), key, "PRO", "revoked", 3, nil))
	h.mock.ExpectQuery("UPDATE licenses").
		WillReturnRows(sqlmock.NewRows([]string{"revoked_at"}).AddRow(firstRevokedAt))

	resp, err := h.svc.Revoke(context.Background(), key, "second reason")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Empty(t, h.pub.published, "re-revocation must not publish again")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRevokeUnknownKey(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(sqlmock.NewRows(licenseColumnsTest))

	_, err := h.svc.Revoke(context.Background(), key, "")
	assert.ErrorIs(t, err, kgerrors.ErrLicenseNotFound)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// failingCache errors on Invalidate so the revoke contract is observable: a
// revoke that cannot clear the cache must fail, not report success.
type failingCache struct {
	*cache.Memory
}

func (f *failingCache) Invalidate(context.Context, string) error {
	return errors.New("redis connection lost")
}

func TestRevokeFailsWhenInvalidationFails(t *testing.T) {
	h := newTestService(t)
	broken := &failingCache{Memory: cache.NewMemory(time.Minute, 10)}
	t.Cleanup(func() { broken.Memory.Close() })
	h.svc.cache = broken

	key := mintKey(t)
	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(uuid.New(), key, "PRO", "active", 3, nil))
	h.mock.ExpectQuery("UPDATE licenses").
		WillReturnRows(sqlmock.NewRows([]string{"revoked_at"}).AddRow(fixedNow))

	_, err := h.svc.Revoke(context.Background(), key, "chargeback")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalidate cached validation")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDeactivateMachine(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(licenseID, key, "PRO", "active", 3, nil))
	h.mock.ExpectExec("UPDATE license_machines").
		WithArgs(licenseID, "machine-001").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, h.svc.DeactivateMachine(context.Background(), key, "machine-001"))
	assert.NoError(t, h.mock.ExpectationsWereMet())

	require.Len(t, h.pub.published, 1)
	assert.Equal(t, events.TypeMachineDeactivated, h.pub.published[0].Type)
	assert.Equal(t, "machine-001", h.pub.published[0].MachineID)
}

func TestDeactivateMachineNotFound(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(uuid.New(), key, "PRO", "active", 3, nil))
	h.mock.ExpectExec("UPDATE license_machines").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := h.svc.DeactivateMachine(context.Background(), key, "machine-unknown")
	assert.ErrorIs(t, err, kgerrors.ErrMachineNotFound)
	assert.Empty(t, h.pub.published)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestPurgeUsage(t *testing.T) {
	h := newTestService(t)

	h.mock.ExpectExec("DELETE FROM usage_records").
		WillReturnResult(sqlmock.NewResult(0, 42))

	deleted, err := h.svc.PurgeUsage(context.Background(), fixedNow.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestLimitsFor(t *testing.T) {
	h := newTestService(t)

	base := h.svc.limitsFor(&store.License{Tier: tier.Free, MaxMachines: 1})
	assert.Equal(t, 50, base.DailyCalls)
	assert.Equal(t, 1, base.MaxMachines)

	custom := h.svc.limitsFor(&store.License{
		Tier:         tier.Free,
		MaxMachines:  4,
		CustomLimits: &v1.Limits{DailyCalls: 500, MaxMachines: 2, ConcurrentSessions: 2},
	})
	assert.Equal(t, 500, custom.DailyCalls, "custom limits replace the tier defaults")
	assert.Equal(t, 4, custom.MaxMachines, "the admission column stays authoritative")
	assert.Equal(t, 2, custom.ConcurrentSessions)
}

// TestFreeTierQuotaWarning exercises the low-quota warning path; the
// warning itself is a log line, so this only proves the flow stays valid
// when the counter crosses the threshold.
func TestFreeTierQuotaWarning(t *testing.T) {
	h := newTestService(t)

	key := mintKey(t)
	licenseID := uuid.New()

	h.mock.ExpectQuery("SELECT (.+) FROM licenses WHERE key").
		WillReturnRows(licenseRow(licenseID, key, "FREE", "active", 1, nil))
	expectAdmission(h.mock, licenseID, "machine-001", "fp", false)
	expectUsage(h.mock, 47, 1)

	result, err := h.svc.Validate(context.Background(), &v1.ValidateRequest{
		LicenseKey: key,
		MachineID:  "machine-001",
	})
	require.NoError(t, err)
	assert.True(t, result.IsValid, "the authority reports usage; quota denial is the client's call")
	assert.Equal(t, 47, result.Usage.CallsToday)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
