package enforce

import (
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/pkg/tier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, seedBytes)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	return seed
}

func TestConfigStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir, testSeed(t), testLogger())

	cfg := freshConfig(tier.Default())
	cfg.MachineID = "test-machine-001"
	cfg.Usage.CallsToday = 12
	cfg.Usage.LastResetDate = "2026-03-10"
	cfg.LastValidated = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(cfg))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, tier.Free, loaded.Tier)
	assert.Equal(t, "test-machine-001", loaded.MachineID)
	assert.Equal(t, 12, loaded.Usage.CallsToday)
	assert.True(t, loaded.LastValidated.Equal(cfg.LastValidated))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestConfigStoreLoadMissing(t *testing.T) {
	store := NewConfigStore(t.TempDir(), testSeed(t), testLogger())

	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestConfigStoreLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir, testSeed(t), testLogger())
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	_, err := store.Load()
	assert.Error(t, err)
}

func TestConfigStoreTamperDetected(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir, testSeed(t), testLogger())

	cfg := freshConfig(tier.Default())
	require.NoError(t, store.Save(cfg))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	edited := strings.Replace(string(data), `"tier": "FREE"`, `"tier": "ENTERPRISE"`, 1)
	require.NotEqual(t, string(data), edited, "fixture must actually change the stored tier")
	require.NoError(t, os.WriteFile(store.Path(), []byte(edited), 0o600))

	_, err = store.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestConfigStoreWrongSeedRejected(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir, testSeed(t), testLogger())
	require.NoError(t, store.Save(freshConfig(tier.Default())))

	other := NewConfigStore(dir, testSeed(t), testLogger())
	_, err := other.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestConfigStoreSaveAtomic(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir, testSeed(t), testLogger())

	cfg := freshConfig(tier.Default())
	require.NoError(t, store.Save(cfg))
	cfg.Usage.CallsToday = 7
	require.NoError(t, store.Save(cfg))

	// No temp files left behind after the rename.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".client-"),
			"temp file %s survived the save", e.Name())
	}

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Usage.CallsToday)
}

func TestEncryptKeyRoundTrip(t *testing.T) {
	seed := testSeed(t)
	const key = "KGT-1BCDEF23-A1B2C3D4-E5F6A7B8C9D0E1F2-AB12"

	encoded, err := encryptKey(key, seed)
	require.NoError(t, err)
	assert.NotContains(t, encoded, key)

	decrypted, err := decryptKey(encoded, seed)
	require.NoError(t, err)
	assert.Equal(t, key, decrypted)
}

func TestDecryptKeyWrongSeed(t *testing.T) {
	encoded, err := encryptKey("KGT-1BCDEF23-A1B2C3D4-E5F6A7B8C9D0E1F2-AB12", testSeed(t))
	require.NoError(t, err)

	_, err = decryptKey(encoded, testSeed(t))
	assert.Error(t, err)
}

func TestFreshConfigIsFree(t *testing.T) {
	cfg := freshConfig(tier.Default())

	assert.Equal(t, tier.Free, cfg.Tier)
	assert.Equal(t, 50, cfg.Limits.DailyCalls)
	assert.Equal(t, 1, cfg.Limits.MaxMachines)
	assert.Contains(t, cfg.Features, "core")
	assert.NotContains(t, cfg.Features, "api_access")
	assert.Empty(t, cfg.EncryptedKey)
}

func TestConfigDirPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keygate")
	store := NewConfigStore(dir, testSeed(t), testLogger())
	require.NoError(t, store.Save(freshConfig(tier.Default())))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
