package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgmiddleware "keygate/internal/middleware"
	v1 "keygate/pkg/contracts/v1"
	"keygate/pkg/tier"
)

// runCommand executes the CLI against srv and returns its stdout.
func runCommand(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", srv.URL, "--token", "test-token"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestGenerateCommand(t *testing.T) {
	var got v1.GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/admin/licenses", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(v1.LicenseRecord{
			Key:    "KGT-1BCDEF23-A1B2C3D4-E5F6A7B8C9D0E1F2-AB12",
			UserID: "user-77",
			Tier:   tier.Pro,
			Status: v1.LicenseActive,
		})
	}))
	defer srv.Close()

	out, err := runCommand(t, srv, "generate", "--user", "user-77", "--tier", "pro", "--machines", "5")
	require.NoError(t, err)

	assert.Equal(t, "user-77", got.UserID)
	assert.Equal(t, tier.Pro, got.Tier, "tier names are normalized before sending")
	assert.Equal(t, 5, got.MaxMachines)
	assert.Contains(t, out, "KGT-1BCDEF23-A1B2C3D4-E5F6A7B8C9D0E1F2-AB12")
}

func TestGenerateRejectsUnknownTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent for a tier that fails to parse")
	}))
	defer srv.Close()

	_, err := runCommand(t, srv, "generate", "--user", "u", "--tier", "PLATINUM")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATINUM")
}

func TestRevokeCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/admin/licenses/revoke", r.URL.Path)

		var req v1.RevokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chargeback", req.Reason)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v1.RevokeResponse{Success: true, Status: v1.LicenseRevoked})
	}))
	defer srv.Close()

	out, err := runCommand(t, srv, "revoke", "KGT-1BCDEF23-A1B2C3D4-E5F6A7B8C9D0E1F2-AB12",
		"--reason", "chargeback")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked")
}

func TestMachinesCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/admin/licenses/KGT-1BCDEF23-A1B2C3D4-E5F6A7B8C9D0E1F2-AB12/machines", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v1.MachineListResponse{
			Machines: []v1.MachineRecord{
				{MachineID: "laptop-1111111111", Active: true},
				{MachineID: "desktop-2222222222", Active: true},
			},
			Count: 2,
		})
	}))
	defer srv.Close()

	out, err := runCommand(t, srv, "machines", "KGT-1BCDEF23-A1B2C3D4-E5F6A7B8C9D0E1F2-AB12")
	require.NoError(t, err)
	assert.Contains(t, out, "laptop-1111111111")
	assert.Contains(t, out, `"count": 2`)
}

func TestPurgeUsageValidatesDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("a malformed date must be rejected before any request")
	}))
	defer srv.Close()

	_, err := runCommand(t, srv, "purge-usage", "--before", "January 1st")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YYYY-MM-DD")
}

func TestServerProblemSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"type":   "/errors/license-not-found",
			"title":  "License Not Found",
			"detail": "no license matches the given key",
		})
	}))
	defer srv.Close()

	_, err := runCommand(t, srv, "revoke", "KGT-1BCDEF23-A1B2C3D4-E5F6A7B8C9D0E1F2-AB12")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "no license matches the given key")
}

func TestTokenCommandMintsValidToken(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--subject", "ops@example.com", "--secret", secret, "--ttl", "1h"})
	require.NoError(t, root.Execute())

	minted := bytes.TrimSpace(out.Bytes())
	require.NotEmpty(t, minted)

	claims, err := kgmiddleware.NewAdminTokens(secret).Validate(string(minted))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("KEYGATE_SECURITY_ADMIN_JWT_SECRET", "")

	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"token", "--subject", "ops@example.com"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}
