package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/cache"
	"keygate/internal/store"
)

func newHealthTest(t *testing.T) (*HealthHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := cache.NewMemory(time.Minute, 10)
	t.Cleanup(func() { mem.Close() })

	return NewHealthHandler(store.New(db), mem, testLogger()), mock
}

func TestLiveProbe(t *testing.T) {
	h, _ := newHealthTest(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Live(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "alive", status.Status)
	assert.Equal(t, "keygate-authority", status.Service)
	assert.Empty(t, status.Checks)
}

func TestReadyProbe(t *testing.T) {
	h, mock := newHealthTest(t)
	mock.ExpectPing()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ready", status.Status)
	assert.Equal(t, "ok", status.Checks["database"])
	require.NotNil(t, status.Cache)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadyProbeDatabaseDown(t *testing.T) {
	h, mock := newHealthTest(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unavailable", status.Status)
	assert.Equal(t, "failed", status.Checks["database"])
	require.NoError(t, mock.ExpectationsWereMet())
}
