package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAPIErrorInterface tests that APIError satisfies error and renders
// with its status code.
func TestAPIErrorInterface(t *testing.T) {
	err := New(http.StatusConflict, "CONFLICT", "Resource conflict")

	assert.Equal(t, "Resource conflict", err.Error())
	assert.Equal(t, http.StatusConflict, err.StatusCode)
	assert.Equal(t, "CONFLICT", err.ErrorCode)
}

// TestPredefinedErrors spot-checks the predefined error table.
func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        *APIError
		wantStatus int
		wantCode   string
	}{
		{name: "invalid request", err: ErrInvalidRequest, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "unauthorized", err: ErrUnauthorized, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "invalid signature", err: ErrInvalidSignature, wantStatus: http.StatusUnauthorized, wantCode: "INVALID_SIGNATURE"},
		{name: "rate limited", err: ErrRateLimitExceeded, wantStatus: http.StatusTooManyRequests, wantCode: "RATE_LIMIT_EXCEEDED"},
		{name: "internal", err: ErrInternalServer, wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_SERVER_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.StatusCode)
			assert.Equal(t, tt.wantCode, tt.err.ErrorCode)
		})
	}
}

// TestWriteError tests the raw response writer path used outside chi.
func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, ErrValidation("licenseKey", "is required"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.ErrorCode)
}

// TestNewValidationErrors tests the multi-field validation envelope.
func TestNewValidationErrors(t *testing.T) {
	err := NewValidationErrors([]ValidationError{
		{Field: "machineId", Message: "too short"},
		{Field: "tier", Message: "unknown tier"},
	})

	require.Equal(t, http.StatusBadRequest, err.StatusCode)
	details, ok := err.Details.(ValidationErrors)
	require.True(t, ok)
	assert.Len(t, details.Errors, 2)
}

// TestErrPanic tests panic recovery error construction.
func TestErrPanic(t *testing.T) {
	err := ErrPanic("boom")

	assert.Equal(t, http.StatusInternalServerError, err.StatusCode)
	rec, ok := err.Details.(PanicRecovery)
	require.True(t, ok)
	assert.Equal(t, "boom", rec.Message)
}
