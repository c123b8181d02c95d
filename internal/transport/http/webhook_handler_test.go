package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keygate/internal/security"
	v1 "keygate/pkg/contracts/v1"
)

const webhookSecret = "whsec_0123456789abcdef"

func newWebhookTest(t *testing.T, skipVerify bool) (*MockProcessor, *security.Signer, http.Handler) {
	t.Helper()
	proc := &MockProcessor{}
	signer, err := security.NewSigner(webhookSecret, 5*time.Minute)
	require.NoError(t, err)
	h := NewWebhookHandler(proc, signer, nil, testLogger(), skipVerify)
	return proc, signer, h.Routes()
}

func signedRequest(signer *security.Signer, body string, sentAt time.Time) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/subscription", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(v1.HeaderWebhookTimestamp, strconv.FormatInt(sentAt.Unix(), 10))
	req.Header.Set(v1.HeaderWebhookSignature, signer.SignWebhook(sentAt, []byte(body)))
	return req
}

func eventBody(id string) string {
	return `{"id":"` + id + `","type":"subscription.created","data":{"subscriptionId":"sub_100","userId":"user-42","planId":"plan_pro"}}`
}

func TestWebhookDelivery(t *testing.T) {
	proc, signer, srv := newWebhookTest(t, false)
	proc.On("Process", mock.Anything, mock.MatchedBy(func(e *v1.SubscriptionEvent) bool {
		return e.ID == "evt_001" && e.Type == v1.EventSubscriptionCreated
	})).Return(nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(signer, eventBody("evt_001"), time.Now()))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, "evt_001", resp.EventID)
	proc.AssertExpectations(t)
}

func TestWebhookBadSignature(t *testing.T) {
	proc, signer, srv := newWebhookTest(t, false)

	req := signedRequest(signer, eventBody("evt_002"), time.Now())
	req.Header.Set(v1.HeaderWebhookSignature, "forged")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "/errors/invalid-signature", problem["type"])
	proc.AssertNotCalled(t, "Process")
}

// TestWebhookTamperedBody signs one body and delivers another. The
// signature covers the raw bytes, so the swap is caught.
func TestWebhookTamperedBody(t *testing.T) {
	proc, signer, srv := newWebhookTest(t, false)

	sentAt := time.Now()
	req := httptest.NewRequest(http.MethodPost, "/subscription", strings.NewReader(eventBody("evt_003")))
	req.Header.Set(v1.HeaderWebhookTimestamp, strconv.FormatInt(sentAt.Unix(), 10))
	req.Header.Set(v1.HeaderWebhookSignature, signer.SignWebhook(sentAt, []byte(eventBody("evt_other"))))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	proc.AssertNotCalled(t, "Process")
}

func TestWebhookStaleTimestamp(t *testing.T) {
	proc, signer, srv := newWebhookTest(t, false)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(signer, eventBody("evt_004"), time.Now().Add(-15*time.Minute)))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "/errors/stale-timestamp", problem["type"])
	proc.AssertNotCalled(t, "Process")
}

func TestWebhookMissingHeaders(t *testing.T) {
	proc, _, srv := newWebhookTest(t, false)

	req := httptest.NewRequest(http.MethodPost, "/subscription", strings.NewReader(eventBody("evt_005")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	proc.AssertNotCalled(t, "Process")
}

func TestWebhookInvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "subscription created"},
		{name: "missing event id", body: `{"id":"","type":"subscription.created","data":{"subscriptionId":"sub_1"}}`},
		{name: "unknown event type", body: `{"id":"evt_1","type":"subscription.exploded","data":{"subscriptionId":"sub_1"}}`},
		{name: "missing subscription id", body: `{"id":"evt_1","type":"subscription.created","data":{"userId":"u1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, signer, srv := newWebhookTest(t, false)

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, signedRequest(signer, tt.body, time.Now()))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			proc.AssertNotCalled(t, "Process")
		})
	}
}

// TestWebhookProcessorFailure answers 5xx so the provider redelivers; the
// released claim means the retry is applied, not swallowed.
func TestWebhookProcessorFailure(t *testing.T) {
	proc, signer, srv := newWebhookTest(t, false)
	proc.On("Process", mock.Anything, mock.Anything).Return(errors.New("database down"))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, signedRequest(signer, eventBody("evt_006"), time.Now()))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookSkipVerify(t *testing.T) {
	proc, _, srv := newWebhookTest(t, true)
	proc.On("Process", mock.Anything, mock.Anything).Return(nil)

	// No signature headers at all.
	req := httptest.NewRequest(http.MethodPost, "/subscription", strings.NewReader(eventBody("evt_007")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	proc.AssertExpectations(t)
}
