package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	kgerrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/security"
	v1 "keygate/pkg/contracts/v1"
)

// maxWebhookBody bounds billing webhook payloads.
const maxWebhookBody = 256 * 1024

// WebhookHandler receives billing provider webhooks. Every delivery is
// authenticated by timestamp plus HMAC signature over the raw body before
// anything is decoded.
type WebhookHandler struct {
	processor  EventProcessor
	signer     *security.Signer
	validate   *requestValidator
	metrics    *infrastructure.BusinessMetrics
	logger     *slog.Logger
	skipVerify bool
}

// WebhookResponse acknowledges a delivery. Providers only need a 2xx, the
// body is for humans reading delivery logs.
type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId"`
}

// NewWebhookHandler creates a webhook handler. skipVerify disables
// signature checks and exists for local development only.
func NewWebhookHandler(processor EventProcessor, signer *security.Signer, metrics *infrastructure.BusinessMetrics, logger *slog.Logger, skipVerify bool) *WebhookHandler {
	return &WebhookHandler{
		processor:  processor,
		signer:     signer,
		validate:   newRequestValidator(),
		metrics:    metrics,
		logger:     logger.With(slog.String("handler", "webhook")),
		skipVerify: skipVerify,
	}
}

// Routes returns the webhook endpoints.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))
	r.Post("/subscription", h.Subscription)
	return r
}

// Subscription handles POST /api/v1/webhooks/subscription.
func (h *WebhookHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		_ = render.Render(w, r, kgerrors.NewProblemDetails(
			http.StatusRequestEntityTooLarge,
			"/errors/payload-too-large",
			"Payload Too Large",
			"webhook payload exceeds the maximum allowed size",
			r.URL.Path,
		))
		return
	}

	if !h.skipVerify {
		if err := h.verifySignature(r, body); err != nil {
			h.rejectSignature(w, r, err)
			return
		}
	}

	var event v1.SubscriptionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		_ = render.Render(w, r, h.validate.badRequest(r, "webhook payload is not valid JSON"))
		return
	}
	if pd := h.validate.check(r, &event); pd != nil {
		_ = render.Render(w, r, pd)
		return
	}

	if err := h.processor.Process(ctx, &event); err != nil {
		// A non-2xx makes the provider redeliver. That is the correct
		// outcome here: the claim was released and the retry will land.
		h.logger.ErrorContext(ctx, "webhook processing failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		_ = render.Render(w, r, kgerrors.NewProblemDetails(
			http.StatusInternalServerError,
			kgerrors.TypeInternal,
			"Internal Server Error",
			"the event could not be applied; redelivery will be processed",
			r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, WebhookResponse{Received: true, EventID: event.ID})
}

func (h *WebhookHandler) verifySignature(r *http.Request, body []byte) error {
	return h.signer.VerifyWebhook(
		r.Header.Get(v1.HeaderWebhookTimestamp),
		r.Header.Get(v1.HeaderWebhookSignature),
		body,
	)
}

// rejectSignature answers 401 without distinguishing a stale timestamp
// from a bad signature beyond the problem type. The distinction is logged
// server-side, not leaked to the caller.
func (h *WebhookHandler) rejectSignature(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	problemType := kgerrors.TypeInvalidSignature
	if errors.Is(err, security.ErrStaleTimestamp) {
		problemType = kgerrors.TypeStaleTimestamp
	}

	if h.metrics != nil {
		h.metrics.WebhookSignatureFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", signatureFailureReason(err)),
		))
	}
	h.logger.WarnContext(ctx, "webhook signature rejected",
		slog.String("reason", signatureFailureReason(err)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Bool("security_event", true),
	)

	_ = render.Render(w, r, kgerrors.NewProblemDetails(
		http.StatusUnauthorized,
		problemType,
		"Unauthorized",
		"webhook signature verification failed",
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
}

func signatureFailureReason(err error) string {
	if errors.Is(err, security.ErrStaleTimestamp) {
		return "stale_timestamp"
	}
	return "invalid_signature"
}
