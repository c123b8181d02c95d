package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	kgerrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/security"
	v1 "keygate/pkg/contracts/v1"
)

// LicenseHandler serves the client-facing validation endpoint.
type LicenseHandler struct {
	authority LicenseAuthority
	validate  *requestValidator
	logger    *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(authority LicenseAuthority, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		authority: authority,
		validate:  newRequestValidator(),
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(10 * time.Second))
	r.Post("/validate", h.Validate)
	return r
}

// Validate handles POST /api/v1/license/validate. Denials are part of the
// response contract and answer 200; only infrastructure failures produce
// an error status.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req v1.ValidateRequest
	if pd := h.validate.bind(r, &req); pd != nil {
		_ = render.Render(w, r, pd)
		return
	}

	result, err := h.authority.Validate(ctx, &req)
	if err != nil {
		h.logger.ErrorContext(ctx, "validation failed",
			slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
			slog.String("error", err.Error()),
		)
		_ = render.Render(w, r, kgerrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}
