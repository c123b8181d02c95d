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
	kgmiddleware "keygate/internal/middleware"
	"keygate/internal/security"
	v1 "keygate/pkg/contracts/v1"
)

// AdminHandler serves the operator API: license issuance, revocation,
// machine management and usage purges. The router mounts it behind bearer
// token auth; every operation is audit logged with the acting subject.
type AdminHandler struct {
	authority LicenseAuthority
	validate  *requestValidator
	logger    *slog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(authority LicenseAuthority, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		authority: authority,
		validate:  newRequestValidator(),
		logger:    logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the admin endpoints.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/licenses", h.GenerateLicense)
	r.Post("/licenses/revoke", h.RevokeLicense)
	r.Get("/licenses/{key}/machines", h.ListMachines)
	r.Post("/machines/deactivate", h.DeactivateMachine)
	r.Post("/usage/purge", h.PurgeUsage)

	return r
}

// GenerateLicense handles POST /api/v1/admin/licenses. The response is the
// only place the raw key ever appears.
func (h *AdminHandler) GenerateLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req v1.GenerateRequest
	if pd := h.validate.bind(r, &req); pd != nil {
		_ = render.Render(w, r, pd)
		return
	}

	record, err := h.authority.Generate(ctx, &req)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license issued by admin",
		slog.String("subject", kgmiddleware.AdminSubject(ctx)),
		slog.String("key_prefix", security.MaskKey(record.Key)),
		slog.String("user_id", record.UserID),
		slog.String("tier", string(record.Tier)),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, record)
}

// RevokeLicense handles POST /api/v1/admin/licenses/revoke. Revoking an
// already revoked license answers 200 with the unchanged record.
func (h *AdminHandler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req v1.RevokeRequest
	if pd := h.validate.bind(r, &req); pd != nil {
		_ = render.Render(w, r, pd)
		return
	}

	resp, err := h.authority.Revoke(ctx, req.LicenseKey, req.Reason)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license revoked by admin",
		slog.String("subject", kgmiddleware.AdminSubject(ctx)),
		slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
		slog.String("reason", req.Reason),
	)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// ListMachines handles GET /api/v1/admin/licenses/{key}/machines.
func (h *AdminHandler) ListMachines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	machines, err := h.authority.Machines(ctx, key)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	resp := v1.MachineListResponse{
		Machines: make([]v1.MachineRecord, 0, len(machines)),
		Count:    len(machines),
	}
	for _, m := range machines {
		resp.Machines = append(resp.Machines, v1.MachineRecord{
			MachineID:   m.MachineID,
			Fingerprint: m.Fingerprint,
			FirstSeen:   m.FirstSeen,
			LastSeen:    m.LastSeen,
			Active:      m.Active,
		})
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// DeactivateMachine handles POST /api/v1/admin/machines/deactivate.
func (h *AdminHandler) DeactivateMachine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req v1.DeactivateMachineRequest
	if pd := h.validate.bind(r, &req); pd != nil {
		_ = render.Render(w, r, pd)
		return
	}

	if err := h.authority.DeactivateMachine(ctx, req.LicenseKey, req.MachineID); err != nil {
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "machine deactivated by admin",
		slog.String("subject", kgmiddleware.AdminSubject(ctx)),
		slog.String("key_prefix", security.MaskKey(req.LicenseKey)),
		slog.String("machine_id", req.MachineID),
	)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, v1.DeactivateMachineResponse{Success: true, MachineID: req.MachineID})
}

// PurgeUsage handles POST /api/v1/admin/usage/purge.
func (h *AdminHandler) PurgeUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req v1.PurgeUsageRequest
	if pd := h.validate.bind(r, &req); pd != nil {
		_ = render.Render(w, r, pd)
		return
	}

	// The validator already proved the format.
	before, _ := time.Parse("2006-01-02", req.Before)

	deleted, err := h.authority.PurgeUsage(ctx, before)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "usage purge triggered by admin",
		slog.String("subject", kgmiddleware.AdminSubject(ctx)),
		slog.String("before", req.Before),
		slog.Int64("deleted", deleted),
	)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, v1.PurgeUsageResponse{Deleted: deleted})
}

func (h *AdminHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	h.logger.ErrorContext(ctx, "admin operation failed",
		slog.String("subject", kgmiddleware.AdminSubject(ctx)),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	_ = render.Render(w, r, kgerrors.MapLicenseError(err, infrastructure.GetTraceID(ctx)))
}
