package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/cache"
	"keygate/internal/config"
	"keygate/internal/infrastructure"
	kgmiddleware "keygate/internal/middleware"
	"keygate/internal/security"
	"keygate/internal/store"
)

// Deps are the collaborators the HTTP surface needs. Signer may be nil
// only when webhook signature checks are disabled.
type Deps struct {
	Authority LicenseAuthority
	Processor EventProcessor
	Store     *store.Store
	Cache     cache.Cache
	Signer    *security.Signer
	Tokens    *kgmiddleware.AdminTokens
	Metrics   *infrastructure.BusinessMetrics
	Providers *infrastructure.OTelProviders
	Config    *config.Config
	Logger    *slog.Logger
}

// NewRouter assembles the full HTTP surface: probes and metrics at the
// root, the versioned API underneath, admin behind bearer auth.
func NewRouter(deps Deps) (http.Handler, error) {
	if deps.Authority == nil {
		return nil, errors.New("transport: authority is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("transport: event processor is required")
	}
	if deps.Store == nil || deps.Cache == nil {
		return nil, errors.New("transport: store and cache are required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("transport: admin tokens are required")
	}
	if deps.Config == nil {
		return nil, errors.New("transport: config is required")
	}
	if deps.Signer == nil && !deps.Config.Webhook.InsecureSkipVerify {
		return nil, errors.New("transport: webhook signer is required unless verification is disabled")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := deps.Config

	r := chi.NewRouter()

	r.Use(kgmiddleware.RequestID)
	r.Use(kgmiddleware.RealIP)
	if deps.Providers != nil {
		r.Use(kgmiddleware.NewOTelMiddleware(deps.Providers, deps.Metrics).Handler)
	}
	r.Use(kgmiddleware.StructuredLogger(logger))
	r.Use(kgmiddleware.Recoverer(logger))
	r.Use(kgmiddleware.SecurityHeaders)
	if cfg.Security.EnableCORS {
		r.Use(kgmiddleware.CORS(kgmiddleware.CORSConfig{
			AllowedOrigins: cfg.Security.AllowedOrigins,
			Logger:         logger,
		}))
	}
	r.Use(kgmiddleware.NewRateLimiter(cfg.Security.RateLimit, logger).Handler)
	r.Use(kgmiddleware.StripSlashes)

	health := NewHealthHandler(deps.Store, deps.Cache, logger)
	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Ready)
	if deps.Providers != nil && deps.Providers.PrometheusHTTP != nil {
		r.Method(http.MethodGet, "/metrics", deps.Providers.PrometheusHTTP)
	}

	// An optional shared secret puts the validate surface behind per-request
	// HMAC signatures on top of the key itself.
	var gate *kgmiddleware.SignatureGate
	if cfg.Security.RequestSigningSecret != "" {
		reqSigner, err := security.NewSigner(cfg.Security.RequestSigningSecret, 0)
		if err != nil {
			return nil, fmt.Errorf("transport: request signer: %w", err)
		}
		if gate, err = kgmiddleware.NewSignatureGate(reqSigner, logger); err != nil {
			return nil, fmt.Errorf("transport: signature gate: %w", err)
		}
	}

	license := NewLicenseHandler(deps.Authority, logger)
	webhook := NewWebhookHandler(deps.Processor, deps.Signer, deps.Metrics, logger, cfg.Webhook.InsecureSkipVerify)
	admin := NewAdminHandler(deps.Authority, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Group(func(r chi.Router) {
			if gate != nil {
				r.Use(gate.Handler)
			}
			r.Mount("/license", license.Routes())
		})
		r.Mount("/webhooks", webhook.Routes())

		r.Group(func(r chi.Router) {
			r.Use(kgmiddleware.RequireAdmin(deps.Tokens, logger))
			r.Use(kgmiddleware.AuditLog(logger))
			r.Mount("/admin", admin.Routes())
		})
	})

	return r, nil
}

// NewServer builds the http.Server around the router with the configured
// timeouts.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:           cfg.Addr(),
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
}
