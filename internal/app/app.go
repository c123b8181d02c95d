package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"keygate/internal/authority"
	"keygate/internal/cache"
	"keygate/internal/config"
	"keygate/internal/events"
	"keygate/internal/infrastructure"
	"keygate/internal/janitor"
	kgmiddleware "keygate/internal/middleware"
	"keygate/internal/security"
	"keygate/internal/store"
	"keygate/internal/subscription"
	transporthttp "keygate/internal/transport/http"
	"keygate/pkg/tier"
)

const (
	// Name is the service name used in startup logs.
	Name = "keygated"

	dbPingTimeout     = 10 * time.Second
	collectorInterval = 15 * time.Second
)

// Application owns every long-lived component of the authority and the
// order they start and stop in.
type Application struct {
	Config    *config.Config
	Logger    *slog.Logger
	Providers *infrastructure.OTelProviders
	Metrics   *infrastructure.BusinessMetrics

	DB        *sql.DB
	Store     *store.Store
	Cache     cache.Cache
	Publisher events.Publisher
	Tiers     *tier.Table
	Authority *authority.Service
	Processor *subscription.Processor
	Janitor   *janitor.Janitor
	Server    *http.Server

	collector *infrastructure.RuntimeCollector
	serverErr chan error
}

// New loads configuration, initializes telemetry, and wires every service.
// It does not open the listen socket; call Run (or Start) for that.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("starting",
		slog.String("service", Name),
		slog.String("version", infrastructure.ServiceVersion),
		slog.String("environment", cfg.Environment),
	)

	providers, err := infrastructure.InitializeOTel(
		infrastructure.FromTelemetryConfig(cfg.Telemetry, cfg.Environment), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		Providers: providers,
	}

	if providers.Meter != nil {
		if app.Metrics, err = infrastructure.CreateBusinessMetrics(providers.Meter); err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		if app.collector, err = infrastructure.NewRuntimeCollector(providers.Meter, collectorInterval); err != nil {
			return nil, fmt.Errorf("create runtime collector: %w", err)
		}
	}

	if err := app.initServices(); err != nil {
		return nil, err
	}
	if err := app.buildServer(); err != nil {
		return nil, err
	}

	return app, nil
}

// initServices opens the database and wires the domain services onto it.
func (a *Application) initServices() error {
	cfg := a.Config

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("database unreachable: %w", err)
	}
	a.DB = db

	if cfg.Database.MigrateOnStart {
		a.Logger.Info("applying schema migrations",
			slog.String("source", cfg.Database.MigrationsURL))
		if err := store.RunMigrations(db, cfg.Database.MigrationsURL); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	a.Store = store.New(db)

	if a.Cache, err = cache.New(cache.Options{
		Backend:       cfg.Cache.Backend,
		TTL:           cfg.Cache.TTL,
		MaxSize:       cfg.Cache.MaxSize,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
	}, a.Logger); err != nil {
		return fmt.Errorf("build validation cache: %w", err)
	}

	// The authority must keep validating licenses when the event bus is
	// down, so a failed connect degrades to the no-op publisher.
	if a.Publisher, err = events.Connect(cfg.Events, a.Logger); err != nil {
		a.Logger.Warn("event bus unreachable, lifecycle events disabled",
			slog.String("url", cfg.Events.URL),
			slog.String("error", err.Error()))
		a.Publisher = events.NewNopPublisher(a.Logger)
	}

	if cfg.License.TiersFile != "" {
		if a.Tiers, err = tier.LoadFile(cfg.License.TiersFile); err != nil {
			return fmt.Errorf("load tier table: %w", err)
		}
		a.Logger.Info("tier table loaded",
			slog.String("path", cfg.License.TiersFile),
			slog.Int("version", a.Tiers.Version))
	} else {
		a.Tiers = tier.Default()
	}

	fingerprints, err := security.NewFingerprintService(cfg.Security.FingerprintSecret)
	if err != nil {
		return fmt.Errorf("build fingerprint service: %w", err)
	}

	if a.Authority, err = authority.New(authority.Deps{
		Store:        a.Store,
		Cache:        a.Cache,
		Fingerprints: fingerprints,
		Publisher:    a.Publisher,
		Metrics:      a.Metrics,
		Tracer:       a.Providers.Tracer,
		Tiers:        a.Tiers,
		License:      cfg.License,
		Logger:       a.Logger,
	}); err != nil {
		return fmt.Errorf("build authority: %w", err)
	}

	if a.Processor, err = subscription.New(subscription.Deps{
		Store:     a.Store,
		Authority: a.Authority,
		Cache:     a.Cache,
		Publisher: a.Publisher,
		Metrics:   a.Metrics,
		Tracer:    a.Providers.Tracer,
		Tiers:     a.Tiers,
		License:   cfg.License,
		DedupSize: cfg.Webhook.DedupSize,
		Logger:    a.Logger,
	}); err != nil {
		return fmt.Errorf("build subscription processor: %w", err)
	}

	if a.Janitor, err = janitor.New(janitor.Deps{
		Store:   a.Store,
		Cache:   a.Cache,
		Metrics: a.Metrics,
		Config:  cfg.Janitor,
		Logger:  a.Logger,
	}); err != nil {
		return fmt.Errorf("build janitor: %w", err)
	}

	return nil
}

// buildServer assembles the HTTP surface around the wired services.
func (a *Application) buildServer() error {
	cfg := a.Config

	var signer *security.Signer
	if !cfg.Webhook.InsecureSkipVerify {
		var err error
		if signer, err = security.NewSigner(cfg.Webhook.Secret, cfg.Webhook.TimestampTolerance); err != nil {
			return fmt.Errorf("build webhook signer: %w", err)
		}
	} else {
		a.Logger.Warn("webhook signature verification is DISABLED")
	}

	handler, err := transporthttp.NewRouter(transporthttp.Deps{
		Authority: a.Authority,
		Processor: a.Processor,
		Store:     a.Store,
		Cache:     a.Cache,
		Signer:    signer,
		Tokens:    kgmiddleware.NewAdminTokens(cfg.Security.AdminJWTSecret),
		Metrics:   a.Metrics,
		Providers: a.Providers,
		Config:    cfg,
		Logger:    a.Logger,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	a.Server = transporthttp.NewServer(cfg.Server, handler)
	return nil
}

// Start launches the background services and the HTTP listener. Listener
// failures surface through Run; callers driving Start directly read them
// from Err.
func (a *Application) Start(ctx context.Context) error {
	if a.collector != nil {
		go a.collector.Start(ctx)
	}

	if err := a.Janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	a.serverErr = make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening",
			slog.String("addr", a.Server.Addr),
			slog.String("environment", a.Config.Environment))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErr <- err
		}
	}()

	return nil
}

// Err reports asynchronous listener failures.
func (a *Application) Err() <-chan error {
	return a.serverErr
}

// Run starts everything and blocks until an interrupt or a listener
// failure, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(ctx); err != nil {
		return err
	}

	select {
	case sig := <-sigCh:
		a.Logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-a.serverErr:
		a.Logger.Error("http server failed", slog.String("error", err.Error()))
		stopErr := a.Stop(ctx)
		if stopErr != nil {
			a.Logger.Error("shutdown after server failure", slog.String("error", stopErr.Error()))
		}
		return fmt.Errorf("http server: %w", err)
	}

	return a.Stop(ctx)
}

// Stop shuts the application down in reverse start order: listener first so
// no new work arrives, then the scheduled jobs, then the shared resources.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}

	a.Janitor.Stop(shutdownCtx)

	if a.collector != nil {
		a.collector.Stop()
	}

	a.Publisher.Close()

	if err := a.Cache.Close(); err != nil {
		a.Logger.Warn("cache close", slog.String("error", err.Error()))
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("database close", slog.String("error", err.Error()))
	}

	if a.Providers != nil {
		if err := a.Providers.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}

	a.Logger.Info("shutdown complete")
	return firstErr
}
