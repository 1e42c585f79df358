// Package app wires configuration, storage, the license registry, the
// session store and the broker into a running HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/robfig/cron/v3"

	"rhinobridge/internal/broker"
	"rhinobridge/internal/config"
	"rhinobridge/internal/infrastructure"
	"rhinobridge/internal/license"
	custommw "rhinobridge/internal/middleware"
	"rhinobridge/internal/session"
	"rhinobridge/internal/storage"
	handlers "rhinobridge/internal/transport/http"
)

// Application is the composition root.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	DB       *sql.DB
	Registry *license.Registry
	Store    *session.Store
	Broker   *broker.Broker

	Router *chi.Mux
	Server *http.Server

	sweeper *cron.Cron
}

// NewApplication builds the application from configuration and the durable
// store, recovering any sessions that survived the last run.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("broker starting",
		slog.String("version", handlers.Version),
		slog.Int("port", cfg.Server.Port),
		slog.String("sqlite_path", cfg.Storage.SQLitePath))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := storage.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	registry := license.NewRegistry(db, cfg.License, logger)

	store, err := session.NewStore(ctx, db, registry, cfg.WebSocketURL, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to build session store: %w", err)
	}

	brokerMetrics, err := broker.NewMetrics(otelProviders.Meter)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create broker metrics: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		DB:            db,
		Registry:      registry,
		Store:         store,
		Broker:        broker.New(store, cfg.WebSocket, brokerMetrics, logger),
	}

	app.setupRouter()
	app.setupSweeper()

	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// setupRouter builds the route tree. The websocket attach point stays
// outside the timeout and logging group; wrapping an upgraded connection's
// ResponseWriter breaks the hijack.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)

	wsHandler := handlers.NewWSHandler(a.Broker, a.Config.WebSocket, a.Logger)
	r.Mount("/ws", wsHandler.Routes())

	r.Group(func(r chi.Router) {
		if otelMiddleware, err := custommw.NewOTelMiddleware(a.OTelProviders); err != nil {
			a.Logger.Error("failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(custommw.StructuredLogger(a.Logger))
		r.Use(custommw.Recoverer(a.Logger))
		r.Use(custommw.SecurityHeaders)
		r.Use(custommw.Compress(5))

		if a.Config.Security.EnableCORS {
			r.Use(custommw.CORS(custommw.CORSConfig{
				AllowedOrigins: a.Config.Security.AllowedOrigins,
				Logger:         a.Logger,
			}))
		}

		if a.Config.Security.RateLimit.Enabled {
			r.Use(custommw.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(custommw.Timeout(a.Config.Server.ReadTimeout, a.Logger))

		licenseHandler := handlers.NewLicenseHandler(a.Registry, a.Store, a.Logger)
		r.Mount("/license", licenseHandler.Routes())

		sessionHandler := handlers.NewSessionHandler(a.Store, a.Broker, a.Config.Server, a.Logger)
		r.Mount("/sessions", sessionHandler.Routes())

		healthHandler := handlers.NewHealthHandler(a.DB, a.Logger)
		r.Mount("/health", healthHandler.Routes())
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupSweeper schedules the background maintenance: pairing deadlines, idle
// session expiry and expired license cleanup.
func (a *Application) setupSweeper() {
	a.sweeper = cron.New()

	interval := "@every " + a.Config.Broker.SweepInterval.String()
	a.sweeper.AddFunc(interval, func() {
		ctx := context.Background()
		if n := a.Broker.ExpireAwaiting(ctx, a.Config.Broker.HandshakeTimeout); n > 0 {
			a.Logger.Info("pairing deadlines expired", slog.Int("count", n))
		}
		a.Store.SweepIdle(ctx, a.Config.Broker.IdleSessionTTL)
	})

	a.sweeper.AddFunc("@hourly", func() {
		if _, err := a.Registry.SweepExpired(context.Background()); err != nil {
			a.Logger.Error("license sweep failed", slog.String("error", err.Error()))
		}
	})
}

// Start begins serving and starts the sweeper. Non-blocking; a fatal server
// error cancels the passed context.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.sweeper.Start()

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "broker started",
		slog.String("address", a.Server.Addr))
	return nil
}

// Stop drains the server and drops connected peers. Open sessions are left
// in the database; the next start recovers them as disconnected and
// resumable.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "server shutdown error", slog.String("error", err.Error()))
	}

	stopCtx := a.sweeper.Stop()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
	}

	a.Broker.Shutdown(shutdownCtx)

	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "OpenTelemetry shutdown error", slog.String("error", err.Error()))
	}

	if err := a.DB.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "storage close error", slog.String("error", err.Error()))
	}

	infrastructure.CloseLogFile()

	a.Logger.InfoContext(ctx, "shutdown complete")
	return nil
}

// Run serves until interrupted, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "received interrupt signal")
	case <-ctx.Done():
	}

	return a.Stop(context.Background())
}
