// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/webhook-garden/internal/alerts"
	"github.com/bissquit/webhook-garden/internal/config"
	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/pkg/ctxlog"
	"github.com/bissquit/webhook-garden/internal/pkg/httputil"
	"github.com/bissquit/webhook-garden/internal/pkg/jwtauth"
	"github.com/bissquit/webhook-garden/internal/pkg/metrics"
	"github.com/bissquit/webhook-garden/internal/pkg/postgres"
	"github.com/bissquit/webhook-garden/internal/version"
	"github.com/bissquit/webhook-garden/internal/webhooks"
	"github.com/bissquit/webhook-garden/internal/webhooks/memory"
	webhookspostgres "github.com/bissquit/webhook-garden/internal/webhooks/postgres"
	"github.com/bissquit/webhook-garden/internal/webhooks/providers"
	"github.com/bissquit/webhook-garden/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const dbMetricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc

	registry   *webhooks.Registry
	service    *webhooks.Service
	processor  *webhooks.Processor
	maintainer *webhooks.Maintainer
	alertSink  *alerts.Sink
	publisher  *alerts.PubSubPublisher
}

// New creates a new application instance and starts its background jobs.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		bgCancel: bgCancel,
		registry: webhooks.NewRegistry(),
	}

	repo, err := app.openStore()
	if err != nil {
		bgCancel()
		return nil, err
	}

	if err := providers.Register(app.registry, providers.Config{
		Targets:   cfg.Providers.Targets,
		AuthToken: cfg.Providers.AuthToken,
		Timeout:   cfg.Providers.Timeout,
		RateLimit: cfg.Providers.RateLimit,
		Burst:     cfg.Providers.Burst,
	}); err != nil {
		app.closeStore()
		bgCancel()
		return nil, fmt.Errorf("register providers: %w", err)
	}

	stats := webhooks.NewStats()
	sink := webhooks.Fanout{stats, webhooks.MetricsSink{}}
	if cfg.Alerts.Enabled {
		alertSink, err := app.setupAlerts(bgCtx)
		if err != nil {
			app.closeStore()
			bgCancel()
			return nil, err
		}
		sink = append(sink, alertSink)
	}

	app.service = webhooks.NewService(repo, sink)
	app.processor = webhooks.NewProcessor(webhooks.ProcessorConfig{
		Interval:       cfg.Queue.Interval,
		BatchSize:      cfg.Queue.BatchSize,
		HandlerTimeout: cfg.Queue.HandlerTimeout,
		Retry: webhooks.RetryPolicy{
			InitialDelay:  cfg.Queue.InitialDelay,
			BackoffFactor: cfg.Queue.BackoffFactor,
			MaxDelay:      cfg.Queue.MaxDelay,
			MaxAttempts:   cfg.Queue.MaxAttempts,
		},
	}, repo, app.registry, sink)
	app.maintainer = webhooks.NewMaintainer(webhooks.MaintainerConfig{
		RebalanceInterval: cfg.Queue.RebalanceInterval,
		CleanupInterval:   cfg.Queue.CleanupInterval,
		RetentionDays:     cfg.Queue.RetentionDays,
		MetricsInterval:   cfg.Queue.MetricsInterval,
	}, app.service)

	auth, err := jwtauth.New(jwtauth.Config{
		SecretKey: cfg.JWT.SecretKey,
		Issuer:    cfg.JWT.Issuer,
	})
	if err != nil {
		app.stopAlerts()
		app.closeStore()
		bgCancel()
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	handler := webhooks.NewHandler(app.service, app.processor, stats)
	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(handler, auth),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if app.db != nil {
		go metrics.CollectDBPoolMetrics(bgCtx, app.db, dbMetricsInterval)
	}
	app.maintainer.Start(bgCtx)
	if cfg.Queue.AutoStart {
		app.processor.Start(bgCtx, cfg.Queue.Interval)
	}

	logger.Info("webhook queue configured",
		"storage", cfg.Queue.Storage,
		"sources", fmt.Sprint(app.registry.Sources()),
		"auto_start", cfg.Queue.AutoStart,
		"alerts", cfg.Alerts.Enabled,
	)
	return app, nil
}

func (a *App) openStore() (webhooks.Repository, error) {
	if a.config.Queue.Storage == "memory" {
		a.logger.Warn("using in-memory queue store: items are lost on restart")
		return memory.NewRepository(), nil
	}

	dbCfg := a.config.Database
	connectCtx, cancel := context.WithTimeout(context.Background(), dbCfg.ConnectTimeout)
	defer cancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             dbCfg.URL,
		MaxOpenConns:    dbCfg.MaxOpenConns,
		MaxIdleConns:    dbCfg.MaxIdleConns,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime,
		ConnectAttempts: dbCfg.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if dbCfg.AutoMigrate {
		if err := postgres.Migrate(dbCfg.URL, migrations.FS); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	a.db = db
	return webhookspostgres.NewRepository(db), nil
}

func (a *App) closeStore() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) setupAlerts(ctx context.Context) (*alerts.Sink, error) {
	publisher, err := alerts.NewPubSubPublisher(ctx, a.config.Alerts.ProjectID, a.config.Alerts.Topic)
	if err != nil {
		return nil, fmt.Errorf("create alert publisher: %w", err)
	}

	a.publisher = publisher
	a.alertSink = alerts.NewSink(alerts.SinkConfig{
		BufferSize:     a.config.Alerts.BufferSize,
		PublishTimeout: a.config.Alerts.Timeout,
	}, publisher)
	a.alertSink.Start(ctx)
	return a.alertSink, nil
}

func (a *App) stopAlerts() {
	if a.alertSink != nil {
		a.alertSink.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close alert publisher", "error", err)
		}
	}
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, then stops queue jobs and flushes alerts.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a.processor.Stop()
	a.maintainer.Stop()
	a.bgCancel()
	a.stopAlerts()
	a.closeStore()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Registry returns the handler registry so embedding code can add handlers.
func (a *App) Registry() *webhooks.Registry {
	return a.registry
}

// Processor returns the queue processor.
func (a *App) Processor() *webhooks.Processor {
	return a.processor
}

func (a *App) setupRouter(handler *webhooks.Handler, auth httputil.TokenValidator) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(docsPage))
	})

	handler.RegisterIngestRoutes(r)

	r.Route("/api/v1/queue", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(auth))

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleViewer))
			handler.RegisterReadRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			handler.RegisterOperatorRoutes(r)
		})
	})

	return r
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
    <title>Webhook Garden API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
