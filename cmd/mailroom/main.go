// Package main is the entry point for the mailroom service.
//
// It loads configuration, connects to PostgreSQL, wires the delivery pipeline
// (admission, dispatch, tracking), and runs two long-lived components side by
// side: the HTTP server (tracking pixel, click-through redirects, unsubscribe
// pages, provider webhooks, internal operations endpoints) and the background
// scheduler (dispatch ticks, retry passes, daily retention).
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM):
// the HTTP server drains in-flight requests and the scheduler finishes its
// current cycle before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"mailroom/internal/admission"
	"mailroom/internal/api/handlers"
	"mailroom/internal/config"
	"mailroom/internal/core"
	"mailroom/internal/db"
	"mailroom/internal/dispatch"
	"mailroom/internal/email"
	"mailroom/internal/external"
	"mailroom/internal/tracking"
	"mailroom/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	appLog := newAppLogger(logger)
	clock := types.RealClock{}

	logger.Info("mailroom starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"email_provider", cfg.Email.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database pool.
	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Repositories.
	notifications := db.NewNotificationRepository(pool)
	events := db.NewEventRepository(pool)
	accounts := db.NewAccountRepository(pool)
	preferences := db.NewPreferencesRepository(pool)
	tokens := db.NewTokenRepository(pool)

	// Rendering and instrumentation.
	renderer, err := email.NewRenderer(email.RendererConfig{Logger: appLog})
	if err != nil {
		return fmt.Errorf("parsing email templates: %w", err)
	}
	instrumenter := tracking.NewInstrumenter(cfg.Server.BaseURL, appLog)
	tokenIssuer := tracking.NewTokenIssuer(tokens, cfg.Tracking.TokenTTL, clock)

	// Delivery provider and metrics.
	provider, err := buildEmailProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building email provider: %w", err)
	}
	metrics, err := buildMetricsPublisher(ctx, cfg, logger, appLog)
	if err != nil {
		return fmt.Errorf("building metrics publisher: %w", err)
	}

	// Delivery pipeline.
	policy := admission.NewSendTimePolicy(cfg.Queue, clock, appLog)
	controller := admission.NewController(notifications, accounts, preferences, policy, cfg.Queue, clock, appLog)

	executor := dispatch.NewExecutor(dispatch.ExecutorConfig{
		Notifications: notifications,
		Accounts:      accounts,
		Events:        events,
		Renderer:      renderer,
		Instrumenter:  instrumenter,
		Tokens:        tokenIssuer,
		Provider:      provider,
		Policy:        policy,
		EmailConfig:   cfg.Email,
		Clock:         clock,
		Logger:        appLog,
	})
	dispatcher := dispatch.NewDispatcher(notifications, executor, cfg.Queue, clock, appLog)
	retry := dispatch.NewRetryManager(notifications, executor, cfg.Queue, clock, appLog)
	retention := dispatch.NewRetentionJob(events, tokens, cfg.Tracking, clock, appLog)
	scheduler := dispatch.NewScheduler(dispatcher, retry, retention, metrics, cfg.Queue, appLog)

	// Tracking services.
	recorder := tracking.NewRecorder(notifications, events, clock, appLog)
	unsubscribes := tracking.NewUnsubscribeService(tokens, preferences, accounts, events, clock, appLog)
	bounces := tracking.NewBounceHandler(accounts, notifications, events, clock, appLog)

	// HTTP server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	trackingHandler := handlers.NewTrackingHandler(recorder, cfg.Server.BaseURL, logger)
	unsubscribeHandler := handlers.NewUnsubscribeHandler(unsubscribes, logger)
	webhookHandler := handlers.NewWebhookHandler(bounces, logger)
	opsHandler := handlers.NewOpsHandler(notifications, controller, clock, logger)

	srv.RouteRegistrars = append(srv.RouteRegistrars,
		trackingHandler.RegisterRoutes,
		unsubscribeHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
		opsHandler.RegisterRoutes,
	)
	srv.HealthProbes = append(srv.HealthProbes, dbProbe{pool: pool})
	srv.MountRoutes()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("mailroom stopped cleanly")
	return nil
}

// newPool builds a pgx connection pool from the database configuration.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// buildEmailProvider selects the delivery provider from configuration. Test
// mode always gets the stub so no real email leaves a development machine.
func buildEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (external.EmailProvider, error) {
	if cfg.IsTestMode || cfg.Email.Provider == "stub" {
		return external.NewStubEmailProvider(logger), nil
	}

	switch cfg.Email.Provider {
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Email.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return external.NewSESClient(awsCfg, external.SESClientConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger,
		}), nil
	case "mailgun":
		httpClient := &http.Client{Timeout: cfg.Email.SendTimeout}
		return external.NewMailgunClient(httpClient, external.MailgunClientConfig{
			APIKey:  cfg.Email.MailgunAPIKey.Unmask(),
			Domain:  cfg.Email.MailgunDomain,
			BaseURL: cfg.Email.MailgunBaseURL,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
	}
}

// buildMetricsPublisher wires CloudWatch when metrics are enabled, otherwise
// a logging stub.
func buildMetricsPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger, appLog types.Logger) (external.MetricsPublisher, error) {
	if cfg.IsTestMode || !cfg.Observability.EnableMetrics {
		return external.NewStubMetricsPublisher(logger), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Email.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return external.NewCloudWatchPublisher(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.Observability.MetricNamespace,
		appLog,
	), nil
}

// dbProbe reports database health for the /health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p dbProbe) Name() string { return "database" }

func (p dbProbe) Check(ctx context.Context) error { return p.pool.Ping(ctx) }

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}

// appLogger adapts slog to the types.Logger interface used by the domain
// packages.
type appLogger struct {
	l *slog.Logger
}

func newAppLogger(l *slog.Logger) types.Logger {
	return &appLogger{l: l}
}

func (a *appLogger) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *appLogger) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *appLogger) Error(msg string, args ...any) { a.l.Error(msg, args...) }

func (a *appLogger) With(args ...any) types.Logger {
	return &appLogger{l: a.l.With(args...)}
}
