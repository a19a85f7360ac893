package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/tracksync/common/logging"
	"github.com/telhawk-systems/tracksync/common/messaging"
	"github.com/telhawk-systems/tracksync/common/tracing"
	"github.com/telhawk-systems/tracksync/tracking/internal/archive"
	"github.com/telhawk-systems/tracksync/tracking/internal/auth"
	"github.com/telhawk-systems/tracksync/tracking/internal/commerce"
	"github.com/telhawk-systems/tracksync/tracking/internal/config"
	"github.com/telhawk-systems/tracksync/tracking/internal/correlation"
	"github.com/telhawk-systems/tracksync/tracking/internal/delivery"
	"github.com/telhawk-systems/tracksync/tracking/internal/dlq"
	"github.com/telhawk-systems/tracksync/tracking/internal/handlers"
	"github.com/telhawk-systems/tracksync/tracking/internal/models"
	"github.com/telhawk-systems/tracksync/tracking/internal/normalizer"
	"github.com/telhawk-systems/tracksync/tracking/internal/notify"
	"github.com/telhawk-systems/tracksync/tracking/internal/queue"
	"github.com/telhawk-systems/tracksync/tracking/internal/quota"
	"github.com/telhawk-systems/tracksync/tracking/internal/reports"
	"github.com/telhawk-systems/tracksync/tracking/internal/repository"
	"github.com/telhawk-systems/tracksync/tracking/internal/scheduler"
	"github.com/telhawk-systems/tracksync/tracking/internal/server"
	"github.com/telhawk-systems/tracksync/tracking/internal/service"
	"github.com/telhawk-systems/tracksync/tracking/internal/signature"
	"github.com/telhawk-systems/tracksync/tracking/internal/syncengine"

	natsclient "github.com/telhawk-systems/tracksync/common/messaging/nats"
)

var version = "dev"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("tracking"))
	logging.SetDefault(logger)

	slog.Info("Starting tracking service",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("store_url", cfg.Store.URL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	telemetry, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Headers:        cfg.Tracing.Headers,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		slog.Warn("Tracing disabled", logging.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	// Redis backs the task queue, correlation index, alert buckets, quota window and tier locks
	rdb, err := newRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	// Postgres audit store
	connString := cfg.Database.Postgres.ConnString()
	if err := runMigrations(cfg.Database.Postgres.MigrationsPath, connString); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo, err := repository.NewPostgresRepository(ctx, connString)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer repo.Close()

	// NATS: dead-letter mirror, notification bus, tier completion events
	var (
		js        *natsclient.JetStreamClient
		publisher messaging.Publisher
		mirror    *dlq.Mirror
	)
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = "tracksync-tracking"
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		natsCfg.Token = cfg.NATS.Token
		natsCfg.HandlerTimeout = cfg.Scheduler.JobTimeout
		natsCfg.Logger = logger
		js, err = natsclient.NewJetStreamClient(natsCfg)
		if err != nil {
			slog.Warn("NATS unavailable, continuing without dead-letter mirror and bus", logging.Error(err))
		} else {
			defer js.Close()
			publisher = js
			mirror, err = dlq.NewJetStreamMirror(ctx, js, logger)
			if err != nil {
				slog.Warn("Dead-letter mirror disabled", logging.Error(err))
			}
			if _, err := js.EnsureStream(ctx, natsclient.ScheduleEventsStream); err != nil {
				slog.Warn("Schedule event stream unavailable, completions are not retained", logging.Error(err))
			}
		}
	}

	// OpenSearch event archive
	var eventArchive *archive.Archive
	if cfg.OpenSearch.Enabled {
		eventArchive, err = archive.New(archive.Config{
			URL:           cfg.OpenSearch.URL,
			Username:      cfg.OpenSearch.Username,
			Password:      cfg.OpenSearch.Password,
			TLSSkipVerify: cfg.OpenSearch.TLSSkipVerify,
			Index:         cfg.OpenSearch.Index,
			PageSize:      cfg.OpenSearch.PageSize,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to create OpenSearch client: %v", err)
		}
		initCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		if err := eventArchive.Initialize(initCtx); err != nil {
			slog.Warn("Failed to initialize event archive, events may fail to index", logging.Error(err))
		}
		cancel()
	} else {
		slog.Info("Event archive disabled, aggregate reports will not run")
	}

	// Event schemas
	registry, err := loadRegistry(cfg.Schemas.Path)
	if err != nil {
		log.Fatalf("Failed to load event schemas: %v", err)
	}
	norm := normalizer.New(registry)

	verifier, err := signature.NewVerifier(signature.Config{
		SharedSecret:   cfg.Webhooks.SharedSecret,
		ChannelSecrets: cfg.Webhooks.ChannelSecrets,
		Derive:         cfg.Webhooks.DeriveSecrets,
		Exempt:         cfg.Webhooks.Unsigned,
	}, registry.Sources())
	if err != nil {
		log.Fatalf("Failed to configure webhook signatures: %v", err)
	}

	// Analytics store client
	sink := delivery.NewHTTPSink(delivery.HTTPSinkConfig{
		BaseURL:   cfg.Store.URL,
		Token:     cfg.Store.Token,
		UserAgent: "tracksync/" + version,
	})
	var window quota.Window = &quota.NoOpWindow{Limit: cfg.Store.QuotaLimit}
	if cfg.Store.QuotaTracking {
		window = quota.NewRedisWindow(rdb, storeQuotaKey, cfg.Store.QuotaLimit, cfg.Store.QuotaWindow)
	}
	defer window.Close()
	backoff := delivery.Backoff{
		Base:       cfg.Sync.BackoffBase,
		Max:        cfg.Sync.BackoffMax,
		Multiplier: cfg.Sync.BackoffMultiplier,
		Jitter:     cfg.Sync.BackoffJitter,
	}
	storeClient := delivery.NewClient(sink, window, delivery.Config{
		BatchSize:           cfg.Store.BatchSize,
		RequestTimeout:      cfg.Store.RequestTimeout,
		RequestsPerSecond:   cfg.Store.RequestsPerSecond,
		Burst:               cfg.Store.Burst,
		QuotaLimit:          cfg.Store.QuotaLimit,
		MaxQuotaWait:        cfg.Store.MaxQuotaWait,
		MaxRateLimitRetries: cfg.Store.MaxRateLimitRetries,
		Backoff:             backoff,
	}, logger)

	// Notifications
	channels := buildChannels(cfg.Notify, publisher, logger)
	aggregator := notify.NewAggregator(rdb, channels, notify.Config{
		Window:         cfg.Notify.Window,
		ChannelTimeout: cfg.Notify.ChannelTimeout,
		Routes:         buildRoutes(cfg.Notify.Routes),
		ReportChannels: withLog(cfg.Notify.ReportChannels),
		HistorySize:    cfg.Notify.HistorySize,
	}, repo, logger)

	// Sync engine
	taskQueue := queue.New(rdb)
	deps := syncengine.Dependencies{
		Queue:     taskQueue,
		Deliverer: storeClient,
		Conflicts: repo,
		Alerts:    aggregator,
		Logger:    logger,
	}
	if eventArchive != nil {
		deps.Archive = eventArchive
	}
	if mirror != nil {
		deps.DeadLetters = mirror
	}
	engine, err := syncengine.New(syncengine.Config{
		Workers:                  cfg.Sync.Workers,
		ClaimBatch:               cfg.Sync.ClaimBatch,
		PollInterval:             cfg.Sync.PollInterval,
		MaxAttempts:              cfg.Sync.MaxAttempts,
		Backoff:                  backoff,
		InflightTimeout:          cfg.Sync.InflightTimeout,
		WatchdogInterval:         cfg.Sync.WatchdogInterval,
		DeferDelay:               cfg.Sync.DeferDelay,
		QuotaPause:               cfg.Sync.QuotaPause,
		SystemicFailureThreshold: cfg.Sync.SystemicFailureThreshold,
	}, deps)
	if err != nil {
		log.Fatalf("Failed to create sync engine: %v", err)
	}

	// Ingestion
	correlations := correlation.NewStore(rdb, cfg.Sync.CorrelationRetention)
	ingestService := service.NewIngestService(verifier, norm, correlations, engine, logger)

	// Scheduler and its report jobs
	sched := scheduler.New(scheduler.Config{
		RealtimeInterval: cfg.Scheduler.RealtimeInterval,
		PollInterval:     cfg.Scheduler.PollInterval,
		LockTTL:          cfg.Scheduler.LockTTL,
		JobTimeout:       cfg.Scheduler.JobTimeout,
		Disabled:         parseTiers(cfg.Scheduler.Disabled),
	}, rdb, repo, aggregator, publisher, logger)

	jobDeps := reports.Dependencies{
		Deliverer: storeClient,
		Reporter:  aggregator,
		Alerts:    aggregator,
		Engine:    engine,
		Submitter: ingestService,
		Tasks:     taskQueue,
		Audit:     repo,
		Logger:    logger,
	}
	if eventArchive != nil {
		jobDeps.Events = eventArchive
		jobDeps.Archive = eventArchive
	}
	if cfg.Commerce.URL != "" {
		jobDeps.Commerce = commerce.NewClient(commerce.Config{
			BaseURL:    cfg.Commerce.URL,
			Token:      cfg.Commerce.Token,
			PageSize:   cfg.Commerce.PageSize,
			MaxPages:   cfg.Commerce.MaxPages,
			MaxRetries: cfg.Commerce.MaxRetries,
			RetryDelay: cfg.Commerce.RetryDelay,
		})
	}
	reports.New(reports.Config{
		StockoutDays:   cfg.Reports.StockoutDays,
		ForecastWindow: cfg.Reports.ForecastWindow,
		CohortWeeks:    cfg.Reports.CohortWeeks,
		SegmentWindow:  cfg.Reports.SegmentWindow,
		Retention:      cfg.Retention.Period,
	}, jobDeps).Register(sched)
	if js != nil {
		if _, err := sched.ListenTriggers(js); err != nil {
			slog.Warn("Bus tier triggers disabled", logging.Error(err))
		}
	}

	// Health
	health := service.NewHealth(cfg.Server.HealthTimeout)
	health.Register("redis", true, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	health.Register("postgres", false, repo.Ping)
	health.Register("analytics_store", false, storeClient.Ping)
	if eventArchive != nil {
		health.Register("archive", false, eventArchive.Ping)
	}
	if js != nil {
		health.Register("nats", false, func(context.Context) error {
			_, err := messaging.Ping(js)
			return err
		})
	}
	for _, ch := range aggregator.Channels() {
		if p, ok := ch.(notify.Pinger); ok {
			health.Register("notify_"+ch.Type(), false, p.Ping)
		}
	}

	// Admin API
	var tokens *auth.TokenManager
	var admin *handlers.AdminHandler
	if cfg.Admin.JWTSecret != "" {
		tokens, err = auth.NewTokenManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
		if err != nil {
			log.Fatalf("Failed to configure admin tokens: %v", err)
		}
		adminDeps := handlers.AdminDeps{
			Engine:       engine,
			Audit:        repo,
			Correlations: correlations,
			Scheduler:    sched,
			Alerts:       aggregator,
			Quota:        storeClient,
			Logger:       logger,
		}
		if mirror != nil {
			adminDeps.Mirror = mirror
		}
		admin = handlers.NewAdminHandler(adminDeps)
	} else {
		slog.Warn("admin.jwt_secret not set, admin API disabled")
	}

	router := server.NewRouter(server.Routes{
		Webhooks: handlers.NewWebhookHandler(ingestService, cfg.Server.MaxBodyBytes, logger),
		Health:   handlers.NewHealthHandler(health),
		Admin:    admin,
		Tokens:   tokens,
		Logger:   logger,
	})

	// Background workers
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(engine.Run)
	run(aggregator.Run)
	if cfg.Scheduler.Enabled {
		run(sched.Run)
	} else {
		slog.Info("Scheduler disabled, tiers run only on demand")
	}

	// Create server with config values
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Tracking service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	slog.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	wg.Wait()
	slog.Info("Server stopped")
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func runMigrations(source, connString string) error {
	slog.Info("Running database migrations...", slog.String("source", source))
	m, err := migrate.New(source, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	slog.Info("Database migrations completed")
	return nil
}

func loadRegistry(path string) (*normalizer.Registry, error) {
	if path == "" {
		return normalizer.DefaultRegistry()
	}
	return normalizer.LoadRegistry(path)
}

// buildChannels creates every configured notification channel. The log
// channel is always present so routed alerts are never silently dropped.
func buildChannels(cfg config.NotifyConfig, publisher messaging.Publisher, logger *logging.Logger) []notify.Channel {
	channels := []notify.Channel{notify.NewLogChannel(logger.Component("notify"))}
	if cfg.Email.Addr != "" && len(cfg.Email.To) > 0 {
		channels = append(channels, notify.NewEmailChannel(notify.EmailConfig{
			Addr:     cfg.Email.Addr,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		}))
	}
	if cfg.PagerURL != "" {
		channels = append(channels, notify.NewWebhookChannel("pager", cfg.PagerURL, cfg.ChannelTimeout))
	}
	if cfg.SlackURL != "" {
		channels = append(channels, notify.NewSlackChannel(cfg.SlackURL, cfg.ChannelTimeout))
	}
	if cfg.Bus && publisher != nil {
		channels = append(channels, notify.NewBusChannel(publisher))
	}
	return channels
}

// storeQuotaKey names the analytics store window; the quota package namespaces it.
const storeQuotaKey = "store"

func buildRoutes(raw map[string][]string) map[models.Severity][]string {
	routes := make(map[models.Severity][]string, len(raw))
	for name, channels := range raw {
		severity := models.Severity(name)
		if !severity.Valid() {
			slog.Warn("Ignoring notification route for unknown severity", slog.String("severity", name))
			continue
		}
		routes[severity] = withLog(channels)
	}
	return routes
}

// withLog returns a copy of channels with the log channel appended.
func withLog(channels []string) []string {
	return append(append(make([]string, 0, len(channels)+1), channels...), "log")
}

func parseTiers(names []string) []models.Tier {
	var tiers []models.Tier
	for _, name := range names {
		tier, ok := models.ParseTier(name)
		if !ok {
			slog.Warn("Ignoring unknown scheduler tier", slog.String("tier", name))
			continue
		}
		tiers = append(tiers, tier)
	}
	return tiers
}
