package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/campusmart/marketplace/pkg/breaker"
	"github.com/campusmart/marketplace/pkg/database"
	"github.com/campusmart/marketplace/pkg/health"
	pkgkafka "github.com/campusmart/marketplace/pkg/kafka"
	"github.com/campusmart/marketplace/pkg/tracing"
	"github.com/campusmart/marketplace/services/review/internal/config"
	"github.com/campusmart/marketplace/services/review/internal/event"
	handler "github.com/campusmart/marketplace/services/review/internal/handler/http"
	"github.com/campusmart/marketplace/services/review/internal/repository/postgres"
	redisrepo "github.com/campusmart/marketplace/services/review/internal/repository/redis"
	"github.com/campusmart/marketplace/services/review/internal/service"
	"github.com/campusmart/marketplace/services/review/migrations"
)

// App wires together all dependencies and runs the review service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	rdb            *redis.Client
	producer       *pkgkafka.Producer
	consumers      []*pkgkafka.Consumer
	reconciler     *service.Reconciler
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := cfg.PostgresConfig()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, config.ServiceName)

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	database.SetSlowQueryLogging(cfg.SlowQueryThreshold(), logger)

	// Redis only fronts PostgreSQL, so an unreachable server is not fatal.
	rdb := database.OpenRedis(cfg.RedisConfig())
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, rating reads fall back to postgres",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("connected to Redis", slog.String("addr", cfg.RedisAddr), slog.Int("db", cfg.RedisDB))
	}
	cacheBreaker := breaker.New(breaker.DefaultConfig("review-rating-cache"), logger)
	ratingCache := redisrepo.NewRatingCache(rdb, cfg.RatingCacheTTL, cacheBreaker)

	// Initialize Kafka producer with connection validation and retry.
	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	if err := pingKafkaWithRetry(ctx, producer, logger); err != nil {
		logger.Warn("kafka producer ping failed after retries, continuing in degraded mode",
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	// Build the dependency graph.
	store := postgres.NewStore(pool)
	events := event.NewProducer(producer, logger)
	maintainer := service.NewAggregateMaintainer(store, ratingCache, events, service.MaintainerConfig{
		Baselines: cfg.Baselines(),
		Retry:     cfg.RetryPolicy(),
	}, logger)
	reviewService := service.NewReviewService(store, maintainer, events, cfg.ModeratorRoles, logger)
	helpfulService := service.NewHelpfulService(store, cfg.RetryPolicy(), logger)
	projection := service.NewProjectionService(store, ratingCache, maintainer, logger)
	reconciler := service.NewReconciler(store, maintainer, cfg.ReconcileBatchSize, logger)

	// Set up Kafka consumers for subject lifecycle events.
	eventConsumer := event.NewConsumer(projection, logger)
	idempotency := pkgkafka.NewRedisIdempotencyStore(rdb, "review:events", cfg.IdempotencyTTL)
	var consumers []*pkgkafka.Consumer
	for topic, handle := range eventConsumer.Subscriptions() {
		consumers = append(consumers, pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
			Brokers:   cfg.KafkaBrokers,
			GroupID:   cfg.KafkaConsumerGroup + "-" + topic,
			Topic:     topic,
			EnableDLQ: true,
		}, pkgkafka.IdempotentHandler(idempotency, handle, logger), logger))
	}

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", store.Ping)
	healthHandler.RegisterNonCritical("redis", ratingCache.Ping)
	healthHandler.RegisterNonCritical("kafka", producer.Ping)

	// HTTP router.
	router := handler.NewRouter(handler.Services{
		Reviews:    reviewService,
		Helpful:    helpfulService,
		Ratings:    projection,
		Recomputer: maintainer,
	}, healthHandler, handler.RouterConfig{
		ServiceName:        config.ServiceName,
		ModeratorRoles:     cfg.ModeratorRoles,
		PprofAllowedCIDRs:  cfg.PprofAllowedCIDRs,
		RatingMaxAgeSecs:   cfg.RatingMaxAgeSecs,
		WriteRatePerMinute: cfg.WriteRatePerMinute,
		WriteBurst:         cfg.WriteBurst,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		rdb:            rdb,
		producer:       producer,
		consumers:      consumers,
		reconciler:     reconciler,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server, Kafka consumers and the reconciler, then blocks
// until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	// Schedule aggregate reconciliation first so a bad schedule fails
	// before any listener is up.
	if a.cfg.ReconcileSchedule != "" {
		if err := a.reconciler.Start(ctx, a.cfg.ReconcileSchedule); err != nil {
			_ = a.Shutdown()
			return err
		}
	}

	errCh := make(chan error, len(a.consumers)+1)

	// Start HTTP server.
	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Start Kafka consumers.
	for _, c := range a.consumers {
		go func(c *pkgkafka.Consumer) {
			if err := c.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s consumer: %w", c.Topic(), err)
			}
		}(c)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order: HTTP server, reconciler,
// Kafka consumers, Kafka producer, tracer, Redis, PostgreSQL.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.reconciler.Stop(ctx)

	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("topic", c.Topic()), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// Flush spans once every span producer above has stopped.
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.pool != nil {
		a.pool.Close()
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// pingKafkaWithRetry attempts to ping the Kafka producer with exponential
// backoff (3 attempts, 1s/2s with ±25% jitter).
func pingKafkaWithRetry(ctx context.Context, producer *pkgkafka.Producer, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = producer.Ping(ctx); lastErr == nil {
			return nil
		}
		if attempt == 2 {
			break
		}
		base := time.Duration(1<<uint(attempt)) * time.Second
		wait := base + time.Duration(float64(base)*0.25*(2*rand.Float64()-1)) // #nosec G404 -- retry jitter
		logger.Warn("kafka producer ping failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", 3),
			slog.Duration("backoff", wait),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka ping: context canceled during retry: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("kafka producer ping failed after 3 attempts: %w", lastErr)
}
