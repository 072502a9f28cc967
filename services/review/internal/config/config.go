package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/campusmart/marketplace/pkg/config"
	"github.com/campusmart/marketplace/pkg/database"
	"github.com/campusmart/marketplace/pkg/tracing"
	"github.com/campusmart/marketplace/services/review/internal/domain"
)

// ServiceName identifies the review service in logs, traces and metrics.
const ServiceName = "review-service"

// Config holds all configuration for the review service.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort            int `env:"REVIEW_HTTP_PORT" envDefault:"8010"`
	ShutdownTimeoutSecs int `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"15"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"campus"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"campus_secret"`
	PostgresDB   string `env:"REVIEW_DB_NAME" envDefault:"review_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Aggregate writes
	AggregateLockTimeoutMs int `env:"AGGREGATE_LOCK_TIMEOUT_MS" envDefault:"2000"`
	AggregateMaxRetries    int `env:"AGGREGATE_MAX_RETRIES" envDefault:"3"`
	AggregateRetryBaseMs   int `env:"AGGREGATE_RETRY_BASE_MS" envDefault:"50"`

	// Average reported for subjects without reviews
	BaselineShop    float64 `env:"RATING_BASELINE_SHOP" envDefault:"4.5"`
	BaselineProduct float64 `env:"RATING_BASELINE_PRODUCT" envDefault:"4.5"`
	BaselineService float64 `env:"RATING_BASELINE_SERVICE" envDefault:"4.5"`
	BaselineHostel  float64 `env:"RATING_BASELINE_HOSTEL" envDefault:"4.5"`

	// Roles allowed to delete any review and trigger recomputes
	ModeratorRoles []string `env:"MODERATOR_ROLES" envDefault:"admin,moderator" envSeparator:","`

	// Redis rating cache
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REVIEW_REDIS_DB" envDefault:"0"`
	RatingCacheTTL time.Duration `env:"RATING_CACHE_TTL" envDefault:"10m"`

	// Per-caller write throttle (reviews and helpful marks); 0 disables
	WriteRatePerMinute int `env:"REVIEW_WRITE_RATE_PER_MINUTE" envDefault:"30"`
	WriteBurst         int `env:"REVIEW_WRITE_BURST" envDefault:"10"`

	// Cache-Control max-age on public rating reads
	RatingMaxAgeSecs int `env:"RATING_HTTP_MAX_AGE_SECONDS" envDefault:"30"`

	// Kafka
	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaConsumerGroup string        `env:"REVIEW_CONSUMER_GROUP" envDefault:"review-service"`
	IdempotencyTTL     time.Duration `env:"EVENT_IDEMPOTENCY_TTL" envDefault:"24h"`

	// Reconciliation
	ReconcileSchedule  string `env:"RECONCILE_SCHEDULE" envDefault:"@every 1h"`
	ReconcileBatchSize int    `env:"RECONCILE_BATCH_SIZE" envDefault:"500"`

	// OpenTelemetry
	Tracing tracing.Config

	// Pprof debug endpoints (IP allowlist in CIDR notation)
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load review config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom reads configuration from the given variables.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.LoadFrom(cfg, environ); err != nil {
		return nil, fmt.Errorf("load review config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Tracing.ServiceName = ServiceName

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.AggregateMaxRetries < 1 {
		return fmt.Errorf("AGGREGATE_MAX_RETRIES must be at least 1, got %d", c.AggregateMaxRetries)
	}
	if c.AggregateRetryBaseMs < 0 || c.AggregateLockTimeoutMs < 0 {
		return fmt.Errorf("aggregate timeouts must not be negative")
	}
	if err := c.Baselines().Validate(); err != nil {
		return err
	}
	if len(c.ModeratorRoles) == 0 {
		return fmt.Errorf("MODERATOR_ROLES must name at least one role")
	}
	if c.WriteRatePerMinute < 0 || c.WriteBurst < 0 {
		return fmt.Errorf("write rate limit must not be negative")
	}
	if c.ReconcileBatchSize < 1 {
		return fmt.Errorf("RECONCILE_BATCH_SIZE must be positive, got %d", c.ReconcileBatchSize)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.Tracing.SampleRate)
	}
	return nil
}

// Baselines returns the empty-subject average per subject type.
func (c *Config) Baselines() domain.Baselines {
	return domain.Baselines{
		domain.SubjectShop:    c.BaselineShop,
		domain.SubjectProduct: c.BaselineProduct,
		domain.SubjectService: c.BaselineService,
		domain.SubjectHostel:  c.BaselineHostel,
	}
}

// PostgresConfig returns the pool settings, including the lock timeout that
// bounds waits on a subject's aggregate row.
func (c *Config) PostgresConfig() database.PostgresConfig {
	pg := database.DefaultPostgresConfig()
	pg.Host = c.PostgresHost
	pg.Port = c.PostgresPort
	pg.User = c.PostgresUser
	pg.Password = c.PostgresPass
	pg.DBName = c.PostgresDB
	pg.SSLMode = c.PostgresSSL
	pg.MaxConns = c.DBMaxConns
	pg.MinConns = c.DBMinConns
	pg.MaxConnLifetime = time.Duration(c.DBMaxConnLifetimeMins) * time.Minute
	pg.MaxConnIdleTime = time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute
	pg.LockTimeout = time.Duration(c.AggregateLockTimeoutMs) * time.Millisecond
	return pg
}

// RedisConfig returns the cache client settings.
func (c *Config) RedisConfig() database.RedisConfig {
	rc := database.DefaultRedisConfig()
	rc.Addr = c.RedisAddr
	rc.Password = c.RedisPassword
	rc.DB = c.RedisDB
	return rc
}

// RetryPolicy returns the retry bounds for aggregate-writing transactions.
func (c *Config) RetryPolicy() database.RetryPolicy {
	return database.RetryPolicy{
		MaxAttempts: c.AggregateMaxRetries,
		BaseDelay:   time.Duration(c.AggregateRetryBaseMs) * time.Millisecond,
	}
}

// SlowQueryThreshold returns the slow query logging threshold.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryThresholdMs) * time.Millisecond
}

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}
