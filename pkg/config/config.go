package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Orders       OrdersConfig
	Gateway      GatewayConfig
	Cron         CronConfig
	Webhook      WebhookConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Stripe       StripeConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = "sqlite"
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Orders.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PEERMARKET_APP_ENV" required:"true"`
	Port         string `envconfig:"PEERMARKET_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PEERMARKET_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PEERMARKET_LOG_WARN_STACK" default:"false"`

	CORSAllowedOrigins []string `envconfig:"PEERMARKET_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PEERMARKET_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"PEERMARKET_DB_DSN"`
	Driver string `envconfig:"PEERMARKET_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PEERMARKET_DB_HOST"`
	LegacyPort     int    `envconfig:"PEERMARKET_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PEERMARKET_DB_USER"`
	LegacyPassword string `envconfig:"PEERMARKET_DB_PASSWORD"`
	LegacyName     string `envconfig:"PEERMARKET_DB_NAME"`
	LegacySSLMode  string `envconfig:"PEERMARKET_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PEERMARKET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PEERMARKET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PEERMARKET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PEERMARKET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	QueryTimeout    time.Duration `envconfig:"PEERMARKET_DB_QUERY_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PEERMARKET_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PEERMARKET_REDIS_ADDR"`
	Password     string        `envconfig:"PEERMARKET_REDIS_PASSWORD"`
	DB           int           `envconfig:"PEERMARKET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PEERMARKET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PEERMARKET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PEERMARKET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PEERMARKET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PEERMARKET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig verifies access tokens minted by the identity service.
type JWTConfig struct {
	Secret            string `envconfig:"PEERMARKET_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PEERMARKET_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"PEERMARKET_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"PEERMARKET_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"PEERMARKET_AUTO_MIGRATE" default:"false"`
}

type OrdersConfig struct {
	PlatformFeeBps               int    `envconfig:"PEERMARKET_ORDERS_PLATFORM_FEE_BPS" default:"1000"`
	DefaultCurrency              string `envconfig:"PEERMARKET_ORDERS_DEFAULT_CURRENCY" default:"usd"`
	StalePaymentThresholdMinutes int    `envconfig:"PEERMARKET_ORDERS_STALE_PAYMENT_THRESHOLD_MINUTES" default:"180"`
	StalePaymentBatchSize        int    `envconfig:"PEERMARKET_ORDERS_STALE_PAYMENT_BATCH_SIZE" default:"200"`
	CancelledRetentionDays       int    `envconfig:"PEERMARKET_ORDERS_CANCELLED_RETENTION_DAYS" default:"30"`
}

// StalePaymentThreshold is how long an approved order may sit with a failed payment.
func (o OrdersConfig) StalePaymentThreshold() time.Duration {
	return time.Duration(o.StalePaymentThresholdMinutes) * time.Minute
}

func (o OrdersConfig) CancelledRetention() time.Duration {
	return time.Duration(o.CancelledRetentionDays) * 24 * time.Hour
}

func (o OrdersConfig) validate() error {
	if o.PlatformFeeBps < 0 || o.PlatformFeeBps > 10000 {
		return fmt.Errorf("%s must be between 0 and 10000", EnvPlatformFeeBps)
	}
	if o.StalePaymentThresholdMinutes <= 0 {
		return fmt.Errorf("%s must be positive", EnvStalePaymentThreshold)
	}
	return nil
}

type GatewayConfig struct {
	Timeout time.Duration `envconfig:"PEERMARKET_GATEWAY_TIMEOUT" default:"10s"`
}

type CronConfig struct {
	Interval          time.Duration `envconfig:"PEERMARKET_CRON_INTERVAL" default:"1h"`
	PayoutBatchSize   int           `envconfig:"PEERMARKET_CRON_PAYOUT_BATCH_SIZE" default:"100"`
	LockTTLMultiplier int           `envconfig:"PEERMARKET_CRON_LOCK_TTL_MULTIPLIER" default:"2"`
}

type WebhookConfig struct {
	IdempotencyTTL time.Duration `envconfig:"PEERMARKET_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"PEERMARKET_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PEERMARKET_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PEERMARKET_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic string `envconfig:"PEERMARKET_PUBSUB_ORDERS_TOPIC" default:"peermarket-order-events"`
}

type OutboxConfig struct {
	BatchSize      int    `envconfig:"PEERMARKET_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"PEERMARKET_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"PEERMARKET_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int    `envconfig:"PEERMARKET_OUTBOX_RETENTION_DAYS" default:"14"`
	// MetricsAddr is where the publisher serves /metrics; empty disables it.
	MetricsAddr    string `envconfig:"PEERMARKET_OUTBOX_METRICS_ADDR" default:":9091"`
}

// StripeConfig holds the gateway credentials; they are read once at startup.
type StripeConfig struct {
	APIKey string `envconfig:"PEERMARKET_STRIPE_API_KEY"`
	Secret string `envconfig:"PEERMARKET_STRIPE_SECRET"`
	Env    string `envconfig:"PEERMARKET_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	var missing []string
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}
	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
