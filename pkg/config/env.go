package config

// EnvPrefix is handed to envconfig; every variable below carries it already.
const EnvPrefix = "PEERMARKET"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv = "PEERMARKET_APP_ENV"
	EnvPort   = "PEERMARKET_APP_PORT"

	EnvDBDSN  = "PEERMARKET_DB_DSN"
	EnvDBHost = "PEERMARKET_DB_HOST"
	EnvDBUser = "PEERMARKET_DB_USER"
	EnvDBName = "PEERMARKET_DB_NAME"

	EnvRedisURL = "PEERMARKET_REDIS_URL"

	EnvJWTSecret  = "PEERMARKET_JWT_SECRET"
	EnvJWTIssuer  = "PEERMARKET_JWT_ISSUER"
	EnvJWTExpMins = "PEERMARKET_JWT_EXPIRATION_MINUTES"

	EnvPlatformFeeBps        = "PEERMARKET_ORDERS_PLATFORM_FEE_BPS"
	EnvStalePaymentThreshold = "PEERMARKET_ORDERS_STALE_PAYMENT_THRESHOLD_MINUTES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
