package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// DatabaseURL enables the Postgres-backed identity store and audit log.
	// Empty means in-memory mode: users and sessions live for the process.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisURL enables the Redis-backed ephemeral store (session versions,
	// challenges, action tokens, rate-limit windows, connection sets).
	// Empty means an in-process store, which is single-node only.
	RedisURL string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, AEGIS_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and opaque-token
	// hashing must be HMAC-based.
	RequireTokenHMAC bool

	// DevInsecure permits starting without a configured PASETO signing key by
	// generating an ephemeral one. Credentials die with the process.
	DevInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("AEGIS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("AEGIS_LOG_LEVEL", "info"),
		LogFormat: EnvString("AEGIS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("AEGIS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("AEGIS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("AEGIS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("AEGIS_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("AEGIS_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("AEGIS_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("AEGIS_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("AEGIS_DB_MIN_CONNS", 0),

		RedisURL: EnvString("AEGIS_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("AEGIS_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("AEGIS_REQUIRE_TOKEN_HMAC", false),

		DevInsecure: EnvBool("AEGIS_DEV_INSECURE", false),

		CORSAllowedOrigins:   EnvStringSlice("AEGIS_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("AEGIS_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("AEGIS_CORS_MAX_AGE_SECONDS", 600),
	}
}
