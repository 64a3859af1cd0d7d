package session

import (
	"os"
	"time"
)

// Config defines all runtime configuration for the session subsystem.
//
// It controls access/refresh credential TTLs, clock skew tolerance, the
// version-cache TTL, and PASETO v4 signing keys.
//
// This struct is intentionally explicit and environment-driven so that
// production deployments can tune security parameters without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim of signed credentials.
	Issuer string

	// AccessTokenTTL defines the lifetime of access credentials.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL defines the lifetime of refresh credentials.
	// Must exceed AccessTokenTTL.
	RefreshTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during credential validation.
	ClockSkew time.Duration

	// VersionCacheTTL bounds how long a token version may be served from the
	// ephemeral store before re-reading the durable copy.
	VersionCacheTTL time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public credentials.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns a secure default configuration suitable for development.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		Issuer:          "aegis",
		AccessTokenTTL:  3 * time.Hour,
		RefreshTokenTTL: 3 * 24 * time.Hour,
		ClockSkew:       30 * time.Second,
		VersionCacheTTL: 15 * time.Minute,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - AEGIS_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - AEGIS_AUTH_ISSUER
//   - AEGIS_AUTH_ACCESS_TTL
//   - AEGIS_AUTH_REFRESH_TTL
//   - AEGIS_AUTH_CLOCK_SKEW
//   - AEGIS_AUTH_VERSION_CACHE_TTL
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("AEGIS_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("AEGIS_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("AEGIS_AUTH_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenTTL = d
	}

	if v := os.Getenv("AEGIS_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("AEGIS_AUTH_VERSION_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.VersionCacheTTL = d
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("AEGIS_PASETO_V4_SECRET_KEY_HEX")
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	// Invariant: refresh credentials must outlive access credentials.
	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
