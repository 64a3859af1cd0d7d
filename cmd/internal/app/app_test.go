package app

import (
	"testing"
	"time"

	"aidanwoods.dev/go-paseto"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"AEGIS_HTTP_ADDR", "AEGIS_LOG_LEVEL", "AEGIS_LOG_FORMAT",
		"AEGIS_DATABASE_URL", "AEGIS_REDIS_URL",
		"AEGIS_REQUIRE_TOKEN_HMAC", "AEGIS_DEV_INSECURE",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log defaults: level=%q format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("ReadHeaderTimeout=%v", cfg.ReadHeaderTimeout)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Fatalf("expected in-memory defaults")
	}
	if cfg.RequireTokenHMAC || cfg.DevInsecure {
		t.Fatalf("policy flags should default off")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("AEGIS_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("AEGIS_LOG_FORMAT", "pretty")
	t.Setenv("AEGIS_DB_MAX_CONNS", "25")
	t.Setenv("AEGIS_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogFormat != "pretty" {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
	if cfg.DBMaxConns != 25 {
		t.Fatalf("DBMaxConns=%d", cfg.DBMaxConns)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
}

func TestNew_InMemoryModeWiresEverything(t *testing.T) {
	key := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("AEGIS_PASETO_V4_SECRET_KEY_HEX", key.ExportHex())

	cfg := LoadConfig()
	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.close()

	if a.auth == nil || a.ws == nil || a.hub == nil || a.store == nil {
		t.Fatalf("incomplete wiring: %+v", a)
	}
	if a.dbEnabled || a.dbPool != nil {
		t.Fatalf("expected db disabled in memory mode")
	}
}

func TestNew_DevInsecureGeneratesEphemeralKey(t *testing.T) {
	t.Setenv("AEGIS_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("AEGIS_DEV_INSECURE", "true")

	cfg := LoadConfig()
	a, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.close()
}

func TestNew_MissingSigningKeyFailsClosed(t *testing.T) {
	t.Setenv("AEGIS_PASETO_V4_SECRET_KEY_HEX", "")
	t.Setenv("AEGIS_DEV_INSECURE", "false")

	if _, err := New(LoadConfig(), discardLogger()); err == nil {
		t.Fatalf("expected error without signing key")
	}
}

func TestNonZeroHelpers(t *testing.T) {
	t.Parallel()

	if got := nonZeroDuration(0, time.Minute); got != time.Minute {
		t.Fatalf("nonZeroDuration zero: %v", got)
	}
	if got := nonZeroDuration(time.Second, time.Minute); got != time.Second {
		t.Fatalf("nonZeroDuration set: %v", got)
	}
	if got := nonZeroInt(0, 7); got != 7 {
		t.Fatalf("nonZeroInt zero: %d", got)
	}
	if got := nonZeroInt(3, 7); got != 3 {
		t.Fatalf("nonZeroInt set: %d", got)
	}
}
