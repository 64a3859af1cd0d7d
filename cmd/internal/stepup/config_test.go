package stepup

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.ChallengeTTL != 2*time.Minute || cfg.GraceTTL != 10*time.Minute {
		t.Fatalf("ttls: %+v", cfg)
	}
	if cfg.TokenTTLs[ActionResetPassword] != 180*time.Second {
		t.Fatalf("reset-password ttl: %v", cfg.TokenTTLs[ActionResetPassword])
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("AEGIS_STEPUP_TOKEN_TTL_RESET_PASSWORD", "90s")
	t.Setenv("AEGIS_STEPUP_CHALLENGE_TTL", "1m")
	t.Setenv("AEGIS_STEPUP_GRACE_TTL", "20m")
	t.Setenv("AEGIS_STEPUP_BIND_TTL", "5m")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if cfg.TokenTTLs[ActionResetPassword] != 90*time.Second {
		t.Fatalf("token ttl: %v", cfg.TokenTTLs[ActionResetPassword])
	}
	if cfg.ChallengeTTL != time.Minute || cfg.GraceTTL != 20*time.Minute || cfg.BindTTL != 5*time.Minute {
		t.Fatalf("cfg: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	t.Setenv("AEGIS_STEPUP_CHALLENGE_TTL", "not-a-duration")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("bad duration: want ErrConfig, got %v", err)
	}
}

func TestLoadConfigFromEnv_GraceMustExceedChallenge(t *testing.T) {
	t.Setenv("AEGIS_STEPUP_CHALLENGE_TTL", "10m")
	t.Setenv("AEGIS_STEPUP_GRACE_TTL", "5m")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("grace <= challenge: want ErrConfig, got %v", err)
	}
}
