package stepup

import (
	"os"
	"time"
)

// Config defines all runtime configuration for the step-up subsystem.
type Config struct {
	// TokenTTLs holds the per-action lifetime of single-use action tokens.
	TokenTTLs map[Action]time.Duration

	// ChallengeTTL bounds how long a 2FA challenge stays PENDING (and how
	// long its callback ids stay live).
	ChallengeTTL time.Duration

	// GraceTTL is the confirmation grace window: after a CONFIRMED outcome,
	// further challenges for the same action are waved through until it
	// lapses. Must exceed ChallengeTTL.
	GraceTTL time.Duration

	// BindTTL bounds the one-shot channel bind token pair.
	BindTTL time.Duration
}

// DefaultConfig returns production-sane defaults.
func DefaultConfig() Config {
	return Config{
		TokenTTLs: map[Action]time.Duration{
			ActionConfirmEmail:  300 * time.Second,
			ActionResetPassword: 180 * time.Second,
			ActionChangeEmail:   300 * time.Second,
		},
		ChallengeTTL: 2 * time.Minute,
		GraceTTL:     10 * time.Minute,
		BindTTL:      10 * time.Minute,
	}
}

// LoadConfigFromEnv loads step-up configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - AEGIS_STEPUP_TOKEN_TTL_CONFIRM_EMAIL
//   - AEGIS_STEPUP_TOKEN_TTL_RESET_PASSWORD
//   - AEGIS_STEPUP_TOKEN_TTL_CHANGE_EMAIL
//   - AEGIS_STEPUP_CHALLENGE_TTL
//   - AEGIS_STEPUP_GRACE_TTL
//   - AEGIS_STEPUP_BIND_TTL
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	tokenVars := map[Action]string{
		ActionConfirmEmail:  "AEGIS_STEPUP_TOKEN_TTL_CONFIRM_EMAIL",
		ActionResetPassword: "AEGIS_STEPUP_TOKEN_TTL_RESET_PASSWORD",
		ActionChangeEmail:   "AEGIS_STEPUP_TOKEN_TTL_CHANGE_EMAIL",
	}
	for action, name := range tokenVars {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return Config{}, ErrConfig
			}
			cfg.TokenTTLs[action] = d
		}
	}

	if v := os.Getenv("AEGIS_STEPUP_CHALLENGE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.ChallengeTTL = d
	}

	if v := os.Getenv("AEGIS_STEPUP_GRACE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.GraceTTL = d
	}

	if v := os.Getenv("AEGIS_STEPUP_BIND_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.BindTTL = d
	}

	// Invariant: a grace window shorter than the challenge it follows would
	// re-prompt users mid-flow.
	if cfg.GraceTTL <= cfg.ChallengeTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}

// tokenTTL returns the configured TTL for action, or 0 for unknown actions.
func (c Config) tokenTTL(action Action) time.Duration {
	return c.TokenTTLs[action]
}
