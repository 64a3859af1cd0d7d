package stepup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/kv"
	"aegis/cmd/security/token"
)

// Issuer mints and verifies single-use action tokens.
//
// Only the keyed hash of a token is stored (HMAC-SHA256 when
// AEGIS_TOKEN_HMAC_KEY is set); the plain token travels to the user through
// an out-of-band channel and comes back exactly once.
type Issuer struct {
	cfg   Config
	store kv.Store
}

// NewIssuer constructs an Issuer.
func NewIssuer(cfg Config, store kv.Store) *Issuer {
	return &Issuer{cfg: cfg, store: store}
}

// TTL reports the configured lifetime for an action's tokens (zero for
// unknown actions).
func (i *Issuer) TTL(action Action) time.Duration {
	return i.cfg.tokenTTL(action)
}

// Issue mints a fresh token for (action, user) and stores its hash under the
// action's TTL. Re-issuing overwrites any live token: last-issued wins, and
// the superseded token dies immediately.
func (i *Issuer) Issue(ctx context.Context, action Action, userID string) (string, error) {
	ttl := i.cfg.tokenTTL(action)
	if ttl <= 0 {
		return "", ErrUnknownAction
	}

	plain, err := identity.NewOpaqueToken(32)
	if err != nil {
		return "", fmt.Errorf("stepup: mint token: %w", err)
	}

	hash := token.HashOpaqueTokenHex(plain)
	if err := i.store.Set(ctx, tokenKey(action, userID), hash, ttl); err != nil {
		return "", fmt.Errorf("stepup: store token: %w", err)
	}

	tokensIssued.WithLabelValues(string(action)).Inc()
	return plain, nil
}

// Verify checks a presented token and consumes it on success.
//
//   - No live token -> ErrTokenExpired (expired and never-issued are
//     indistinguishable).
//   - Live token, mismatch -> ErrTokenInvalid; the stored token survives, so
//     a wrong guess does not burn the real one.
//   - Match -> the key is deleted before returning; a second presentation of
//     the same token fails with ErrTokenExpired.
func (i *Issuer) Verify(ctx context.Context, action Action, userID string, presented string) error {
	if i.cfg.tokenTTL(action) <= 0 {
		return ErrUnknownAction
	}
	key := tokenKey(action, userID)

	stored, err := i.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			tokensVerified.WithLabelValues(string(action), "expired").Inc()
			return ErrTokenExpired
		}
		return fmt.Errorf("stepup: read token: %w", err)
	}

	// Compare hashes in constant time; hashing first fixes the length.
	if !token.ConstantTimeEqual(stored, token.HashOpaqueTokenHex(presented)) {
		tokensVerified.WithLabelValues(string(action), "invalid").Inc()
		return ErrTokenInvalid
	}

	if err := i.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("stepup: consume token: %w", err)
	}
	tokensVerified.WithLabelValues(string(action), "ok").Inc()
	return nil
}
