package stepup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/kv"
)

// Binder manages one-shot channel bind tokens.
//
// A bind is a symmetric pair: token -> userID and userID -> token, written
// and deleted together so neither direction can outlive the other. Issuing
// replaces any live pair for the user; consuming resolves and deletes the
// pair, then attaches the channel identity to the user record.
type Binder struct {
	cfg   Config
	store kv.Store
	ids   identity.Store
}

// NewBinder constructs a Binder.
func NewBinder(cfg Config, store kv.Store, ids identity.Store) *Binder {
	return &Binder{cfg: cfg, store: store, ids: ids}
}

// TTL reports the lifetime of an issued bind token.
func (b *Binder) TTL() time.Duration {
	return b.cfg.BindTTL
}

// IssueBind mints a bind token for an authenticated user. Any previous live
// pair is removed first, so at most one bind token exists per user.
func (b *Binder) IssueBind(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrBindInvalid
	}

	// Drop the previous pair, both directions.
	if old, err := b.store.Get(ctx, bindUserKey(userID)); err == nil {
		if err := b.store.DeletePair(ctx, bindTokenKey(old), bindUserKey(userID)); err != nil {
			return "", fmt.Errorf("stepup: drop stale bind: %w", err)
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("stepup: read bind: %w", err)
	}

	token, err := identity.NewOpaqueToken(32)
	if err != nil {
		return "", fmt.Errorf("stepup: mint bind token: %w", err)
	}

	if err := b.store.SetPair(ctx,
		bindTokenKey(token), userID,
		bindUserKey(userID), token,
		b.cfg.BindTTL,
	); err != nil {
		return "", fmt.Errorf("stepup: store bind: %w", err)
	}

	return token, nil
}

// ConsumeBind resolves a bind token presented from the channel side, deletes
// the pair, and attaches the channel destination to the user record
// (enabling 2FA). Unknown or expired tokens -> ErrBindInvalid.
func (b *Binder) ConsumeBind(ctx context.Context, token string, destination string) (string, error) {
	token = strings.TrimSpace(token)
	destination = strings.TrimSpace(destination)
	if token == "" || destination == "" {
		return "", ErrBindInvalid
	}

	userID, err := b.store.Get(ctx, bindTokenKey(token))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", ErrBindInvalid
		}
		return "", fmt.Errorf("stepup: read bind: %w", err)
	}

	if err := b.store.DeletePair(ctx, bindTokenKey(token), bindUserKey(userID)); err != nil {
		return "", fmt.Errorf("stepup: consume bind: %w", err)
	}

	if err := b.ids.AttachChatDestination(ctx, userID, destination, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("stepup: attach destination: %w", err)
	}

	bindsConsumed.Inc()
	return userID, nil
}
