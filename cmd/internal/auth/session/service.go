package session

import (
	"context"
	"strings"
	"time"

	"aegis/cmd/identity"
)

// Service implements the high-level session operations for Aegis.
//
// It logs users in (argon2id verify + issue a versioned credential pair),
// refreshes credential pairs, validates access credentials against the
// current token version, and invalidates every outstanding credential for a
// user by bumping that version.
type Service struct {
	cfg      Config
	tokens   CredentialManager
	versions *Versions
	users    identity.Store
}

// Issued is the result of logging in or refreshing.
// It includes a short-lived access credential and a longer-lived refresh credential.
type Issued struct {
	UserID       string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// NewService constructs a Service with the provided configuration,
// credential manager, version authority, and identity store.
func NewService(cfg Config, tokens CredentialManager, versions *Versions, users identity.Store) *Service {
	return &Service{cfg: cfg, tokens: tokens, versions: versions, users: users}
}

// Login verifies an email/password pair and issues a credential pair at the
// user's current token version.
//
// Unknown email and wrong password collapse to ErrCredentialInvalid.
func (s *Service) Login(ctx context.Context, now time.Time, email, password string) (Issued, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Issued{}, ErrCredentialInvalid
	}

	u, err := s.users.ByEmail(ctx, email)
	if err != nil {
		if identity.IsNotFound(err) {
			return Issued{}, ErrCredentialInvalid
		}
		return Issued{}, err
	}

	if err := s.users.VerifyPassword(ctx, u.ID, password); err != nil {
		if identity.IsBadCredential(err) {
			return Issued{}, ErrCredentialInvalid
		}
		return Issued{}, err
	}

	return s.issuePair(ctx, now, u.ID)
}

// Refresh validates a refresh credential and issues a fresh pair at the
// user's current token version. A version bump between issue and refresh
// kills the refresh credential like any other.
func (s *Service) Refresh(ctx context.Context, now time.Time, refreshToken string) (Issued, error) {
	claims, err := s.Validate(ctx, refreshToken, KindRefresh, now)
	if err != nil {
		return Issued{}, err
	}
	return s.issuePair(ctx, now, claims.UserID)
}

// Validate verifies a signed credential of the given kind and compares its
// embedded version to the user's current one.
//
// ANY failure collapses to ErrCredentialInvalid: signature, expiry, wrong
// kind, version mismatch, or unknown user. Store I/O errors pass through so
// callers can distinguish outage from rejection.
func (s *Service) Validate(ctx context.Context, token string, kind CredentialKind, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	// Basic sanity bounds to avoid pathological inputs.
	if token == "" || len(token) > 4096 {
		return Claims{}, ErrCredentialInvalid
	}

	claims, err := s.tokens.Verify(token, kind, now)
	if err != nil {
		return Claims{}, ErrCredentialInvalid
	}

	current, err := s.versions.Current(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Claims{}, ErrCredentialInvalid
		}
		return Claims{}, err
	}
	if claims.Version != current {
		return Claims{}, ErrCredentialInvalid
	}

	return claims, nil
}

// InvalidateAll bumps the user's token version, invalidating every
// outstanding access and refresh credential at once. Called on password
// change, email change, and 2FA re-binding.
func (s *Service) InvalidateAll(ctx context.Context, userID string) (int64, error) {
	return s.versions.Bump(ctx, userID)
}

// PublicKeyHex exposes the verification key for external validators.
func (s *Service) PublicKeyHex() string {
	return s.tokens.PublicKeyHex()
}

func (s *Service) issuePair(ctx context.Context, now time.Time, userID string) (Issued, error) {
	ver, err := s.versions.Current(ctx, userID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Issued{}, ErrCredentialInvalid
		}
		return Issued{}, err
	}

	access, accessExp, err := s.tokens.Issue(userID, ver, KindAccess, now)
	if err != nil {
		return Issued{}, err
	}
	refresh, refreshExp, err := s.tokens.Issue(userID, ver, KindRefresh, now)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		UserID:       userID,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refresh,
		RefreshExp:   refreshExp,
	}, nil
}
