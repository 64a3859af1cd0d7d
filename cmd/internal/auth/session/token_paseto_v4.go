package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// CredentialKind distinguishes access from refresh credentials via the
// "typ" claim. A refresh credential can never pass access validation and
// vice versa.
type CredentialKind string

const (
	KindAccess  CredentialKind = "access"
	KindRefresh CredentialKind = "refresh"
)

// Claims is the minimal identity envelope propagated across HTTP/WS.
type Claims struct {
	UserID    string
	Version   int64
	Kind      CredentialKind
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// CredentialManager issues and verifies signed, versioned credentials.
type CredentialManager interface {
	Issue(userID string, version int64, kind CredentialKind, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, kind CredentialKind, now time.Time) (Claims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clockSkew  time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds a CredentialManager based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer and expiration rules.
// Clock skew is applied during verification via ValidAt to tolerate minor clock differences.
func NewPasetoV4PublicManager(cfg Config) (CredentialManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}

	public := secret.Public()

	return &pasetoV4PublicManager{
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		clockSkew:  cfg.ClockSkew,
		secret:     secret,
		public:     public,
	}, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(userID string, version int64, kind CredentialKind, now time.Time) (string, time.Time, error) {
	ttl := m.accessTTL
	if kind == KindRefresh {
		ttl = m.refreshTTL
	}
	exp := now.Add(ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now) // Credentials valid immediately.
	tok.SetExpiration(exp)

	// Minimal, explicit claims.
	_ = tok.Set("uid", userID)
	_ = tok.Set("ver", version)
	_ = tok.Set("typ", string(kind))

	signed := tok.V4Sign(m.secret, nil)
	return signed, exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, kind CredentialKind, now time.Time) (Claims, error) {
	// Clock-skew tolerance:
	// Validate slightly in the future to avoid failing "nbf" when clocks differ.
	// This also makes expiration checks slightly stricter, which is typically desirable.
	validNow := now.Add(m.clockSkew)

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrCredentialInvalid
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrCredentialInvalid
	}

	var ver int64
	if err := parsed.Get("ver", &ver); err != nil || ver < 1 {
		return Claims{}, ErrCredentialInvalid
	}

	typ, err := parsed.GetString("typ")
	if err != nil || typ != string(kind) {
		return Claims{}, ErrCredentialInvalid
	}

	return Claims{
		UserID:    uid,
		Version:   ver,
		Kind:      kind,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
