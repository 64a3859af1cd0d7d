package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for unit tests and dev mode.
// It mirrors the Postgres semantics closely enough for the session, step-up,
// and realtime layers to be tested without a database.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*memUser // by id
}

type memUser struct {
	user         User
	passwordHash string
	tokenVersion int64
	totpSecret   string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memUser)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	email := strings.TrimSpace(in.Email)
	if email == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email is required"}
	}
	if strings.TrimSpace(in.Password) == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "password is required"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	hash, err := HashPassword(in.Password, DefaultArgon2idParams())
	if err != nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	norm := NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.user.EmailNorm == norm {
			return User{}, ConflictError{Op: op, Field: "email"}
		}
	}

	u := &memUser{
		user: User{
			ID:        id,
			Email:     email,
			EmailNorm: norm,
			CreatedAt: now,
		},
		passwordHash: hash,
		tokenVersion: 1,
	}
	s.users[id] = u
	return u.user, nil
}

func (s *MemoryStore) ByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.ByEmail"

	norm := NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.user.EmailNorm == norm {
			return u.user, nil
		}
	}
	return User{}, NotFoundError{Op: op, Resource: "user"}
}

func (s *MemoryStore) ByID(ctx context.Context, id string) (User, error) {
	const op = "identity.ByID"

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return u.user, nil
}

func (s *MemoryStore) VerifyPassword(ctx context.Context, userID string, password string) error {
	s.mu.Lock()
	u, ok := s.users[userID]
	var hash string
	if ok {
		hash = u.passwordHash
	}
	s.mu.Unlock()

	if !ok {
		return badCredential()
	}
	match, err := VerifyPasswordHash(password, hash)
	if err != nil || !match {
		return badCredential()
	}
	return nil
}

func (s *MemoryStore) TokenVersion(ctx context.Context, userID string) (int64, error) {
	const op = "identity.TokenVersion"

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, NotFoundError{Op: op, Resource: "user"}
	}
	return u.tokenVersion, nil
}

func (s *MemoryStore) BumpTokenVersion(ctx context.Context, userID string) (int64, error) {
	const op = "identity.BumpTokenVersion"

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, NotFoundError{Op: op, Resource: "user"}
	}
	u.tokenVersion++
	return u.tokenVersion, nil
}

func (s *MemoryStore) TwoFactorEnabled(ctx context.Context, userID string) (bool, error) {
	const op = "identity.TwoFactorEnabled"

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, NotFoundError{Op: op, Resource: "user"}
	}
	return u.user.TwoFactorEnabled, nil
}

func (s *MemoryStore) TOTPSecret(ctx context.Context, userID string) (string, error) {
	const op = "identity.TOTPSecret"

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return "", NotFoundError{Op: op, Resource: "user"}
	}
	return u.totpSecret, nil
}

// SetTOTPSecret enrolls a TOTP fallback factor. Test/dev hook; the Postgres
// path provisions secrets through operator tooling.
func (s *MemoryStore) SetTOTPSecret(userID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.totpSecret = secret
	}
}

// SetTwoFactorEnabled toggles 2FA enrollment directly. Test/dev hook.
func (s *MemoryStore) SetTwoFactorEnabled(userID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.user.TwoFactorEnabled = enabled
	}
}

func (s *MemoryStore) ChatDestination(ctx context.Context, userID string) (string, error) {
	const op = "identity.ChatDestination"

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return "", NotFoundError{Op: op, Resource: "user"}
	}
	if u.user.ChatDestination == nil {
		return "", nil
	}
	return *u.user.ChatDestination, nil
}

func (s *MemoryStore) AttachChatDestination(ctx context.Context, userID string, destination string, now time.Time) error {
	const op = "identity.AttachChatDestination"

	destination = strings.TrimSpace(destination)
	if destination == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing destination"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	d := destination
	u.user.ChatDestination = &d
	u.user.TwoFactorEnabled = true
	return nil
}

func (s *MemoryStore) SetEmail(ctx context.Context, userID string, email string, now time.Time) error {
	const op = "identity.SetEmail"

	email = strings.TrimSpace(email)
	if email == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing email"}
	}
	norm := NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, other := range s.users {
		if id != userID && other.user.EmailNorm == norm {
			return ConflictError{Op: op, Field: "email"}
		}
	}

	u, ok := s.users[userID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	u.user.Email = email
	u.user.EmailNorm = norm
	u.user.EmailConfirmedAt = nil
	return nil
}

func (s *MemoryStore) SetPassword(ctx context.Context, userID string, password string, now time.Time) error {
	const op = "identity.SetPassword"

	hash, err := HashPassword(password, DefaultArgon2idParams())
	if err != nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	u.passwordHash = hash
	return nil
}

func (s *MemoryStore) MarkEmailConfirmed(ctx context.Context, userID string, now time.Time) error {
	const op = "identity.MarkEmailConfirmed"

	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	if u.user.EmailConfirmedAt == nil {
		t := now
		u.user.EmailConfirmedAt = &t
	}
	return nil
}
