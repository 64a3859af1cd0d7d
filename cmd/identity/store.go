package identity

import (
	"context"
	"time"
)

// User is Aegis's canonical security principal.
type User struct {
	ID        string
	Email     string
	EmailNorm string

	// EmailConfirmedAt is nil until the confirm-email step-up completes.
	EmailConfirmedAt *time.Time

	// TwoFactorEnabled marks the user as enrolled in chat-channel 2FA.
	TwoFactorEnabled bool

	// ChatDestination is the bound external-channel identity (nil when unbound).
	ChatDestination *string

	CreatedAt time.Time
}

// CreateUserInput describes a user registration request.
type CreateUserInput struct {
	Email    string
	Password string
	Now      time.Time
}

// Store is the identity persistence boundary.
//
// Security contracts:
//   - VerifyPassword returns ErrBadCredential for unknown user, missing
//     credentials, or password mismatch; callers cannot distinguish the three.
//   - TokenVersion is the durable per-user credential generation: any signed
//     credential carrying an older version is dead. BumpTokenVersion must be
//     atomic and strictly increasing.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)

	ByEmail(ctx context.Context, email string) (User, error)
	ByID(ctx context.Context, id string) (User, error)

	VerifyPassword(ctx context.Context, userID string, password string) error

	TokenVersion(ctx context.Context, userID string) (int64, error)
	BumpTokenVersion(ctx context.Context, userID string) (int64, error)

	TwoFactorEnabled(ctx context.Context, userID string) (bool, error)
	TOTPSecret(ctx context.Context, userID string) (string, error)

	ChatDestination(ctx context.Context, userID string) (string, error)
	AttachChatDestination(ctx context.Context, userID string, destination string, now time.Time) error

	SetEmail(ctx context.Context, userID string, email string, now time.Time) error
	SetPassword(ctx context.Context, userID string, password string, now time.Time) error
	MarkEmailConfirmed(ctx context.Context, userID string, now time.Time) error
}
