package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements identity persistence over PostgreSQL.
//
// English design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - BumpTokenVersion is a single UPDATE ... RETURNING; Postgres row locking serializes it.
// - Errors are mapped to identity sentinel kinds where appropriate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "aegis").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "aegis",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateUser creates a new user, its credentials, and its security row transactionally.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	email := strings.TrimSpace(in.Email)
	if email == "" {
		return User{}, pgInvalid(op, "email is required")
	}
	if strings.TrimSpace(in.Password) == "" {
		return User{}, pgInvalid(op, "password is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	emailNorm := NormalizeEmail(email)

	pwHash, err := HashPassword(in.Password, DefaultArgon2idParams())
	if err != nil {
		return User{}, pgInvalid(op, err.Error())
	}

	userID, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	users := pgIdent(s.schema, "users")
	creds := pgIdent(s.schema, "user_credentials")
	security := pgIdent(s.schema, "user_security")

	_, err = tx.Exec(ctx,
		`INSERT INTO `+users+` (
		     id, email, email_norm, created_at
		   ) VALUES ($1, $2, $3, $4)`,
		userID, email, emailNorm, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+creds+` (user_id, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)`,
		userID, pwHash, now,
	)
	if err != nil {
		// If FK fails here, it indicates programming/schema inconsistency.
		return User{}, err
	}

	// Token version starts at 1 so that "version 0" never matches a live credential.
	_, err = tx.Exec(ctx,
		`INSERT INTO `+security+` (user_id, token_version, twofa_enabled, updated_at)
		 VALUES ($1, 1, FALSE, $2)`,
		userID, now,
	)
	if err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	return User{
		ID:        userID,
		Email:     email,
		EmailNorm: emailNorm,
		CreatedAt: now,
	}, nil
}

const userSelectColumns = `u.id, u.email, u.email_norm, u.email_confirmed_at, u.created_at,
	        COALESCE(sec.twofa_enabled, FALSE), sec.chat_destination`

// ByEmail finds a user by normalized email. Returns ErrNotFound when absent.
func (s *PostgresStore) ByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.ByEmail"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	norm := NormalizeEmail(email)
	if norm == "" {
		return User{}, pgInvalid(op, "missing email")
	}

	users := pgIdent(s.schema, "users")
	security := pgIdent(s.schema, "user_security")

	row := s.pool.QueryRow(ctx,
		`SELECT `+userSelectColumns+`
		   FROM `+users+` u
		   LEFT JOIN `+security+` sec ON sec.user_id = u.id
		  WHERE u.email_norm = $1`,
		norm,
	)
	return scanUser(op, "user", row)
}

// ByID finds a user by id. Returns ErrNotFound when absent.
func (s *PostgresStore) ByID(ctx context.Context, id string) (User, error) {
	const op = "identity.ByID"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, pgInvalid(op, "missing user_id")
	}

	users := pgIdent(s.schema, "users")
	security := pgIdent(s.schema, "user_security")

	row := s.pool.QueryRow(ctx,
		`SELECT `+userSelectColumns+`
		   FROM `+users+` u
		   LEFT JOIN `+security+` sec ON sec.user_id = u.id
		  WHERE u.id = $1`,
		id,
	)
	return scanUser(op, "user", row)
}

// VerifyPassword checks a plain password against the stored argon2id hash.
// All failure modes collapse to ErrBadCredential.
func (s *PostgresStore) VerifyPassword(ctx context.Context, userID string, password string) error {
	const op = "identity.VerifyPassword"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" || password == "" {
		return badCredential()
	}

	creds := pgIdent(s.schema, "user_credentials")

	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT password_hash FROM `+creds+` WHERE user_id = $1`,
		userID,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return badCredential()
		}
		return err
	}

	ok, err := VerifyPasswordHash(password, hash)
	if err != nil || !ok {
		return badCredential()
	}
	return nil
}

// TokenVersion returns the durable per-user credential generation.
func (s *PostgresStore) TokenVersion(ctx context.Context, userID string) (int64, error) {
	const op = "identity.TokenVersion"

	if s == nil || s.pool == nil {
		return 0, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if strings.TrimSpace(userID) == "" {
		return 0, pgInvalid(op, "missing user_id")
	}

	security := pgIdent(s.schema, "user_security")

	var ver int64
	err := s.pool.QueryRow(ctx,
		`SELECT token_version FROM `+security+` WHERE user_id = $1`,
		userID,
	).Scan(&ver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, NotFoundError{Op: op, Resource: "user"}
		}
		return 0, err
	}
	return ver, nil
}

// BumpTokenVersion atomically increments the credential generation and returns
// the new value. Every outstanding signed credential becomes invalid.
func (s *PostgresStore) BumpTokenVersion(ctx context.Context, userID string) (int64, error) {
	const op = "identity.BumpTokenVersion"

	if s == nil || s.pool == nil {
		return 0, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if strings.TrimSpace(userID) == "" {
		return 0, pgInvalid(op, "missing user_id")
	}

	security := pgIdent(s.schema, "user_security")

	var ver int64
	err := s.pool.QueryRow(ctx,
		`UPDATE `+security+`
		    SET token_version = token_version + 1,
		        updated_at = now()
		  WHERE user_id = $1
		  RETURNING token_version`,
		userID,
	).Scan(&ver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, NotFoundError{Op: op, Resource: "user"}
		}
		return 0, err
	}
	return ver, nil
}

// TwoFactorEnabled reports whether the user is enrolled in channel 2FA.
func (s *PostgresStore) TwoFactorEnabled(ctx context.Context, userID string) (bool, error) {
	const op = "identity.TwoFactorEnabled"

	security := pgIdent(s.schema, "user_security")

	var enabled bool
	err := s.pool.QueryRow(ctx,
		`SELECT twofa_enabled FROM `+security+` WHERE user_id = $1`,
		userID,
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, NotFoundError{Op: op, Resource: "user"}
		}
		return false, err
	}
	return enabled, nil
}

// TOTPSecret returns the enrolled TOTP secret, or "" when the user has no
// fallback factor enrolled.
func (s *PostgresStore) TOTPSecret(ctx context.Context, userID string) (string, error) {
	const op = "identity.TOTPSecret"

	security := pgIdent(s.schema, "user_security")

	var secret *string
	err := s.pool.QueryRow(ctx,
		`SELECT totp_secret FROM `+security+` WHERE user_id = $1`,
		userID,
	).Scan(&secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", NotFoundError{Op: op, Resource: "user"}
		}
		return "", err
	}
	if secret == nil {
		return "", nil
	}
	return *secret, nil
}

// ChatDestination returns the bound channel identity, or "" when unbound.
func (s *PostgresStore) ChatDestination(ctx context.Context, userID string) (string, error) {
	const op = "identity.ChatDestination"

	security := pgIdent(s.schema, "user_security")

	var dest *string
	err := s.pool.QueryRow(ctx,
		`SELECT chat_destination FROM `+security+` WHERE user_id = $1`,
		userID,
	).Scan(&dest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", NotFoundError{Op: op, Resource: "user"}
		}
		return "", err
	}
	if dest == nil {
		return "", nil
	}
	return *dest, nil
}

// AttachChatDestination binds a channel identity to the user and enables 2FA.
// Rebinds are allowed; the previous destination is overwritten.
func (s *PostgresStore) AttachChatDestination(ctx context.Context, userID string, destination string, now time.Time) error {
	const op = "identity.AttachChatDestination"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	destination = strings.TrimSpace(destination)
	if strings.TrimSpace(userID) == "" || destination == "" {
		return pgInvalid(op, "missing user_id or destination")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	security := pgIdent(s.schema, "user_security")

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+security+`
		    SET chat_destination = $1,
		        twofa_enabled = TRUE,
		        updated_at = $2
		  WHERE user_id = $3`,
		destination, now, userID,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return ConflictError{Op: op, Field: field}
		}
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// SetEmail replaces the user's email and clears the confirmation timestamp.
// Callers gate this behind a verified change-email action token.
func (s *PostgresStore) SetEmail(ctx context.Context, userID string, email string, now time.Time) error {
	const op = "identity.SetEmail"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	email = strings.TrimSpace(email)
	if strings.TrimSpace(userID) == "" || email == "" {
		return pgInvalid(op, "missing user_id or email")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	users := pgIdent(s.schema, "users")

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+users+`
		    SET email = $1,
		        email_norm = $2,
		        email_confirmed_at = NULL
		  WHERE id = $3`,
		email, NormalizeEmail(email), userID,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return ConflictError{Op: op, Field: field}
		}
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// SetPassword hashes and stores a new password.
// Callers gate this behind a verified reset-password action token and then
// bump the token version so outstanding credentials die.
func (s *PostgresStore) SetPassword(ctx context.Context, userID string, password string, now time.Time) error {
	const op = "identity.SetPassword"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if strings.TrimSpace(userID) == "" {
		return pgInvalid(op, "missing user_id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	hash, err := HashPassword(password, DefaultArgon2idParams())
	if err != nil {
		return pgInvalid(op, err.Error())
	}

	creds := pgIdent(s.schema, "user_credentials")

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+creds+`
		    SET password_hash = $1,
		        updated_at = $2
		  WHERE user_id = $3`,
		hash, now, userID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// MarkEmailConfirmed stamps email_confirmed_at (idempotent).
func (s *PostgresStore) MarkEmailConfirmed(ctx context.Context, userID string, now time.Time) error {
	const op = "identity.MarkEmailConfirmed"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if strings.TrimSpace(userID) == "" {
		return pgInvalid(op, "missing user_id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	users := pgIdent(s.schema, "users")

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+users+`
		    SET email_confirmed_at = COALESCE(email_confirmed_at, $1)
		  WHERE id = $2`,
		now, userID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// ---- helpers ----

func scanUser(op, resource string, row pgx.Row) (User, error) {
	var (
		out  User
		dest *string
	)
	err := row.Scan(
		&out.ID,
		&out.Email,
		&out.EmailNorm,
		&out.EmailConfirmedAt,
		&out.CreatedAt,
		&out.TwoFactorEnabled,
		&dest,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, Resource: resource}
		}
		return User{}, err
	}
	out.ChatDestination = dest
	return out, nil
}

// pgInvalid standardizes invalid input errors.
func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// English comment:
	// Prefer stable schema constraint names. Fall back to heuristic substring matching.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))

	switch c {
	case "uq_users_email_norm":
		return "email", true
	case "uq_user_security_chat_destination":
		return "chat_destination", true
	default:
		switch {
		case strings.Contains(c, "email"):
			return "email", true
		case strings.Contains(c, "chat") || strings.Contains(c, "destination"):
			return "chat_destination", true
		default:
			return "unique", true
		}
	}
}
