// Package identity implements Aegis's identity foundation.
//
// It contains security primitives (ULID, password hashing, token hashing)
// and the Store boundary consumed by the session, step-up, and realtime
// layers: email lookup, argon2id verification, the per-user token version,
// and the security profile (2FA enrollment, TOTP secret, chat destination).
//
// This package is intentionally dependency-light and security-first.
package identity
