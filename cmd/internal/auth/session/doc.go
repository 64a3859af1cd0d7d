// Package session implements Aegis's session-version authority.
//
// Every signed credential (access and refresh) embeds the user's current
// token version. Bumping the version — on password change, email change, or
// 2FA re-binding — invalidates every outstanding credential at once, without
// per-session bookkeeping.
//
// Credentials are issued as PASETO v4.public with `uid` and `ver` claims.
// The current version lives in the ephemeral KV store as a hot read path,
// write-through to the durable identity record.
//
// Every validation failure — bad signature, expiry, version mismatch,
// unknown user — collapses to ErrCredentialInvalid so callers cannot probe
// which check failed.
//
// Transport (HTTP/WS) integration is intentionally out of scope here.
package session
