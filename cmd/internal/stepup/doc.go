// Package stepup implements Aegis's step-up authentication engine.
//
// It covers three concerns, all backed by the ephemeral KV store:
//
//   - Action tokens: single-use, TTL-bound proofs gating sensitive account
//     operations (password reset, email change/confirm). Only a keyed hash
//     is stored; verification is constant-time and consumes the token.
//
//   - Two-factor confirmation: a PENDING -> CONFIRMED|REJECTED state machine
//     resolved out-of-band through a notify.Channel (chat bot) or a TOTP
//     fallback passcode. Confirmation opens a grace window during which
//     further challenges for the same action are waved through. EXPIRED is
//     never stored; it is reconstructed from key absence.
//
//   - Bind tokens: one-shot symmetric pairs that attach an external channel
//     identity (chat destination) to a user account.
//
// All state lives under TTLs; a crashed process leaves nothing behind that
// outlives its window.
package stepup
