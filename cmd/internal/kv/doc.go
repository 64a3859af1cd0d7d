// Package kv provides the ephemeral key-value store used by Aegis for
// TTL-bound security state: action tokens, step-up challenge status, grace
// flags, bind-token pairs, token-version counters, and live-connection sets.
//
// Two implementations exist:
//   - Redis (production): single-key commands and Lua scripts are the
//     atomicity boundary; no in-process locks are layered on top.
//   - Memory (dev/tests): same semantics with an injectable clock so expiry
//     can be tested without sleeping.
//
// Expiry is detected lazily on the next read; there is no background sweep.
package kv
