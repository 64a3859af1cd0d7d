// Package api exposes the HTTP surface for authentication, step-up
// confirmation, and account security operations.
//
// The error taxonomy is deliberately coarse towards clients: credential
// failures are always a 401 with an opaque body, expired step-up material is
// 410, invalid step-up material is 403, and a pending two-factor challenge is
// a 202 that tells the client to retry after confirming.
package api
