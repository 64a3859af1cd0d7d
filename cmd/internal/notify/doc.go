// Package notify defines the external confirmation channel used by the
// step-up engine to deliver 2FA prompts (e.g. a chat bot).
//
// Delivery is fire-and-forget: a channel failure is logged by the caller and
// never blocks or fails the request that triggered the prompt. The user can
// still resolve the challenge through the TOTP fallback or by retrying.
package notify
