package api

import (
	"context"
	"time"
)

// ActionTokenMessage is the canonical payload for action-token delivery
// (password reset and email change/verify links).
type ActionTokenMessage struct {
	Email     string
	Action    string
	Token     string
	ExpiresAt time.Time
}

// MailSender delivers action tokens out of band. Delivery is fire-and-forget
// from the handlers' point of view: a failed send is logged and the HTTP
// response is unaffected, so the endpoints stay enumeration-safe.
type MailSender interface {
	SendActionToken(ctx context.Context, msg ActionTokenMessage) error
}

// NoopMailSender is the default sender; real providers are wired by the app.
type NoopMailSender struct{}

// SendActionToken is a no-op implementation.
func (NoopMailSender) SendActionToken(_ context.Context, _ ActionTokenMessage) error { return nil }
