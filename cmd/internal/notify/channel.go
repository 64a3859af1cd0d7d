package notify

import "context"

// Challenge is a 2FA prompt to deliver through an external channel.
type Challenge struct {
	// Destination is the channel-specific address bound to the user
	// (identity.ChatDestination).
	Destination string

	// Action is the protected action awaiting confirmation.
	Action string

	// ConfirmID and RejectID are single-use callback identifiers the channel
	// posts back to resolve the challenge. They are secrets: the prompt may
	// embed them in buttons/links but must never display them as text.
	ConfirmID string
	RejectID  string
}

// Channel delivers challenge prompts to users out-of-band.
type Channel interface {
	SendChallenge(ctx context.Context, ch Challenge) error
}

// Noop is a Channel that drops every prompt. Used in dev mode and in tests
// that only exercise the TOTP fallback path.
type Noop struct{}

func (Noop) SendChallenge(context.Context, Challenge) error { return nil }
