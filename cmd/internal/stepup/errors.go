package stepup

import "errors"

var (
	// ErrUnknownAction is returned for an action name outside the registry.
	ErrUnknownAction = errors.New("unknown action")

	// ErrTokenExpired is returned when no live action token exists for the
	// (action, user) pair. An expired token and a never-issued token are
	// deliberately indistinguishable.
	ErrTokenExpired = errors.New("action token expired")

	// ErrTokenInvalid is returned when a live token exists but the presented
	// value does not match.
	ErrTokenInvalid = errors.New("action token invalid")

	// ErrChallengeRequired signals that a 2FA challenge was opened and the
	// caller must wait for out-of-band confirmation. Control flow, not
	// failure: the API layer maps it to 202.
	ErrChallengeRequired = errors.New("challenge required")

	// ErrChallengeExpired is returned when a challenge or callback id no
	// longer exists (TTL lapsed or never issued).
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrNotConfirmed is returned when an operation requires a CONFIRMED
	// challenge but the current status is PENDING or REJECTED.
	ErrNotConfirmed = errors.New("challenge not confirmed")

	// ErrBindInvalid is returned when a bind token is unknown or expired.
	ErrBindInvalid = errors.New("bind token invalid")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
