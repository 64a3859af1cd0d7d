package session

import "errors"

var (
	// ErrCredentialInvalid is the single opaque failure for credential
	// validation. Signature failure, expiry, version mismatch, wrong
	// credential kind, and unknown user are deliberately indistinguishable.
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
