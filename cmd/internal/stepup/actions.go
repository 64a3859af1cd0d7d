package stepup

// Action names a protected operation. The registry is closed: unknown
// actions are rejected rather than given a default TTL.
type Action string

const (
	ActionConfirmEmail  Action = "confirm-email"
	ActionResetPassword Action = "reset-password"
	ActionChangeEmail   Action = "change-email"
)

// Actions lists every registered action.
func Actions() []Action {
	return []Action{ActionConfirmEmail, ActionResetPassword, ActionChangeEmail}
}

// ParseAction validates a wire-level action name.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionConfirmEmail, ActionResetPassword, ActionChangeEmail:
		return Action(s), nil
	default:
		return "", ErrUnknownAction
	}
}

// Key layouts. Every piece of step-up state is namespaced and TTL-bound.
func tokenKey(action Action, userID string) string {
	return "stepup:token:" + string(action) + ":" + userID
}

func challengeKey(action Action, userID string) string {
	return "stepup:2fa:" + string(action) + ":" + userID
}

func graceKey(action Action, userID string) string {
	return "stepup:2fa:confirmed:" + string(action) + ":" + userID
}

func callbackKey(callbackID string) string {
	return "stepup:cb:" + callbackID
}

// callbackPairKey tracks the live confirm/reject ids for (action, user) so a
// re-request can retire the superseded prompt's callbacks.
func callbackPairKey(action Action, userID string) string {
	return "stepup:2fa:cb:" + string(action) + ":" + userID
}

func bindTokenKey(token string) string {
	return "stepup:bind:token:" + token
}

func bindUserKey(userID string) string {
	return "stepup:bind:user:" + userID
}
