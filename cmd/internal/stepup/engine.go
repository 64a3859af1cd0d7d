package stepup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp/totp"

	"aegis/cmd/identity"
	"aegis/cmd/internal/kv"
	"aegis/cmd/internal/notify"
)

// Engine is the two-factor confirmation state machine.
//
// A challenge is a PENDING value under a TTL plus two single-use callback
// ids. The external channel (chat bot) posts one of the ids back; Resolve
// transitions PENDING to the recorded terminal outcome. Confirmation also
// opens a grace window so the user is not re-prompted for every request in
// the same flow.
type Engine struct {
	cfg     Config
	store   kv.Store
	ids     identity.Store
	channel notify.Channel
	log     *slog.Logger
}

// NewEngine constructs the confirmation engine. A nil channel degrades to
// notify.Noop (TOTP fallback only).
func NewEngine(cfg Config, store kv.Store, ids identity.Store, channel notify.Channel, log *slog.Logger) *Engine {
	if channel == nil {
		channel = notify.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, store: store, ids: ids, channel: channel, log: log}
}

// Decision is the outcome of RequestChallenge.
type Decision struct {
	// Required is false when the user has no 2FA enrollment or a live grace
	// window covers the action; the protected operation may proceed.
	Required bool

	// Status is StatusPending when Required.
	Status Status
}

// Resolution is the outcome of resolving a challenge.
type Resolution struct {
	UserID string
	Action Action
	Status Status

	// AlreadyResolved marks a duplicate resolution: the challenge was
	// terminal before this call and nothing changed.
	AlreadyResolved bool
}

// callbackRecord is the stored payload behind a callback id.
type callbackRecord struct {
	UserID  string `json:"user_id"`
	Action  Action `json:"action"`
	Outcome Status `json:"outcome"`
}

// callbackPair points at the live callback ids for (action, user).
type callbackPair struct {
	ConfirmID string `json:"confirm_id"`
	RejectID  string `json:"reject_id"`
}

// RequestChallenge opens (or waves through) a 2FA challenge for (user, action).
//
// Fast paths: 2FA not enrolled, or a live grace flag -> Decision{Required: false}.
// Otherwise a fresh PENDING challenge is written (overwriting any previous
// one: last-requested wins) and the prompt is dispatched fire-and-forget.
func (e *Engine) RequestChallenge(ctx context.Context, userID string, action Action) (Decision, error) {
	if e.cfg.tokenTTL(action) <= 0 {
		return Decision{}, ErrUnknownAction
	}

	enabled, err := e.ids.TwoFactorEnabled(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("stepup: enrollment check: %w", err)
	}
	if !enabled {
		return Decision{Required: false}, nil
	}

	if ok, err := e.store.Exists(ctx, graceKey(action, userID)); err != nil {
		return Decision{}, fmt.Errorf("stepup: grace check: %w", err)
	} else if ok {
		return Decision{Required: false}, nil
	}

	// A lingering terminal status (e.g. a fresh rejection) does not block a
	// new challenge; it is explicitly discarded here.
	if raw, err := e.store.Get(ctx, challengeKey(action, userID)); err == nil {
		if st, ok := parseStatus(raw); ok && st.Terminal() {
			_ = e.store.Delete(ctx, challengeKey(action, userID))
		}
	}

	// Last-requested wins all the way down: retire the previous prompt's
	// callback ids so a late tap on an old prompt cannot resolve the new
	// challenge.
	e.retireCallbacks(ctx, userID, action)

	now := time.Now().UTC()
	confirmID, err := identity.NewULID(now)
	if err != nil {
		return Decision{}, err
	}
	rejectID, err := identity.NewULID(now)
	if err != nil {
		return Decision{}, err
	}

	if err := e.store.Set(ctx, challengeKey(action, userID), string(StatusPending), e.cfg.ChallengeTTL); err != nil {
		return Decision{}, fmt.Errorf("stepup: open challenge: %w", err)
	}

	confirmRec, err := json.Marshal(callbackRecord{UserID: userID, Action: action, Outcome: StatusConfirmed})
	if err != nil {
		return Decision{}, err
	}
	rejectRec, err := json.Marshal(callbackRecord{UserID: userID, Action: action, Outcome: StatusRejected})
	if err != nil {
		return Decision{}, err
	}
	if err := e.store.SetPair(ctx,
		callbackKey(confirmID), string(confirmRec),
		callbackKey(rejectID), string(rejectRec),
		e.cfg.ChallengeTTL,
	); err != nil {
		return Decision{}, fmt.Errorf("stepup: store callbacks: %w", err)
	}

	pair, err := json.Marshal(callbackPair{ConfirmID: confirmID, RejectID: rejectID})
	if err != nil {
		return Decision{}, err
	}
	if err := e.store.Set(ctx, callbackPairKey(action, userID), string(pair), e.cfg.ChallengeTTL); err != nil {
		return Decision{}, fmt.Errorf("stepup: track callbacks: %w", err)
	}

	challengesOpened.WithLabelValues(string(action)).Inc()

	// Prompt delivery is fire-and-forget: a channel outage leaves the
	// challenge resolvable via TOTP or a retry, and never fails this call.
	dest, err := e.ids.ChatDestination(ctx, userID)
	if err != nil || dest == "" {
		e.log.Warn("stepup: no chat destination for enrolled user",
			slog.String("user_id", userID), slog.String("action", string(action)))
	} else if err := e.channel.SendChallenge(ctx, notify.Challenge{
		Destination: dest,
		Action:      string(action),
		ConfirmID:   confirmID,
		RejectID:    rejectID,
	}); err != nil {
		e.log.Warn("stepup: challenge prompt delivery failed",
			slog.String("user_id", userID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()))
	}

	return Decision{Required: true, Status: StatusPending}, nil
}

// retireCallbacks deletes the callback ids (and the pointer tracking them)
// left over from a superseded prompt. Best-effort: an unexpired pair that
// slips through still resolves against the same (user, action) only, and the
// TTL collects it regardless.
func (e *Engine) retireCallbacks(ctx context.Context, userID string, action Action) {
	raw, err := e.store.Get(ctx, callbackPairKey(action, userID))
	if err != nil {
		return
	}

	var pair callbackPair
	if err := json.Unmarshal([]byte(raw), &pair); err == nil {
		_ = e.store.DeletePair(ctx, callbackKey(pair.ConfirmID), callbackKey(pair.RejectID))
	}
	_ = e.store.Delete(ctx, callbackPairKey(action, userID))
}

// Resolve applies a channel callback to its challenge.
//
// Unknown/expired callback ids -> ErrChallengeExpired. A challenge that is
// already terminal is left untouched and reported with AlreadyResolved, so
// double-taps and bot retries are harmless.
func (e *Engine) Resolve(ctx context.Context, callbackID string) (Resolution, error) {
	raw, err := e.store.Get(ctx, callbackKey(callbackID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Resolution{}, ErrChallengeExpired
		}
		return Resolution{}, fmt.Errorf("stepup: read callback: %w", err)
	}

	var rec callbackRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Resolution{}, fmt.Errorf("stepup: decode callback: %w", err)
	}

	return e.resolve(ctx, rec.UserID, rec.Action, rec.Outcome, string(rec.Outcome))
}

// ResolvePasscode resolves a PENDING challenge with a TOTP passcode.
// Fallback path for channel outages; requires an enrolled TOTP secret.
func (e *Engine) ResolvePasscode(ctx context.Context, userID string, action Action, passcode string) (Resolution, error) {
	secret, err := e.ids.TOTPSecret(ctx, userID)
	if err != nil {
		return Resolution{}, fmt.Errorf("stepup: totp secret: %w", err)
	}
	if secret == "" || !totp.Validate(passcode, secret) {
		return Resolution{}, ErrNotConfirmed
	}

	return e.resolve(ctx, userID, action, StatusConfirmed, "totp")
}

func (e *Engine) resolve(ctx context.Context, userID string, action Action, outcome Status, metricOutcome string) (Resolution, error) {
	key := challengeKey(action, userID)

	raw, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Resolution{}, ErrChallengeExpired
		}
		return Resolution{}, fmt.Errorf("stepup: read challenge: %w", err)
	}

	cur, ok := parseStatus(raw)
	if !ok {
		return Resolution{}, fmt.Errorf("stepup: corrupt challenge state %q", raw)
	}
	if cur.Terminal() {
		// Check-terminal-before-write: the first resolution wins, duplicates
		// observe it.
		return Resolution{UserID: userID, Action: action, Status: cur, AlreadyResolved: true}, nil
	}

	// Record the terminal outcome for the pending window's remaining TTL.
	if err := e.store.SetKeepTTL(ctx, key, string(outcome)); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Resolution{}, ErrChallengeExpired
		}
		return Resolution{}, fmt.Errorf("stepup: record outcome: %w", err)
	}

	if outcome == StatusConfirmed {
		if err := e.store.Set(ctx, graceKey(action, userID), "1", e.cfg.GraceTTL); err != nil {
			return Resolution{}, fmt.Errorf("stepup: open grace window: %w", err)
		}
	}

	challengesResolved.WithLabelValues(string(action), metricOutcome).Inc()

	return Resolution{UserID: userID, Action: action, Status: outcome}, nil
}

// Status reports the challenge state for client polling.
// Key absence means the window lapsed (or never opened): StatusExpired.
func (e *Engine) Status(ctx context.Context, userID string, action Action) (Status, error) {
	raw, err := e.store.Get(ctx, challengeKey(action, userID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return StatusExpired, nil
		}
		return "", fmt.Errorf("stepup: read challenge: %w", err)
	}
	st, ok := parseStatus(raw)
	if !ok {
		return "", fmt.Errorf("stepup: corrupt challenge state %q", raw)
	}
	return st, nil
}
