package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/stepup"
)

// ---- step-up handlers ----

func (h *Handler) handleStepupRequest(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	action, err := stepup.ParseAction(r.PathValue("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_action", "unknown action")
		return
	}

	ctx := r.Context()
	decision, err := h.engine.RequestChallenge(ctx, claims.UserID, action)
	if err != nil {
		h.log.Error("api.stepup.request.fail", "action", action, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	if decision.Required {
		h.auditChallengeOpened(ctx, claims.UserID, string(action), clientIP(r, h.cfg.TrustProxy))
		writeJSON(w, http.StatusAccepted, stepupDecisionResponse{
			Action: string(action),
			Status: "challenge_required",
		})
		return
	}

	writeJSON(w, http.StatusOK, stepupDecisionResponse{
		Action: string(action),
		Status: "ok",
	})
}

// handleStepupCallback is the channel-side confirm/reject webhook target. It
// is unauthenticated by design: the callback id is the capability. Duplicate
// deliveries are success-shaped.
func (h *Handler) handleStepupCallback(w http.ResponseWriter, r *http.Request) {
	if h.throttle(w, r, "callback", h.cfg.SensitiveIPMax, h.cfg.SensitiveIPWindow) {
		return
	}

	callbackID := strings.TrimSpace(r.PathValue("callbackID"))
	if callbackID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "callback id is required")
		return
	}

	ctx := r.Context()
	res, err := h.engine.Resolve(ctx, callbackID)
	if err != nil {
		if errors.Is(err, stepup.ErrChallengeExpired) {
			writeError(w, http.StatusGone, "challenge_expired", "challenge expired or unknown callback")
			return
		}
		h.log.Error("api.stepup.callback.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	if !res.AlreadyResolved {
		h.auditChallengeResolved(ctx, res.UserID, string(res.Action), string(res.Status), clientIP(r, h.cfg.TrustProxy))
	}
	writeJSON(w, http.StatusOK, stepupResolutionResponse{
		Action:          string(res.Action),
		Status:          string(res.Status),
		AlreadyResolved: res.AlreadyResolved,
	})
}

// handleStepupStatus reports the challenge state for client polling. An
// optional passcode query resolves a pending challenge via TOTP, covering
// channel outages.
func (h *Handler) handleStepupStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	action, err := stepup.ParseAction(r.PathValue("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_action", "unknown action")
		return
	}

	ctx := r.Context()

	if passcode := strings.TrimSpace(r.URL.Query().Get("passcode")); passcode != "" {
		res, err := h.engine.ResolvePasscode(ctx, claims.UserID, action, passcode)
		if err != nil {
			switch {
			case errors.Is(err, stepup.ErrNotConfirmed):
				writeError(w, http.StatusForbidden, "passcode_invalid", "passcode rejected")
			case errors.Is(err, stepup.ErrChallengeExpired):
				writeError(w, http.StatusGone, "challenge_expired", "no live challenge")
			default:
				h.log.Error("api.stepup.passcode.fail", "err", err)
				writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			}
			return
		}
		h.auditChallengeResolved(ctx, claims.UserID, string(action), string(res.Status), clientIP(r, h.cfg.TrustProxy))
		writeJSON(w, http.StatusOK, stepupDecisionResponse{
			Action: string(action),
			Status: string(res.Status),
		})
		return
	}

	status, err := h.engine.Status(ctx, claims.UserID, action)
	if err != nil {
		h.log.Error("api.stepup.status.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, stepupDecisionResponse{
		Action: string(action),
		Status: string(status),
	})
}

// ---- account handlers ----

// handleResetRequest always answers 202 so callers cannot probe which email
// addresses exist. The reset token is minted and mailed only when the
// account is real.
func (h *Handler) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	if h.throttle(w, r, "reset", h.cfg.SensitiveIPMax, h.cfg.SensitiveIPWindow) {
		return
	}

	var req resetRequestRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}

	ctx := r.Context()
	u, err := h.ids.ByEmail(ctx, email)
	if err != nil {
		if !identity.IsNotFound(err) {
			h.log.Error("api.reset.request.lookup.fail", "err", err)
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
		return
	}

	tok, err := h.tokens.Issue(ctx, stepup.ActionResetPassword, u.ID)
	if err != nil {
		h.log.Error("api.reset.request.issue.fail", "err", err)
		writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
		return
	}
	h.sendActionToken(ctx, u.Email, stepup.ActionResetPassword, tok)

	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
}

func (h *Handler) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	if h.throttle(w, r, "reset", h.cfg.SensitiveIPMax, h.cfg.SensitiveIPWindow) {
		return
	}

	var req resetConfirmRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := strings.TrimSpace(req.Email)
	token := strings.TrimSpace(req.Token)
	if email == "" || token == "" || strings.TrimSpace(req.NewPassword) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email, token and new_password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	u, err := h.ids.ByEmail(ctx, email)
	if err != nil {
		// Indistinguishable from a dead token.
		writeError(w, http.StatusGone, "token_expired", "token expired or unknown")
		return
	}

	// Two-factor gate first: the action token must not be consumed by a
	// request that still has to come back after confirmation.
	if handled := h.stepupGate(w, r, u.ID, stepup.ActionResetPassword); handled {
		return
	}

	if handled := h.verifyActionToken(w, ctx, stepup.ActionResetPassword, u.ID, token); handled {
		return
	}

	if err := h.ids.SetPassword(ctx, u.ID, req.NewPassword, now); err != nil {
		h.log.Error("api.reset.confirm.set.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if _, err := h.sessions.InvalidateAll(ctx, u.ID); err != nil {
		h.log.Error("api.reset.confirm.invalidate.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditPasswordReset(ctx, u.ID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	w.WriteHeader(http.StatusNoContent)
}

// handleEmailChange opens the change flow: after the step-up gate clears, a
// change-email token is mailed to the NEW address, proving its owner
// cooperates before anything mutates.
func (h *Handler) handleEmailChange(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req emailChangeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	newEmail := strings.TrimSpace(req.NewEmail)
	if newEmail == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "new_email is required")
		return
	}

	ctx := r.Context()

	if handled := h.stepupGate(w, r, claims.UserID, stepup.ActionChangeEmail); handled {
		return
	}

	tok, err := h.tokens.Issue(ctx, stepup.ActionChangeEmail, claims.UserID)
	if err != nil {
		h.log.Error("api.email.change.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	h.sendActionToken(ctx, newEmail, stepup.ActionChangeEmail, tok)

	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
}

func (h *Handler) handleEmailConfirm(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req emailConfirmRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	newEmail := strings.TrimSpace(req.NewEmail)
	token := strings.TrimSpace(req.Token)
	if newEmail == "" || token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "new_email and token are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	if handled := h.verifyActionToken(w, ctx, stepup.ActionChangeEmail, claims.UserID, token); handled {
		return
	}

	if err := h.ids.SetEmail(ctx, claims.UserID, newEmail, now); err != nil {
		if identity.IsConflict(err) {
			writeError(w, http.StatusConflict, "conflict", "email already in use")
			return
		}
		if identity.IsInvalidInput(err) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid email")
			return
		}
		h.log.Error("api.email.confirm.set.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	// The token traveled through the new mailbox, so confirmation is
	// immediate; old credentials die with the version bump.
	if err := h.ids.MarkEmailConfirmed(ctx, claims.UserID, now); err != nil {
		h.log.Error("api.email.confirm.mark.fail", "err", err)
	}
	if _, err := h.sessions.InvalidateAll(ctx, claims.UserID); err != nil {
		h.log.Error("api.email.confirm.invalidate.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditEmailChanged(ctx, claims.UserID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEmailVerifyRequest(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	u, err := h.ids.ByID(ctx, claims.UserID)
	if err != nil {
		h.log.Error("api.email.verify.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if u.EmailConfirmedAt != nil {
		writeJSON(w, http.StatusOK, acceptedResponse{Status: "already_confirmed"})
		return
	}

	tok, err := h.tokens.Issue(ctx, stepup.ActionConfirmEmail, claims.UserID)
	if err != nil {
		h.log.Error("api.email.verify.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	h.sendActionToken(ctx, u.Email, stepup.ActionConfirmEmail, tok)

	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted"})
}

func (h *Handler) handleEmailVerifyConfirm(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req emailVerifyConfirmRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	ctx := r.Context()
	if handled := h.verifyActionToken(w, ctx, stepup.ActionConfirmEmail, claims.UserID, token); handled {
		return
	}

	if err := h.ids.MarkEmailConfirmed(ctx, claims.UserID, time.Now().UTC()); err != nil {
		h.log.Error("api.email.verify.mark.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---- bind handlers ----

func (h *Handler) handleBindToken(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	tok, err := h.binder.IssueBind(r.Context(), claims.UserID)
	if err != nil {
		h.log.Error("api.bind.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, bindTokenResponse{
		BindToken:        tok,
		ExpiresInSeconds: int64(h.binder.TTL().Seconds()),
	})
}

// handleBindConsume is called by the channel side once the user pastes the
// bind token into the chat. It attaches the chat destination and thereby
// enables 2FA.
func (h *Handler) handleBindConsume(w http.ResponseWriter, r *http.Request) {
	if h.throttle(w, r, "bind", h.cfg.SensitiveIPMax, h.cfg.SensitiveIPWindow) {
		return
	}

	var req bindConsumeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.BindToken) == "" || strings.TrimSpace(req.Destination) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "bind_token and destination are required")
		return
	}

	ctx := r.Context()
	userID, err := h.binder.ConsumeBind(ctx, req.BindToken, req.Destination)
	if err != nil {
		switch {
		case errors.Is(err, stepup.ErrBindInvalid):
			writeError(w, http.StatusForbidden, "bind_invalid", "unknown or expired bind token")
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "conflict", "destination already bound")
		default:
			h.log.Error("api.bind.consume.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.auditBindConsumed(ctx, userID, clientIP(r, h.cfg.TrustProxy))
	writeJSON(w, http.StatusOK, bindConsumeResponse{UserID: userID})
}

// ---- shared flow helpers ----

// stepupGate runs the two-factor gate for a protected operation. When a
// challenge is required it answers 202 and reports handled; the client
// confirms out of band and retries inside the grace window.
func (h *Handler) stepupGate(w http.ResponseWriter, r *http.Request, userID string, action stepup.Action) bool {
	decision, err := h.engine.RequestChallenge(r.Context(), userID, action)
	if err != nil {
		h.log.Error("api.stepup.gate.fail", "action", action, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return true
	}
	if decision.Required {
		h.auditChallengeOpened(r.Context(), userID, string(action), clientIP(r, h.cfg.TrustProxy))
		writeJSON(w, http.StatusAccepted, stepupDecisionResponse{
			Action: string(action),
			Status: "challenge_required",
		})
		return true
	}
	return false
}

// verifyActionToken maps token verification failures onto the wire taxonomy
// (absent/expired -> 410, mismatch -> 403) and reports handled on failure.
func (h *Handler) verifyActionToken(w http.ResponseWriter, ctx context.Context, action stepup.Action, userID, token string) bool {
	err := h.tokens.Verify(ctx, action, userID, token)
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, stepup.ErrTokenExpired):
		writeError(w, http.StatusGone, "token_expired", "token expired or unknown")
	case errors.Is(err, stepup.ErrTokenInvalid):
		writeError(w, http.StatusForbidden, "token_invalid", "token rejected")
	default:
		h.log.Error("api.token.verify.fail", "action", action, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
	return true
}

func (h *Handler) sendActionToken(ctx context.Context, email string, action stepup.Action, token string) {
	msg := ActionTokenMessage{
		Email:     email,
		Action:    string(action),
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(h.tokens.TTL(action)),
	}
	if err := h.mail.SendActionToken(ctx, msg); err != nil {
		h.log.Warn("api.mail.send.fail", "action", action, "err", err)
	}
}
