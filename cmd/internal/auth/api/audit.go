package api

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"
)

func (h *Handler) auditLoginFailed(ctx context.Context, ip net.IP, ua string, identifier string) {
	h.insertAudit(ctx, "auth.login.failed", nil, ip, ua, map[string]any{
		"identifier": identifier,
	})
}

func (h *Handler) auditLoginSuccess(ctx context.Context, userID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.login.success", &userID, ip, ua, nil)
}

func (h *Handler) auditLogoutAll(ctx context.Context, userID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.logout_all", &userID, ip, ua, nil)
}

func (h *Handler) auditRateLimited(ctx context.Context, bucket string, ip net.IP, retryAfter time.Duration) {
	h.insertAudit(ctx, "auth.rate_limited", nil, ip, "", map[string]any{
		"bucket":        bucket,
		"retry_after_s": int64(retryAfter.Seconds()),
	})
}

func (h *Handler) auditChallengeOpened(ctx context.Context, userID string, action string, ip net.IP) {
	h.insertAudit(ctx, "stepup.challenge.opened", &userID, ip, "", map[string]any{
		"action": action,
	})
}

func (h *Handler) auditChallengeResolved(ctx context.Context, userID string, action string, status string, ip net.IP) {
	h.insertAudit(ctx, "stepup.challenge.resolved", &userID, ip, "", map[string]any{
		"action": action,
		"status": status,
	})
}

func (h *Handler) auditPasswordReset(ctx context.Context, userID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "account.password.reset", &userID, ip, ua, nil)
}

func (h *Handler) auditEmailChanged(ctx context.Context, userID string, ip net.IP, ua string) {
	h.insertAudit(ctx, "account.email.changed", &userID, ip, ua, nil)
}

func (h *Handler) auditBindConsumed(ctx context.Context, userID string, ip net.IP) {
	h.insertAudit(ctx, "stepup.bind.consumed", &userID, ip, "", nil)
}

// insertAudit writes one audit row best-effort. A nil pool disables auditing
// (dev mode); failures are logged and never surface to the client.
func (h *Handler) insertAudit(ctx context.Context, action string, userID *string, ip net.IP, ua string, meta map[string]any) {
	if h == nil || h.pool == nil {
		return
	}

	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	var ipVal any
	if ip != nil {
		ipVal = ip.String()
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := h.pool.Exec(ctx, `
		INSERT INTO aegis.audit_log (
			user_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, now(), $3, $4, $5::jsonb)
	`, userID, action, ipVal, trimOrNil(ua), metaVal)
	if err != nil {
		h.log.Error("api.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
