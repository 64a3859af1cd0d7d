package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"
)

// IP-bucket rate limiting over the kv fixed-window counter. Buckets are
// named per endpoint group so a login storm cannot starve step-up callbacks.
func rateKey(bucket string, ip net.IP) string {
	return "api:rl:" + bucket + ":" + ip.String()
}

func (h *Handler) checkIPThrottle(ctx context.Context, bucket string, ip net.IP, limit int, window time.Duration) (bool, time.Duration, error) {
	if ip == nil || limit <= 0 || h.store == nil {
		return false, 0, nil
	}
	count, err := h.store.CountWindow(ctx, rateKey(bucket, ip), window)
	if err != nil {
		return false, 0, err
	}
	if count > int64(limit) {
		return true, window, nil
	}
	return false, 0, nil
}

// throttle enforces the bucket and writes the 429/503 itself; callers return
// immediately when it reports handled.
func (h *Handler) throttle(w http.ResponseWriter, r *http.Request, bucket string, limit int, window time.Duration) bool {
	ip := clientIP(r, h.cfg.TrustProxy)
	blocked, retryAfter, err := h.checkIPThrottle(r.Context(), bucket, ip, limit, window)
	if err != nil {
		h.log.Error("api.throttle.fail", "bucket", bucket, "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return true
	}
	if blocked {
		h.auditRateLimited(r.Context(), bucket, ip, retryAfter)
		writeRateLimited(w, retryAfter)
		return true
	}
	return false
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
