package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"aegis/cmd/identity"
	"aegis/cmd/internal/auth/session"
	"aegis/cmd/internal/kv"
	"aegis/cmd/internal/stepup"
)

// Handler wires the HTTP auth and step-up endpoints to their services.
type Handler struct {
	log *slog.Logger
	cfg Config

	ids      identity.Store
	sessions *session.Service
	engine   *stepup.Engine
	tokens   *stepup.Issuer
	binder   *stepup.Binder
	store    kv.Store

	// pool is the audit sink; nil disables auditing.
	pool *pgxpool.Pool

	mail MailSender
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithMailSender overrides the default no-op action-token sender.
func WithMailSender(sender MailSender) HandlerOption {
	return func(h *Handler) {
		if h == nil || sender == nil {
			return
		}
		h.mail = sender
	}
}

// WithAuditPool enables audit logging into aegis.audit_log.
func WithAuditPool(pool *pgxpool.Pool) HandlerOption {
	return func(h *Handler) {
		if h == nil {
			return
		}
		h.pool = pool
	}
}

// NewHandler constructs the API handler. All service dependencies are
// required; only the audit pool and mail sender are optional.
func NewHandler(log *slog.Logger, cfg Config, ids identity.Store, sessions *session.Service, engine *stepup.Engine, tokens *stepup.Issuer, binder *stepup.Binder, store kv.Store, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if ids == nil || sessions == nil || engine == nil || tokens == nil || binder == nil || store == nil {
		return nil, errors.New("api: missing required dependency")
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		ids:      ids,
		sessions: sessions,
		engine:   engine,
		tokens:   tokens,
		binder:   binder,
		store:    store,
		mail:     NoopMailSender{},
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}

	return h, nil
}

// Register wires the routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/auth/login", h.handleLogin)
	mux.HandleFunc("POST /v1/auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /v1/auth/logout-all", h.handleLogoutAll)
	mux.HandleFunc("GET /v1/me", h.handleMe)

	mux.HandleFunc("POST /v1/stepup/{action}/request", h.handleStepupRequest)
	// Deliberately NOT /v1/stepup/callback/{callbackID}: that pattern and
	// /v1/stepup/{action}/request are equally specific for paths like
	// /v1/stepup/callback/request, which ServeMux rejects at registration.
	mux.HandleFunc("POST /v1/stepup/callbacks/{callbackID}", h.handleStepupCallback)
	mux.HandleFunc("GET /v1/stepup/{action}/status", h.handleStepupStatus)

	mux.HandleFunc("POST /v1/account/password/reset/request", h.handleResetRequest)
	mux.HandleFunc("POST /v1/account/password/reset/confirm", h.handleResetConfirm)
	mux.HandleFunc("POST /v1/account/email/change", h.handleEmailChange)
	mux.HandleFunc("POST /v1/account/email/confirm", h.handleEmailConfirm)
	mux.HandleFunc("POST /v1/account/email/verify/request", h.handleEmailVerifyRequest)
	mux.HandleFunc("POST /v1/account/email/verify/confirm", h.handleEmailVerifyConfirm)

	mux.HandleFunc("POST /v1/bind/token", h.handleBindToken)
	mux.HandleFunc("POST /v1/bind/consume", h.handleBindConsume)
}

// SessionService returns the underlying session service for gateway wiring.
func (h *Handler) SessionService() *session.Service {
	if h == nil {
		return nil
	}
	return h.sessions
}

// ---- auth handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.throttle(w, r, "login", h.cfg.LoginIPMax, h.cfg.LoginIPWindow) {
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || strings.TrimSpace(req.Password) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	issued, err := h.sessions.Login(ctx, now, email, req.Password)
	if err != nil {
		if errors.Is(err, session.ErrCredentialInvalid) {
			h.auditLoginFailed(ctx, ip, ua, identity.NormalizeEmail(email))
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.Error("api.login.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLoginSuccess(ctx, issued.UserID, ip, ua)
	writeJSON(w, http.StatusOK, loginResponse{
		UserID:  issued.UserID,
		Session: toSessionResponse(issued),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if h.throttle(w, r, "refresh", h.cfg.LoginIPMax, h.cfg.LoginIPWindow) {
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	issued, err := h.sessions.Refresh(r.Context(), time.Now().UTC(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, session.ErrCredentialInvalid) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		h.log.Error("api.refresh.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued)})
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if _, err := h.sessions.InvalidateAll(ctx, claims.UserID); err != nil {
		h.log.Error("api.logout_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.auditLogoutAll(ctx, claims.UserID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	u, err := h.ids.ByID(r.Context(), claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		h.log.Error("api.me.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		UserID:           u.ID,
		Email:            u.Email,
		EmailConfirmedAt: u.EmailConfirmedAt,
		TwoFactorEnabled: u.TwoFactorEnabled,
	})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.Claims{}, false
	}
	claims, err := h.sessions.Validate(r.Context(), token, session.KindAccess, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.Claims{}, false
	}
	return claims, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for _, p := range parts {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
