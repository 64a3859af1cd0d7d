package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"aegis/cmd/identity"
	"aegis/cmd/internal/auth/session"
	"aegis/cmd/internal/kv"
	"aegis/cmd/internal/notify"
	"aegis/cmd/internal/stepup"
)

type mailRecorder struct {
	mu   sync.Mutex
	sent []ActionTokenMessage
}

func (m *mailRecorder) SendActionToken(_ context.Context, msg ActionTokenMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mailRecorder) last(t *testing.T) ActionTokenMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatalf("no action token was mailed")
	}
	return m.sent[len(m.sent)-1]
}

type channelRecorder struct {
	mu   sync.Mutex
	sent []notify.Challenge
}

func (c *channelRecorder) SendChallenge(_ context.Context, ch notify.Challenge) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ch)
	return nil
}

func (c *channelRecorder) last(t *testing.T) notify.Challenge {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatalf("no challenge prompt was sent")
	}
	return c.sent[len(c.sent)-1]
}

type apiStack struct {
	server  *httptest.Server
	handler *Handler
	users   *identity.MemoryStore
	mail    *mailRecorder
	channel *channelRecorder
	userID  string
}

func newAPIStack(t *testing.T) *apiStack {
	t.Helper()

	secret := paseto.NewV4AsymmetricSecretKey()
	sessCfg := session.DefaultConfig()
	sessCfg.PasetoV4SecretKeyHex = secret.ExportHex()

	mgr, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	users := identity.NewMemoryStore()
	u, err := users.CreateUser(context.Background(), identity.CreateUserInput{
		Email:    "owner@example.com",
		Password: "original-password-1",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	store := kv.NewMemoryStore()
	versions := session.NewVersions(store, users, sessCfg.VersionCacheTTL)
	sessions := session.NewService(sessCfg, mgr, versions, users)

	stCfg := stepup.DefaultConfig()
	channel := &channelRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := stepup.NewEngine(stCfg, store, users, channel, logger)
	tokens := stepup.NewIssuer(stCfg, store)
	binder := stepup.NewBinder(stCfg, store, users)

	mail := &mailRecorder{}
	h, err := NewHandler(logger, LoadConfigFromEnv(), users, sessions, engine, tokens, binder, store, WithMailSender(mail))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &apiStack{server: ts, handler: h, users: users, mail: mail, channel: channel, userID: u.ID}
}

// The callback route must not share a segment shape with the wildcard
// step-up routes: ServeMux panics at registration when two patterns are
// equally specific (e.g. "POST /v1/stepup/callback/{id}" vs
// "POST /v1/stepup/{action}/request" both matching /v1/stepup/callback/request).
func TestAPI_RouteTableRegistersWithoutConflict(t *testing.T) {
	st := newAPIStack(t)

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Register panicked: %v", r)
		}
	}()

	mux := http.NewServeMux()
	st.handler.Register(mux)

	// Both overlapping shapes must dispatch to their own handler.
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/stepup/callbacks/01UNKNOWNCALLBACKIDAAAAAAA", nil))
	if rr.Code != http.StatusGone {
		t.Fatalf("callback dispatch: status=%d want=%d", rr.Code, http.StatusGone)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/stepup/confirm-email/request", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wildcard request dispatch: status=%d want=%d", rr.Code, http.StatusUnauthorized)
	}
}

func (s *apiStack) do(t *testing.T, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, s.server.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (s *apiStack) login(t *testing.T, email, password string) loginResponse {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": email, "password": password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d body %s", resp.StatusCode, body)
	}
	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out
}

func TestAPI_LoginAndMe(t *testing.T) {
	st := newAPIStack(t)

	out := st.login(t, "owner@example.com", "original-password-1")
	if out.Session.AccessToken == "" || out.Session.RefreshToken == "" {
		t.Fatalf("expected a full credential pair, got %+v", out.Session)
	}

	resp, body := st.do(t, http.MethodGet, "/v1/me", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d body %s", resp.StatusCode, body)
	}
	var me meResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.UserID != st.userID || me.Email != "owner@example.com" {
		t.Fatalf("unexpected me payload: %+v", me)
	}
}

func TestAPI_LoginFailuresAreOpaque(t *testing.T) {
	st := newAPIStack(t)

	resp1, body1 := st.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "owner@example.com", "password": "wrong",
	})
	resp2, body2 := st.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "ghost@example.com", "password": "wrong",
	})
	if resp1.StatusCode != http.StatusUnauthorized || resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", resp1.StatusCode, resp2.StatusCode)
	}
	if string(body1) != string(body2) {
		t.Fatalf("wrong-password and unknown-user bodies differ:\n%s\n%s", body1, body2)
	}
}

func TestAPI_RefreshRotatesAndLogoutAllRevokes(t *testing.T) {
	st := newAPIStack(t)
	out := st.login(t, "owner@example.com", "original-password-1")

	resp, body := st.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": out.Session.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", resp.StatusCode, body)
	}

	resp, _ = st.do(t, http.MethodPost, "/v1/auth/logout-all", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout-all: status %d", resp.StatusCode)
	}

	// Every pre-bump credential is dead, access and refresh alike.
	resp, _ = st.do(t, http.MethodGet, "/v1/me", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale access token: status %d", resp.StatusCode)
	}
	resp, _ = st.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{
		"refresh_token": out.Session.RefreshToken,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale refresh token: status %d", resp.StatusCode)
	}
}

func TestAPI_StepupRequestNotEnrolledWavesThrough(t *testing.T) {
	st := newAPIStack(t)
	out := st.login(t, "owner@example.com", "original-password-1")

	resp, body := st.do(t, http.MethodPost, "/v1/stepup/change-email/request", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stepup request: status %d body %s", resp.StatusCode, body)
	}
	var dec stepupDecisionResponse
	if err := json.Unmarshal(body, &dec); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if dec.Status != "ok" {
		t.Fatalf("expected waved-through decision, got %+v", dec)
	}
}

func TestAPI_StepupChallengeAndCallback(t *testing.T) {
	st := newAPIStack(t)
	if err := st.users.AttachChatDestination(context.Background(), st.userID, "chat:owner", time.Now().UTC()); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	out := st.login(t, "owner@example.com", "original-password-1")

	resp, body := st.do(t, http.MethodPost, "/v1/stepup/change-email/request", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stepup request: status %d body %s", resp.StatusCode, body)
	}

	prompt := st.channel.last(t)
	if prompt.ConfirmID == "" || prompt.RejectID == "" {
		t.Fatalf("prompt missing callback ids: %+v", prompt)
	}

	resp, body = st.do(t, http.MethodPost, "/v1/stepup/callbacks/"+prompt.ConfirmID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: status %d body %s", resp.StatusCode, body)
	}
	var res stepupResolutionResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode resolution: %v", err)
	}
	if res.Status != string(stepup.StatusConfirmed) || res.AlreadyResolved {
		t.Fatalf("unexpected resolution: %+v", res)
	}

	// The losing reject callback cannot flip the outcome.
	resp, body = st.do(t, http.MethodPost, "/v1/stepup/callbacks/"+prompt.RejectID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate callback: status %d body %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode duplicate resolution: %v", err)
	}
	if res.Status != string(stepup.StatusConfirmed) || !res.AlreadyResolved {
		t.Fatalf("duplicate resolution should echo the recorded outcome: %+v", res)
	}

	// Status endpoint agrees.
	resp, body = st.do(t, http.MethodGet, "/v1/stepup/change-email/status", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var dec stepupDecisionResponse
	if err := json.Unmarshal(body, &dec); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if dec.Status != string(stepup.StatusConfirmed) {
		t.Fatalf("expected CONFIRMED, got %+v", dec)
	}

	// After confirmation the gated operation passes without a new prompt.
	resp, body = st.do(t, http.MethodPost, "/v1/stepup/change-email/request", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grace-window request: status %d body %s", resp.StatusCode, body)
	}
}

func TestAPI_StepupUnknownCallbackGone(t *testing.T) {
	st := newAPIStack(t)

	resp, _ := st.do(t, http.MethodPost, "/v1/stepup/callbacks/01JUNKJUNKJUNKJUNKJUNKJUNK", "", nil)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("expected 410 for unknown callback, got %d", resp.StatusCode)
	}
}

func TestAPI_PasswordResetFlow(t *testing.T) {
	st := newAPIStack(t)

	resp, _ := st.do(t, http.MethodPost, "/v1/account/password/reset/request", "", map[string]string{
		"email": "owner@example.com",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("reset request: status %d", resp.StatusCode)
	}
	msg := st.mail.last(t)
	if msg.Action != string(stepup.ActionResetPassword) || msg.Token == "" {
		t.Fatalf("unexpected mail: %+v", msg)
	}

	resp, body := st.do(t, http.MethodPost, "/v1/account/password/reset/confirm", "", map[string]string{
		"email": "owner@example.com", "token": msg.Token, "new_password": "brand-new-password-2",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset confirm: status %d body %s", resp.StatusCode, body)
	}

	// The token was single-use.
	resp, _ = st.do(t, http.MethodPost, "/v1/account/password/reset/confirm", "", map[string]string{
		"email": "owner@example.com", "token": msg.Token, "new_password": "brand-new-password-3",
	})
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("reused token: status %d", resp.StatusCode)
	}

	// Old password is gone, new one works.
	resp, _ = st.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "owner@example.com", "password": "original-password-1",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old password still valid: status %d", resp.StatusCode)
	}
	st.login(t, "owner@example.com", "brand-new-password-2")
}

func TestAPI_PasswordResetUnknownEmailStillAccepted(t *testing.T) {
	st := newAPIStack(t)

	resp, _ := st.do(t, http.MethodPost, "/v1/account/password/reset/request", "", map[string]string{
		"email": "ghost@example.com",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for unknown email, got %d", resp.StatusCode)
	}
}

func TestAPI_PasswordResetTamperedTokenForbidden(t *testing.T) {
	st := newAPIStack(t)

	resp, _ := st.do(t, http.MethodPost, "/v1/account/password/reset/request", "", map[string]string{
		"email": "owner@example.com",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("reset request: status %d", resp.StatusCode)
	}
	msg := st.mail.last(t)

	resp, _ = st.do(t, http.MethodPost, "/v1/account/password/reset/confirm", "", map[string]string{
		"email": "owner@example.com", "token": msg.Token + "x", "new_password": "brand-new-password-2",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered token: status %d (want 403)", resp.StatusCode)
	}

	// The live token survived the failed attempt.
	resp, body := st.do(t, http.MethodPost, "/v1/account/password/reset/confirm", "", map[string]string{
		"email": "owner@example.com", "token": msg.Token, "new_password": "brand-new-password-2",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("valid token after tamper: status %d body %s", resp.StatusCode, body)
	}
}

func TestAPI_EmailChangeFlow(t *testing.T) {
	st := newAPIStack(t)
	out := st.login(t, "owner@example.com", "original-password-1")

	resp, body := st.do(t, http.MethodPost, "/v1/account/email/change", out.Session.AccessToken, map[string]string{
		"new_email": "new-owner@example.com",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("email change: status %d body %s", resp.StatusCode, body)
	}
	msg := st.mail.last(t)
	if msg.Email != "new-owner@example.com" || msg.Action != string(stepup.ActionChangeEmail) {
		t.Fatalf("token mailed to the wrong place: %+v", msg)
	}

	resp, body = st.do(t, http.MethodPost, "/v1/account/email/confirm", out.Session.AccessToken, map[string]string{
		"new_email": "new-owner@example.com", "token": msg.Token,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("email confirm: status %d body %s", resp.StatusCode, body)
	}

	// The change bumped the credential version; old tokens are dead and the
	// account is reachable under the new address.
	resp, _ = st.do(t, http.MethodGet, "/v1/me", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale access token after email change: status %d", resp.StatusCode)
	}
	fresh := st.login(t, "new-owner@example.com", "original-password-1")

	resp, body = st.do(t, http.MethodGet, "/v1/me", fresh.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me after change: status %d", resp.StatusCode)
	}
	var me meResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Email != "new-owner@example.com" || me.EmailConfirmedAt == nil {
		t.Fatalf("unexpected me after change: %+v", me)
	}
}

func TestAPI_BindFlowEnablesTwoFactor(t *testing.T) {
	st := newAPIStack(t)
	out := st.login(t, "owner@example.com", "original-password-1")

	resp, body := st.do(t, http.MethodPost, "/v1/bind/token", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bind token: status %d body %s", resp.StatusCode, body)
	}
	var bt bindTokenResponse
	if err := json.Unmarshal(body, &bt); err != nil {
		t.Fatalf("decode bind token: %v", err)
	}
	if bt.BindToken == "" || bt.ExpiresInSeconds <= 0 {
		t.Fatalf("unexpected bind token payload: %+v", bt)
	}

	resp, body = st.do(t, http.MethodPost, "/v1/bind/consume", "", map[string]string{
		"bind_token": bt.BindToken, "destination": "chat:owner",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bind consume: status %d body %s", resp.StatusCode, body)
	}
	var bc bindConsumeResponse
	if err := json.Unmarshal(body, &bc); err != nil {
		t.Fatalf("decode bind consume: %v", err)
	}
	if bc.UserID != st.userID {
		t.Fatalf("bind resolved the wrong user: %+v", bc)
	}

	// One-shot: a replay is rejected.
	resp, _ = st.do(t, http.MethodPost, "/v1/bind/consume", "", map[string]string{
		"bind_token": bt.BindToken, "destination": "chat:other",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("replayed bind token: status %d", resp.StatusCode)
	}

	resp, body = st.do(t, http.MethodGet, "/v1/me", out.Session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", resp.StatusCode)
	}
	var me meResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if !me.TwoFactorEnabled {
		t.Fatalf("expected 2FA enabled after bind, got %+v", me)
	}
}
