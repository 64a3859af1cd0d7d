package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"

	"aegis/cmd/identity"
	"aegis/cmd/internal/auth/session"
	"aegis/cmd/internal/kv"
	v1 "aegis/shared/contracts/realtime/v1"
)

type wsTestStack struct {
	gateway   *WSGateway
	admission *Admission
	sessions  *session.Service
	server    *httptest.Server

	accessToken string
	userID      string
}

func newWSTestStack(t *testing.T) *wsTestStack {
	t.Helper()
	t.Setenv("AEGIS_WS_ORIGIN_REQUIRED", "false")

	secret := paseto.NewV4AsymmetricSecretKey()
	cfg := session.DefaultConfig()
	cfg.PasetoV4SecretKeyHex = secret.ExportHex()

	mgr, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	users := identity.NewMemoryStore()
	u, err := users.CreateUser(context.Background(), identity.CreateUserInput{
		Email:    "ws@example.com",
		Password: "very-strong-password-1",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	store := kv.NewMemoryStore()
	versions := session.NewVersions(store, users, cfg.VersionCacheTTL)
	sessions := session.NewService(cfg, mgr, versions, users)

	issued, err := sessions.Login(context.Background(), time.Now().UTC(), "ws@example.com", "very-strong-password-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	admission := NewAdmission(store)
	admission.entryTTL = time.Hour

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := NewWSGateway(log, NewHub(log), sessions, admission)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &wsTestStack{
		gateway:     gw,
		admission:   admission,
		sessions:    sessions,
		server:      ts,
		accessToken: issued.AccessToken,
		userID:      u.ID,
	}
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func TestWSGateway_BearerHeaderAdmitsAndAcks(t *testing.T) {
	st := newWSTestStack(t)

	conn, resp, err := dialWS(t, st.server.URL, "", st.accessToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ack := readUntilType(t, conn, v1.TypeHelloAck, 2)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	if p.ConnectionID == "" {
		t.Fatalf("expected a server-assigned connection id")
	}

	conns, err := st.admission.Connections(context.Background(), st.userID)
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns) != 1 || conns[0] != p.ConnectionID {
		t.Fatalf("expected connection set [%s], got %v", p.ConnectionID, conns)
	}
}

func TestWSGateway_HelloFrameCredentialAdmits(t *testing.T) {
	st := newWSTestStack(t)

	conn, resp, err := dialWS(t, st.server.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "hello-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.HelloPayload{Token: st.accessToken}),
	})

	ack := readUntilType(t, conn, v1.TypeHelloAck, 2)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	if p.ConnectionID == "" {
		t.Fatalf("expected a server-assigned connection id")
	}
}

func TestWSGateway_InvalidCredentialGetsErrorThenClose(t *testing.T) {
	st := newWSTestStack(t)

	conn, resp, err := dialWS(t, st.server.URL, "", "not-a-valid-credential")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	errEnv := readUntilType(t, conn, v1.TypeError, 1)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != v1.CodeUnauthorized {
		t.Fatalf("expected code %q, got %q", v1.CodeUnauthorized, p.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatalf("expected the server to close after the unauthorized envelope")
	}
}

func TestWSGateway_RevokedCredentialRejected(t *testing.T) {
	st := newWSTestStack(t)

	if _, err := st.sessions.InvalidateAll(context.Background(), st.userID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	conn, resp, err := dialWS(t, st.server.URL, "", st.accessToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	errEnv := readUntilType(t, conn, v1.TypeError, 1)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != v1.CodeUnauthorized {
		t.Fatalf("expected code %q, got %q", v1.CodeUnauthorized, p.Code)
	}
}

func TestWSGateway_OverflowSupersedesOldest(t *testing.T) {
	st := newWSTestStack(t)
	st.admission.userLimit = 1

	first, resp, err := dialWS(t, st.server.URL, "", st.accessToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer func() { _ = first.Close(websocket.StatusNormalClosure, "bye") }()
	_ = readUntilType(t, first, v1.TypeHelloAck, 2)

	second, resp, err := dialWS(t, st.server.URL, "", st.accessToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer func() { _ = second.Close(websocket.StatusNormalClosure, "bye") }()
	_ = readUntilType(t, second, v1.TypeHelloAck, 2)

	// The first connection receives the superseded notice, then a close
	// frame with the superseded close code.
	notice := readUntilType(t, first, v1.TypeSuperseded, 2)
	var p v1.SupersededPayload
	if err := json.Unmarshal(notice.Payload, &p); err != nil {
		t.Fatalf("decode superseded payload: %v", err)
	}
	if p.Code != v1.CodeSuperseded {
		t.Fatalf("expected code %q, got %q", v1.CodeSuperseded, p.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, readErr := first.Read(ctx)
	if readErr == nil {
		t.Fatalf("expected the superseded connection to be closed")
	}
	if got := websocket.CloseStatus(readErr); got != wsCloseSuperseded {
		t.Fatalf("expected close status %d, got %d (err=%v)", wsCloseSuperseded, got, readErr)
	}
}

// failingSetStore fails bounded-set writes for one key prefix, standing in
// for a store that loses its backend between the two admission inserts.
type failingSetStore struct {
	kv.Store
	failPrefix string
}

func (s *failingSetStore) AddBounded(ctx context.Context, key, member string, limit int, ttl time.Duration) ([]string, error) {
	if strings.HasPrefix(key, s.failPrefix) {
		return nil, errors.New("set backend unavailable")
	}
	return s.Store.AddBounded(ctx, key, member, limit, ttl)
}

func TestWSGateway_FailedAdmissionHoldsNoCapacity(t *testing.T) {
	st := newWSTestStack(t)

	// User-set insert succeeds, address-set insert fails: the connection is
	// refused, and the half-admitted entry must not linger in the user set.
	st.admission.store = &failingSetStore{Store: st.admission.store, failPrefix: "rt:conn:ip:"}

	conn, resp, err := dialWS(t, st.server.URL, "http://localhost", st.accessToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	env := readUntilType(t, conn, v1.TypeError, 3)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if p.Code != v1.CodeBadEnvelope {
		t.Fatalf("error code %q", p.Code)
	}

	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, readErr := conn.Read(readCtx); readErr == nil {
		t.Fatalf("expected the refused connection to be closed")
	}

	conns, err := st.admission.Connections(context.Background(), st.userID)
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(conns) != 0 {
		t.Fatalf("refused admission left %d entries in the user set: %v", len(conns), conns)
	}
}

func TestWSGateway_MissingOriginRejectedWhenRequired(t *testing.T) {
	st := newWSTestStack(t)
	st.gateway.originRequired = true

	conn, resp, err := dialWS(t, st.server.URL, "", st.accessToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		t.Fatalf("expected handshake rejection without an Origin header")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 403, got status=%d err=%v", status, err)
	}
}
