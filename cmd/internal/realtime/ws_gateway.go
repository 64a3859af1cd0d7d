package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "aegis/shared/contracts/realtime/v1"

	"aegis/cmd/internal/auth/session"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "aegis.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout     = 5 * time.Second
	wsDefaultReadIdle         = 2 * time.Minute
	wsDefaultHandshakeTimeout = 10 * time.Second
	wsCloseGrace              = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// wsCloseSuperseded is the close code delivered to a connection displaced by
// a newer admission. Application close codes live in the 4000-4999 range.
const wsCloseSuperseded = websocket.StatusCode(4409)

// WSGateway is the WebSocket entrypoint for Aegis realtime.
//
// It enforces origin policy, subprotocol selection, credential validation,
// connection admission, rate limits, and heartbeats. A connection is not
// registered anywhere until its bearer credential validates against the
// session service; admission then records it in the bounded kv sets and
// displaces the oldest connection of any set it overflows.
type WSGateway struct {
	log       *slog.Logger
	hub       *Hub
	sessions  *session.Service
	admission *Admission

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout     time.Duration
	readIdleTimeout  time.Duration
	handshakeTimeout time.Duration
	sendQueueSize    int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// sessions and admission are required collaborators; hub may be nil for a
// fresh per-instance registry.
func NewWSGateway(log *slog.Logger, hub *Hub, sessions *session.Service, admission *Admission) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, sessions: sessions, admission: admission}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("AEGIS_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("AEGIS_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("AEGIS_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("AEGIS_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("AEGIS_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.handshakeTimeout = envDurationWS("AEGIS_WS_HANDSHAKE_TIMEOUT", wsDefaultHandshakeTimeout)

	g.sendQueueSize = envIntWS("AEGIS_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("AEGIS_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("AEGIS_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("AEGIS_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("AEGIS_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket connection, runs the
// handshake (credential validation + admission), and then the notice loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	addr := clientAddr(r)

	// Handshake: credential at upgrade time (Authorization header or token
	// query param), else the first frame must be a hello carrying it. The
	// error taxonomy is deliberately flat: every credential failure is the
	// same unauthorized envelope.
	claims, err := g.authenticate(ctx, conn, r)
	if err != nil {
		reason := "unauthorized"
		if !errors.Is(err, session.ErrCredentialInvalid) {
			reason = "bad_hello"
		}
		handshakeFailures.WithLabelValues(reason).Inc()
		g.log.Info("ws.reject.credential", "reason", reason, "remote", addr)
		g.writeTerminalError(ctx, conn, v1.CodeUnauthorized, "credential missing or invalid")
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	connID, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.connid.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "id")
		return
	}

	client := NewClient(claims.UserID, connID, g.sendQueueSize)
	g.hub.Register(client)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Registry removal happens before client.Close so late notifiers see a
	// consistent view; Release uses a fresh context because ctx is already
	// canceled on most teardown paths.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(connID)

			relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.admission.Release(relCtx, connID, claims.UserID, addr); err != nil {
				g.log.Warn("ws.release.fail", "conn_id", connID, "err", err)
			}
			relCancel()

			connectionsOpen.Dec()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	evicted, err := g.admission.Admit(ctx, connID, claims.UserID, addr)
	if err != nil {
		g.log.Error("ws.admit.fail", "conn_id", connID, "err", err)
		g.hub.Unregister(connID)
		// Admit may have landed the conn in one set before the other write
		// failed; Release both so the failed admission holds no capacity.
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if relErr := g.admission.Release(relCtx, connID, claims.UserID, addr); relErr != nil {
			g.log.Warn("ws.release.fail", "conn_id", connID, "err", relErr)
		}
		relCancel()
		g.writeTerminalError(ctx, conn, v1.CodeBadEnvelope, "admission unavailable")
		_ = conn.Close(websocket.StatusInternalError, "admission failed")
		return
	}
	connectionsAdmitted.Inc()
	connectionsOpen.Inc()
	g.supersedeEvicted(ctx, evicted)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Watch for displacement by a newer admission. The superseded notice is
	// already on client.Send when Supersede fires; the grace sleep gives the
	// writer a beat to flush it before the close frame.
	go func() {
		select {
		case <-ctx.Done():
		case <-client.Done():
		case <-client.Superseded():
			time.Sleep(wsCloseGrace)
			shutdown(wsCloseSuperseded, "superseded")
		}
	}()

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{ConnectionID: connID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		shutdown(websocket.StatusAbnormalClosure, "backpressure: hello_ack")
		return
	}

	g.log.Info("ws.admitted", "conn_id", connID, "user_id", claims.UserID, "remote", addr, "evicted", len(evicted))

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		// The post-handshake surface is server->client only. A repeated
		// hello is tolerated (idempotent ack) so clients with a retrying
		// handshake do not get dropped.
		switch env.Type {
		case v1.TypeHello:
			ackPayload, _ := json.Marshal(v1.HelloAckPayload{ConnectionID: connID})
			if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ackPayload, now)) {
				shutdown(websocket.StatusAbnormalClosure, "backpressure: hello_ack")
				break readLoop
			}
		default:
			g.trySendError(ctx, client, v1.CodeBadEnvelope, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake ----

// authenticate resolves the bearer credential for a fresh connection and
// validates it as an access credential. It never distinguishes failure modes
// to the caller beyond "credential" vs "protocol".
func (g *WSGateway) authenticate(ctx context.Context, conn *websocket.Conn, r *http.Request) (session.Claims, error) {
	tok := bearerFromRequest(r)

	if tok == "" {
		hsCtx, hsCancel := context.WithTimeout(ctx, g.handshakeTimeout)
		env, err := readEnvelope(hsCtx, conn)
		hsCancel()
		if err != nil {
			return session.Claims{}, fmt.Errorf("handshake read: %w", err)
		}
		if err := env.Validate(); err != nil {
			return session.Claims{}, fmt.Errorf("handshake envelope: %w", err)
		}
		if env.Type != v1.TypeHello {
			return session.Claims{}, fmt.Errorf("handshake: expected hello, got %q", env.Type)
		}
		var p v1.HelloPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return session.Claims{}, fmt.Errorf("handshake payload: %w", err)
		}
		tok = strings.TrimSpace(p.Token)
	}

	if tok == "" {
		return session.Claims{}, session.ErrCredentialInvalid
	}

	return g.sessions.Validate(ctx, tok, session.KindAccess, time.Now().UTC())
}

// bearerFromRequest extracts the credential supplied at upgrade time:
// Authorization: Bearer header first, token query param as the fallback for
// browser clients that cannot set headers on websocket upgrades.
func bearerFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// clientAddr returns the peer address used for the per-address connection
// set: first X-Forwarded-For hop when present, else RemoteAddr host.
func clientAddr(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		if s := strings.TrimSpace(xff); s != "" {
			return s
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// supersedeEvicted delivers superseded notices to displaced connections on
// this instance and marks them for close. Connections on other instances are
// invisible here; their kv entries are already gone and their sockets expire
// via the entry TTL.
func (g *WSGateway) supersedeEvicted(ctx context.Context, evicted []Evicted) {
	for _, ev := range evicted {
		connectionsEvicted.WithLabelValues(ev.Scope()).Inc()

		victim, ok := g.hub.Get(ev.ConnID)
		if !ok {
			g.log.Info("ws.evict.remote", "conn_id", ev.ConnID, "scope", ev.Scope())
			continue
		}

		p, _ := json.Marshal(v1.SupersededPayload{
			Code:    v1.CodeSuperseded,
			Message: "a newer connection displaced this one",
		})
		g.enqueue(ctx, victim, newEnvelope(v1.TypeSuperseded, p, time.Now().UTC()))
		victim.Supersede()

		g.log.Info("ws.evict.local", "conn_id", ev.ConnID, "scope", ev.Scope(), "user_id", victim.UserID)
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// writeTerminalError writes an error envelope directly, for rejections that
// happen before a client (and its writer goroutine) exists.
func (g *WSGateway) writeTerminalError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
