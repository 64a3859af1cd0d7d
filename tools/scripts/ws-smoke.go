// Package main provides a CI-friendly WebSocket smoke test for the Aegis
// realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - bearer credential acceptance (header or hello frame)
//   - hello/ack connection establishment
//   - connection-cap supersede: opening connections past the per-user cap
//     must evict the oldest with a superseded notice and close code 4409
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "aegis/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "aegis.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB

	closeSuperseded = websocket.StatusCode(4409)
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	connID string
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token    = flag.String("token", "", "Access credential (PASETO) for the test user")
		useHello = flag.Bool("hello", false, "Send the credential in a hello frame instead of the Authorization header")
		conns    = flag.Int("conns", 2, "Number of connections to open for the user")
		userCap  = flag.Int("cap", 0, "Server per-user connection cap; when >0 and conns > cap, assert supersede of the oldest")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("-token is required (mint one via POST /v1/auth/login)")
	}
	if *conns < 1 {
		fatalf("-conns must be >= 1")
	}

	root := context.Background()

	clients := make([]*smokeClient, 0, *conns)
	defer func() {
		for _, c := range clients {
			closeWS(c.conn)
		}
	}()

	for i := 0; i < *conns; i++ {
		name := fmt.Sprintf("C%d", i+1)
		c := mustConnect(root, name, *wsURL, *origin, *token, *useHello, *timeout)
		clients = append(clients, c)
		if *verbose {
			fmt.Printf("connected: %s conn_id=%s\n", c.name, c.connID)
		}
	}

	if *userCap > 0 && *conns > *userCap {
		victim := clients[*conns-*userCap-1]
		mustBeSuperseded(root, victim, *timeout)
		if *verbose {
			fmt.Printf("superseded: %s closed with %d\n", victim.name, closeSuperseded)
		}
	}

	fmt.Println("ws-smoke: OK")
}

func mustConnect(ctx context.Context, name, wsURL, origin, token string, useHello bool, timeout time.Duration) *smokeClient {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Origin", origin)
	if !useHello {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("%s: dial: %v (http status %d)", name, err, status)
	}
	conn.SetReadLimit(maxReadBytes)

	if got := conn.Subprotocol(); got != defaultSubprotocol {
		fatalf("%s: subprotocol %q, want %q", name, got, defaultSubprotocol)
	}

	if useHello {
		hello := v1.Envelope{
			V:       v1.Version,
			Type:    v1.TypeHello,
			TS:      time.Now().UTC(),
			Payload: mustRaw(v1.HelloPayload{Token: token}),
		}
		writeCtx, cancelWrite := context.WithTimeout(ctx, timeout)
		defer cancelWrite()
		if err := writeEnvelope(writeCtx, conn, hello); err != nil {
			fatalf("%s: write hello: %v", name, err)
		}
	}

	env, err := readUntil(ctx, conn, v1.TypeHelloAck, timeout)
	if err != nil {
		fatalf("%s: await hello_ack: %v", name, err)
	}

	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		fatalf("%s: decode hello_ack: %v", name, err)
	}
	if ack.ConnectionID == "" {
		fatalf("%s: hello_ack missing connection_id", name)
	}

	return &smokeClient{name: name, conn: conn, connID: ack.ConnectionID}
}

func mustBeSuperseded(ctx context.Context, c *smokeClient, timeout time.Duration) {
	env, err := readUntil(ctx, c.conn, v1.TypeSuperseded, timeout)
	if err == nil {
		var p v1.SupersededPayload
		if derr := json.Unmarshal(env.Payload, &p); derr != nil {
			fatalf("%s: decode superseded: %v", c.name, derr)
		}
		if p.Code != v1.CodeSuperseded {
			fatalf("%s: superseded code %q, want %q", c.name, p.Code, v1.CodeSuperseded)
		}
		// The notice is followed by the close frame; drain until it lands.
		_, err = readUntil(ctx, c.conn, "never", timeout)
	}

	status := websocket.CloseStatus(err)
	if status != closeSuperseded {
		fatalf("%s: close status %d (err=%v), want %d", c.name, status, err, closeSuperseded)
	}
}

func readUntil(ctx context.Context, conn *websocket.Conn, typ string, timeout time.Duration) (v1.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return v1.Envelope{}, fmt.Errorf("timed out waiting for %q", typ)
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		mt, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return v1.Envelope{}, err
		}
		if mt != websocket.MessageText {
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return v1.Envelope{}, fmt.Errorf("decode frame: %w", err)
		}
		if env.Type == typ {
			return env, nil
		}
		// Heartbeats and notices for other steps are skipped.
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	return data
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func closeWS(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
