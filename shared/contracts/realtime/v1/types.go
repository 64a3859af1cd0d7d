// Package v1 defines the Aegis Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a connection handshake (client -> server).
	// It carries the bearer credential when it was not supplied at upgrade time.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and confirms admission (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSuperseded notifies a connection that it is being evicted because a
	// newer connection pushed its owner's set over the capacity limit
	// (server -> client, followed by close).
	TypeSuperseded = "superseded"

	// TypeError is a terminal error envelope (server -> client).
	TypeError = "error"
)

// Error/notice codes used inside ErrorPayload and SupersededPayload.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadEnvelope  = "bad_envelope"
	CodeRateLimited  = "rate_limited"
	CodeSuperseded   = "superseded"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSuperseded,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to authenticate the connection.
// Token may be empty when the credential was already supplied at upgrade time.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload confirms admission and returns the server-assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
}

// SupersededPayload is delivered to an evicted connection before it is closed.
type SupersededPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is a terminal error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
