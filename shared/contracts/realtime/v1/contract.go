// Package v1 defines the deskwire Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client core and gateways to keep the wire protocol authoritative.
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

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "deskwire.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck carries the send result with a reason code (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers a chat message (server -> channel subscribers).
	TypeMessageNew = "message_new"

	// TypeEvent carries a custom event (streaming deltas, presence, queue...) (server -> client).
	TypeEvent = "event"

	// TypeHistoryFetch requests a window of channel history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Custom event types carried inside TypeEvent envelopes.
const (
	EventStreamContent  = "stream.content"
	EventStreamEnd      = "stream.end"
	EventVisitorOnline  = "visitor.online"
	EventVisitorOffline = "visitor.offline"
	EventProfileUpdated = "visitor.profile.updated"
	EventQueueUpdated   = "queue.updated"
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
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeEvent,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Application close codes (4000-4999 range).
// The client never reconnects after one of these.
const (
	CloseAuthFailed    = 4001
	CloseBanned        = 4003
	CloseKicked        = 4004
	CloseTokenExpired  = 4005
	CloseProtocolError = 4400
)

// Error codes used in ErrorPayload.Code.
const (
	ErrCodeAuthFailed    = "auth_failed"
	ErrCodeBadEnvelope   = "bad_envelope"
	ErrCodeBadJSON       = "bad_json"
	ErrCodeNotHello      = "hello_required"
	ErrCodeHistoryFailed = "history_failed"
	ErrCodeUnsupported   = "unsupported"
)
