// Package ids provides identifier primitives shared by the realtime client and the dev gateway.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps envelope ids ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot return an error.
// It falls back to a UUID when the entropy source fails.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// NewClientMsgNo returns a client-side idempotency key for an outbound message.
// The server echoes it back on ack and on the fan-out copy of the message.
func NewClientMsgNo() string {
	return uuid.NewString()
}

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewMessageID returns the server-assigned id of a stored message.
func NewMessageID(now time.Time) string {
	return MustULID(now)
}

// NewRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// Callers treat empty as an error-like condition in logs/tests.
		return ""
	}

	return hex.EncodeToString(b)
}
