// Package history reconciles paged history with the live event stream into
// one ordered, deduplicated list per conversation and tracks the viewport
// signals a renderer needs to keep the scroll position stable.
package history

import (
	"time"

	"deskwire/cmd/internal/realtime"
)

// Source tells where an entry came from.
type Source uint8

const (
	SourceHistory Source = iota + 1
	SourceLive
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourceHistory:
		return "history"
	case SourceLive:
		return "live"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

// LocalState is the lifecycle of an optimistic local echo.
type LocalState string

const (
	LocalPending   LocalState = "pending"
	LocalUploading LocalState = "uploading"
	LocalSent      LocalState = "sent"
	LocalFailed    LocalState = "failed"
	LocalCancelled LocalState = "cancelled"
)

// Entry is one render-ready row.
type Entry struct {
	// Key is stable across re-renders: the message id when known, else the client msg no.
	Key     string
	Source  Source
	Message realtime.Message

	// Local echo fields.
	State LocalState
	Err   error

	// Stream fields. Streaming is true until the stream ends.
	Streaming     bool
	StreamContent string
	StreamError   string

	createdAt time.Time
}

// At returns the time used for ordering labels and separators.
func (e Entry) At() time.Time {
	if e.Message.Timestamp > 0 {
		return time.Unix(e.Message.Timestamp, 0)
	}
	return e.createdAt
}

func entryKey(m realtime.Message) string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.ClientMsgNo
}
