package v1

import "encoding/json"

// ---- Payloads ----

// HelloPayload is sent by the client to authenticate a session.
type HelloPayload struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}

// HelloAckPayload carries the server-side session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// MessageSendPayload requests sending a message into a channel.
// ClientMsgNo is the idempotency key; the server echoes it back.
type MessageSendPayload struct {
	ChannelID   string          `json:"channel_id"`
	ChannelType uint8           `json:"channel_type"`
	ClientMsgNo string          `json:"client_msg_no"`
	Payload     json.RawMessage `json:"payload"`
}

// MessageAckPayload reports the outcome of a send request.
type MessageAckPayload struct {
	ClientMsgNo string `json:"client_msg_no"`
	MessageID   string `json:"message_id"`
	MessageSeq  int64  `json:"message_seq"`
	ReasonCode  uint8  `json:"reason_code"`
}

// MessagePayload is a chat message as delivered by message_new and history_chunk.
type MessagePayload struct {
	ChannelID   string          `json:"channel_id"`
	ChannelType uint8           `json:"channel_type"`
	FromUID     string          `json:"from_uid"`
	MessageID   string          `json:"message_id"`
	ClientMsgNo string          `json:"client_msg_no"`
	MessageSeq  int64           `json:"message_seq"`
	Timestamp   int64           `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
	StreamData  string          `json:"stream_data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// EventPayload is the generic custom event envelope.
// Data is either a JSON string or a JSON object depending on the event type.
type EventPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Pull modes for history fetches.
const (
	PullOlder = "older"
	PullNewer = "newer"
)

// HistoryFetchPayload requests a history window for a channel.
// StartSeq is exclusive: older pulls return seq < StartSeq, newer pulls seq > StartSeq.
// EndSeq optionally bounds the window on the other side (inclusive).
type HistoryFetchPayload struct {
	ChannelID   string `json:"channel_id"`
	ChannelType uint8  `json:"channel_type"`
	StartSeq    *int64 `json:"start_seq,omitempty"`
	EndSeq      *int64 `json:"end_seq,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	PullMode    string `json:"pull_mode"`
}

// HistoryChunkPayload returns messages for a history fetch request, ordered by seq ASC.
type HistoryChunkPayload struct {
	ChannelID   string           `json:"channel_id"`
	ChannelType uint8            `json:"channel_type"`
	Messages    []MessagePayload `json:"messages"`
	StartSeq    int64            `json:"start_seq"`
	EndSeq      int64            `json:"end_seq"`
	More        bool             `json:"more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
