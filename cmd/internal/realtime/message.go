package realtime

import (
	"context"
	"encoding/json"
	"strings"

	v1 "deskwire/shared/contracts/realtime/v1"
)

// ChannelType identifies the kind of channel a message belongs to.
type ChannelType uint8

const (
	ChannelTypePerson          ChannelType = 1
	ChannelTypeGroup           ChannelType = 2
	ChannelTypeCustomerService ChannelType = 3
	ChannelTypeVisitor         ChannelType = 251
)

// ContentType discriminates message payloads.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentFile   ContentType = "file"
	ContentMixed  ContentType = "mixed"
	ContentSystem ContentType = "system"
	ContentStream ContentType = "stream"
)

// Payload is the decoded message body. Only the fields relevant to Type are set.
type Payload struct {
	Type ContentType `json:"type"`

	Text string `json:"content,omitempty"`

	URL    string `json:"url,omitempty"`
	Name   string `json:"name,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`

	// Mixed payloads carry an ordered list of parts.
	Parts []Payload `json:"parts,omitempty"`

	// Extra keeps fields this client does not model (system message templates etc).
	Extra map[string]any `json:"extra,omitempty"`
}

// TextPayload is a convenience constructor for plain text messages.
func TextPayload(text string) Payload {
	return Payload{Type: ContentText, Text: text}
}

// DecodePayload decodes a wire payload. Unknown or malformed payloads decode to
// a system payload carrying the raw JSON so they still render as something.
func DecodePayload(raw json.RawMessage) Payload {
	if len(raw) == 0 {
		return Payload{Type: ContentText}
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{Type: ContentSystem, Text: string(raw)}
	}
	if strings.TrimSpace(string(p.Type)) == "" {
		p.Type = ContentText
	}
	return p
}

// Message is an inbound chat message. Values are treated as immutable:
// reconciliation replaces entries instead of mutating them.
type Message struct {
	ChannelID   string
	ChannelType ChannelType
	FromUID     string
	MessageID   string
	ClientMsgNo string
	MessageSeq  int64
	Timestamp   int64 // unix seconds
	Payload     Payload
	StreamData  string
	Error       string
}

// Keys returns the identifiers a message can be deduplicated by.
func (m Message) Keys() (messageID, clientMsgNo string) {
	return m.MessageID, m.ClientMsgNo
}

// MessageFromWire converts a wire message into a Message.
func MessageFromWire(p v1.MessagePayload) Message {
	return Message{
		ChannelID:   p.ChannelID,
		ChannelType: ChannelType(p.ChannelType),
		FromUID:     p.FromUID,
		MessageID:   p.MessageID,
		ClientMsgNo: p.ClientMsgNo,
		MessageSeq:  p.MessageSeq,
		Timestamp:   p.Timestamp,
		Payload:     DecodePayload(p.Payload),
		StreamData:  p.StreamData,
		Error:       p.Error,
	}
}

// ToWire converts a Message into its wire form.
func (m Message) ToWire() v1.MessagePayload {
	raw, _ := json.Marshal(m.Payload)
	return v1.MessagePayload{
		ChannelID:   m.ChannelID,
		ChannelType: uint8(m.ChannelType),
		FromUID:     m.FromUID,
		MessageID:   m.MessageID,
		ClientMsgNo: m.ClientMsgNo,
		MessageSeq:  m.MessageSeq,
		Timestamp:   m.Timestamp,
		Payload:     raw,
		StreamData:  m.StreamData,
		Error:       m.Error,
	}
}

// StreamDelta is an incremental content fragment for a message still being generated.
type StreamDelta struct {
	ClientMsgNo string
	Content     string
}

// StreamEnd terminates a stream. A non-empty Error means the stream failed.
type StreamEnd struct {
	ClientMsgNo string
	Error       string
}

// Presence is an online/offline transition for a visitor channel.
type Presence struct {
	VisitorID   string
	ChannelID   string
	ChannelType ChannelType
	Online      bool
	Timestamp   int64
	EventType   string
}

// ProfileUpdate signals that a visitor profile changed and should be refetched.
type ProfileUpdate struct {
	VisitorID   string
	ChannelID   string
	ChannelType ChannelType
}

// PullMode selects the direction of a history fetch.
type PullMode string

const (
	PullOlder PullMode = v1.PullOlder
	PullNewer PullMode = v1.PullNewer
)

// HistoryQuery describes one page request.
// StartSeq is exclusive; zero means "from the newest" for older pulls and "from the beginning" for newer pulls.
type HistoryQuery struct {
	ChannelID   string
	ChannelType ChannelType
	StartSeq    int64
	EndSeq      int64
	Limit       int
	PullMode    PullMode
}

// HistoryPage is one page of history ordered by MessageSeq ascending.
type HistoryPage struct {
	Messages []Message
	StartSeq int64
	EndSeq   int64
	More     bool
}

// HistoryFetcher is the request/response history source.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error)
}

// HistoryFetcherFunc adapts a function to HistoryFetcher.
type HistoryFetcherFunc func(ctx context.Context, q HistoryQuery) (HistoryPage, error)

// FetchHistory implements HistoryFetcher.
func (f HistoryFetcherFunc) FetchHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	return f(ctx, q)
}

// ToWire converts the query into a history_fetch payload.
func (q HistoryQuery) ToWire() v1.HistoryFetchPayload {
	out := v1.HistoryFetchPayload{
		ChannelID:   q.ChannelID,
		ChannelType: uint8(q.ChannelType),
		Limit:       q.Limit,
		PullMode:    string(q.PullMode),
	}
	if q.StartSeq > 0 {
		s := q.StartSeq
		out.StartSeq = &s
	}
	if q.EndSeq > 0 {
		e := q.EndSeq
		out.EndSeq = &e
	}
	if out.PullMode == "" {
		out.PullMode = v1.PullOlder
	}
	return out
}

// HistoryQueryFromWire converts a history_fetch payload into a query.
func HistoryQueryFromWire(p v1.HistoryFetchPayload) HistoryQuery {
	q := HistoryQuery{
		ChannelID:   p.ChannelID,
		ChannelType: ChannelType(p.ChannelType),
		Limit:       p.Limit,
		PullMode:    PullMode(p.PullMode),
	}
	if p.StartSeq != nil {
		q.StartSeq = *p.StartSeq
	}
	if p.EndSeq != nil {
		q.EndSeq = *p.EndSeq
	}
	if q.PullMode != PullNewer {
		q.PullMode = PullOlder
	}
	return q
}

// PageFromWire converts a history_chunk payload into a page.
func PageFromWire(p v1.HistoryChunkPayload) HistoryPage {
	msgs := make([]Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		msgs = append(msgs, MessageFromWire(m))
	}
	return HistoryPage{Messages: msgs, StartSeq: p.StartSeq, EndSeq: p.EndSeq, More: p.More}
}

// ToWire converts a page into a history_chunk payload.
func (p HistoryPage) ToWire(channelID string, channelType ChannelType) v1.HistoryChunkPayload {
	msgs := make([]v1.MessagePayload, 0, len(p.Messages))
	for _, m := range p.Messages {
		msgs = append(msgs, m.ToWire())
	}
	return v1.HistoryChunkPayload{
		ChannelID:   channelID,
		ChannelType: uint8(channelType),
		Messages:    msgs,
		StartSeq:    p.StartSeq,
		EndSeq:      p.EndSeq,
		More:        p.More,
	}
}
