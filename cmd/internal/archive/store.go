// Package archive persists chat messages by channel and serves them back as
// history pages. It backs the development gateway and doubles as a local
// cache in front of a remote history source.
package archive

import (
	"context"
	"errors"
	"strings"
	"time"

	"deskwire/cmd/internal/realtime"
)

var (
	ErrInvalidInput = errors.New("archive: invalid input")
	ErrNilStore     = errors.New("archive: nil store")
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Store persists and queries messages.
//
// Requirements:
//   - Idempotency per (channel_id, channel_type, client_msg_no)
//   - Monotonic message_seq per channel (no gaps for duplicates)
//   - History pages ordered by message_seq ASC
type Store interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	// Put stores messages that already carry a server sequence (e.g. fetched
	// from a remote source). Messages without a sequence are skipped.
	Put(ctx context.Context, msgs []realtime.Message) error
	FetchHistory(ctx context.Context, q realtime.HistoryQuery) (realtime.HistoryPage, error)
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	ChannelID   string
	ChannelType realtime.ChannelType
	ClientMsgNo string
	FromUID     string
	Payload     realtime.Payload
	Now         time.Time
}

func (in AppendInput) validate() error {
	if strings.TrimSpace(in.ChannelID) == "" || in.ChannelType == 0 || strings.TrimSpace(in.ClientMsgNo) == "" {
		return ErrInvalidInput
	}
	return nil
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     realtime.Message
	Duplicated bool
}

func validateQuery(q realtime.HistoryQuery) error {
	if strings.TrimSpace(q.ChannelID) == "" || q.ChannelType == 0 {
		return ErrInvalidInput
	}
	if q.StartSeq < 0 || q.EndSeq < 0 {
		return ErrInvalidInput
	}
	return nil
}

func pageLimit(n int) int {
	if n <= 0 {
		return defaultPageLimit
	}
	if n > maxPageLimit {
		return maxPageLimit
	}
	return n
}

// newPage fills the page bounds from msgs, which must be ascending.
func newPage(msgs []realtime.Message, more bool) realtime.HistoryPage {
	p := realtime.HistoryPage{Messages: msgs, More: more}
	if len(msgs) > 0 {
		p.StartSeq = msgs[0].MessageSeq
		p.EndSeq = msgs[len(msgs)-1].MessageSeq
	}
	return p
}
