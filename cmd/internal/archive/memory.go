package archive

import (
	"context"
	"sort"
	"sync"
	"time"

	"deskwire/cmd/internal/ids"
	"deskwire/cmd/internal/realtime"
)

const memMaxMessagesPerChannel = 10_000

// MemoryStore is an in-process Store used when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	channels map[channelKey]*memChannel
}

type channelKey struct {
	id  string
	typ realtime.ChannelType
}

type memChannel struct {
	seq    int64
	dedupe map[string]int64   // client_msg_no -> message_seq
	msgs   []realtime.Message // ordered by message_seq, unique
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[channelKey]*memChannel)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) channelLocked(id string, typ realtime.ChannelType) *memChannel {
	k := channelKey{id: id, typ: typ}
	c := s.channels[k]
	if c == nil {
		c = &memChannel{
			dedupe: make(map[string]int64),
			msgs:   make([]realtime.Message, 0, 64),
		}
		s.channels[k] = c
	}
	return c
}

// Append stores a message with idempotency and monotonic sequence allocation.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil {
		return AppendResult{}, ErrNilStore
	}
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.channelLocked(in.ChannelID, in.ChannelType)
	if seq, ok := c.dedupe[in.ClientMsgNo]; ok {
		if m, found := c.find(seq); found {
			return AppendResult{Stored: m, Duplicated: true}, nil
		}
	}

	c.seq++
	msg := realtime.Message{
		ChannelID:   in.ChannelID,
		ChannelType: in.ChannelType,
		FromUID:     in.FromUID,
		MessageID:   ids.NewMessageID(now),
		ClientMsgNo: in.ClientMsgNo,
		MessageSeq:  c.seq,
		Timestamp:   now.Unix(),
		Payload:     in.Payload,
	}
	c.insert(msg)
	return AppendResult{Stored: msg}, nil
}

// Put stores already-sequenced messages. Existing sequences are kept as-is.
func (s *MemoryStore) Put(ctx context.Context, msgs []realtime.Message) error {
	if s == nil {
		return ErrNilStore
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if m.MessageSeq <= 0 || m.ChannelID == "" || m.ChannelType == 0 {
			continue
		}
		c := s.channelLocked(m.ChannelID, m.ChannelType)
		if _, found := c.find(m.MessageSeq); found {
			continue
		}
		if m.ClientMsgNo != "" {
			if _, dup := c.dedupe[m.ClientMsgNo]; dup {
				continue
			}
		}
		c.insert(m)
		if m.MessageSeq > c.seq {
			c.seq = m.MessageSeq
		}
	}
	return nil
}

func (c *memChannel) find(seq int64) (realtime.Message, bool) {
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].MessageSeq >= seq })
	if i < len(c.msgs) && c.msgs[i].MessageSeq == seq {
		return c.msgs[i], true
	}
	return realtime.Message{}, false
}

func (c *memChannel) insert(m realtime.Message) {
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].MessageSeq >= m.MessageSeq })
	c.msgs = append(c.msgs, realtime.Message{})
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = m
	if m.ClientMsgNo != "" {
		c.dedupe[m.ClientMsgNo] = m.MessageSeq
	}

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerChannel {
		drop := c.msgs[:len(c.msgs)-memMaxMessagesPerChannel]
		for _, d := range drop {
			if d.ClientMsgNo != "" {
				delete(c.dedupe, d.ClientMsgNo)
			}
		}
		c.msgs = append([]realtime.Message(nil), c.msgs[len(drop):]...)
	}
}

// FetchHistory returns one page of a channel ordered by message_seq ASC.
func (s *MemoryStore) FetchHistory(ctx context.Context, q realtime.HistoryQuery) (realtime.HistoryPage, error) {
	if s == nil {
		return realtime.HistoryPage{}, ErrNilStore
	}
	if err := validateQuery(q); err != nil {
		return realtime.HistoryPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return realtime.HistoryPage{}, err
	}

	s.mu.Lock()
	var snap []realtime.Message
	if c := s.channels[channelKey{id: q.ChannelID, typ: q.ChannelType}]; c != nil {
		snap = append([]realtime.Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	return slicePage(snap, q), nil
}

// slicePage cuts one page out of msgs, which must be ascending by message_seq.
//
// Older pulls walk backwards from StartSeq (exclusive; 0 = newest) and stop at
// EndSeq (inclusive) when set. Newer pulls walk forward from StartSeq
// (exclusive) up to EndSeq (inclusive) when set.
func slicePage(msgs []realtime.Message, q realtime.HistoryQuery) realtime.HistoryPage {
	limit := pageLimit(q.Limit)
	at := func(seq int64) int {
		return sort.Search(len(msgs), func(i int) bool { return msgs[i].MessageSeq >= seq })
	}
	after := func(seq int64) int {
		return sort.Search(len(msgs), func(i int) bool { return msgs[i].MessageSeq > seq })
	}

	if q.PullMode == realtime.PullNewer {
		lo := after(q.StartSeq)
		hi := len(msgs)
		if q.EndSeq > 0 {
			hi = after(q.EndSeq)
		}
		if lo >= hi {
			return realtime.HistoryPage{}
		}
		end := lo + limit
		if end > hi {
			end = hi
		}
		return newPage(append([]realtime.Message(nil), msgs[lo:end]...), end < hi)
	}

	hi := len(msgs)
	if q.StartSeq > 0 {
		hi = at(q.StartSeq)
	}
	lo := 0
	if q.EndSeq > 0 {
		lo = at(q.EndSeq)
	}
	if lo >= hi {
		return realtime.HistoryPage{}
	}
	from := hi - limit
	if from < lo {
		from = lo
	}
	return newPage(append([]realtime.Message(nil), msgs[from:hi]...), from > lo)
}
