package history

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"deskwire/cmd/internal/ids"
	"deskwire/cmd/internal/realtime"
)

const defaultPageSize = 30

var (
	ErrClosed       = errors.New("history: conversation closed")
	ErrUnknownLocal = errors.New("history: unknown local message")
	ErrNotUploading = errors.New("history: message is not uploading")
	ErrNotSendable  = errors.New("history: message cannot be sent in its current state")
)

// Sender is the send side of a realtime session.
type Sender interface {
	Send(ctx context.Context, req realtime.SendRequest) (realtime.SendResult, error)
}

// Options configure a Conversation. Zero values select defaults.
type Options struct {
	PageSize int
	Logger   *slog.Logger
	Viewport *Viewport
	// OnChange is called after every change of the rendered list, outside any lock.
	OnChange func()
	Now      func() time.Time
}

func (o *Options) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Viewport == nil {
		o.Viewport = NewViewport(0, 0)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// State is a snapshot of the pagination state.
type State struct {
	HasMoreOlder   bool
	HasMoreNewer   bool
	LoadingInitial bool
	LoadingOlder   bool
	LoadingNewer   bool
	// Err is the last failed load. It is cleared by the next successful one.
	Err error
}

// Stream is the accumulated state of a streamed message.
type Stream struct {
	Content string
	Done    bool
	Error   string
}

type stream struct {
	content strings.Builder
	done    bool
	err     string
}

type localEcho struct {
	msg       realtime.Message
	state     LocalState
	err       error
	createdAt time.Time
}

// Conversation is the reconciled view of one channel: the history window,
// live messages received since it was opened, stream buffers, and
// optimistic local echoes of outgoing messages.
type Conversation struct {
	channelID   string
	channelType realtime.ChannelType
	fetcher     realtime.HistoryFetcher
	opts        Options
	log         *slog.Logger
	viewport    *Viewport

	mu      sync.Mutex
	gen     uint64
	closed  bool
	window  Window
	loading struct{ initial, older, newer bool }
	err     error
	live    []realtime.Message
	streams map[string]*stream
	locals  []*localEcho
}

// NewConversation returns an empty conversation for a channel. Nothing is
// fetched until LoadInitial.
func NewConversation(channelID string, channelType realtime.ChannelType, fetcher realtime.HistoryFetcher, opts Options) *Conversation {
	opts.defaults()
	return &Conversation{
		channelID:   channelID,
		channelType: channelType,
		fetcher:     fetcher,
		opts:        opts,
		log:         opts.Logger.With("channel_id", channelID, "channel_type", uint8(channelType)),
		viewport:    opts.Viewport,
		streams:     make(map[string]*stream),
	}
}

// ChannelID returns the channel this conversation renders.
func (c *Conversation) ChannelID() string { return c.channelID }

// ChannelType returns the channel type.
func (c *Conversation) ChannelType() realtime.ChannelType { return c.channelType }

// Viewport returns the scroll tracker of this conversation.
func (c *Conversation) Viewport() *Viewport { return c.viewport }

// State returns a snapshot of the pagination flags.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		HasMoreOlder:   c.window.HasMoreOlder,
		HasMoreNewer:   c.window.HasMoreNewer,
		LoadingInitial: c.loading.initial,
		LoadingOlder:   c.loading.older,
		LoadingNewer:   c.loading.newer,
		Err:            c.err,
	}
}

func (c *Conversation) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}

func (c *Conversation) query(mode realtime.PullMode, start, end int64, limit int) realtime.HistoryQuery {
	return realtime.HistoryQuery{
		ChannelID:   c.channelID,
		ChannelType: c.channelType,
		StartSeq:    start,
		EndSeq:      end,
		Limit:       limit,
		PullMode:    mode,
	}
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// finishLoad records the outcome of a fetch. The caller holds c.mu and has
// already cleared its loading flag. It reports whether the error is final
// (recorded) as opposed to a cancellation.
func (c *Conversation) finishLoad(ctx context.Context, op string, err error) bool {
	if isCancel(ctx, err) {
		c.log.Debug("history.load.canceled", "op", op)
		return false
	}
	c.err = err
	c.log.Warn("history.load.fail", "op", op, "err", err)
	return true
}

// LoadInitial replaces the window with the newest page and arms the
// one-time instant scroll to the bottom.
//
// A cancelled load leaves the pagination flags as they were; any other
// failure is recorded in State().Err and never retried automatically.
func (c *Conversation) LoadInitial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.loading.initial {
		c.mu.Unlock()
		return nil
	}
	c.loading.initial = true
	gen := c.gen
	q := c.query(realtime.PullOlder, 0, 0, c.opts.PageSize)
	c.mu.Unlock()

	page, err := c.fetcher.FetchHistory(ctx, q)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrClosed
	}
	c.loading.initial = false
	if err != nil {
		recorded := c.finishLoad(ctx, "initial", err)
		c.mu.Unlock()
		if recorded {
			c.changed()
		}
		return err
	}
	c.err = nil
	c.window.Reset(page, page.More, false)
	c.mu.Unlock()

	c.viewport.requestInitialScroll()
	c.changed()
	return nil
}

// LoadAround replaces the window with the pages on both sides of seq
// (inclusive), e.g. to jump to a search result.
func (c *Conversation) LoadAround(ctx context.Context, seq int64) error {
	if seq <= 0 {
		return c.LoadInitial(ctx)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.loading.initial {
		c.mu.Unlock()
		return nil
	}
	c.loading.initial = true
	gen := c.gen
	half := c.opts.PageSize/2 + 1
	olderQ := c.query(realtime.PullOlder, seq+1, 0, half)
	newerQ := c.query(realtime.PullNewer, seq, 0, half)
	c.mu.Unlock()

	older, err := c.fetcher.FetchHistory(ctx, olderQ)
	var newer realtime.HistoryPage
	if err == nil {
		newer, err = c.fetcher.FetchHistory(ctx, newerQ)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrClosed
	}
	c.loading.initial = false
	if err != nil {
		recorded := c.finishLoad(ctx, "around", err)
		c.mu.Unlock()
		if recorded {
			c.changed()
		}
		return err
	}
	c.err = nil
	c.window.Reset(older, older.More, newer.More)
	c.window.merge(newer.Messages)
	c.mu.Unlock()

	c.changed()
	return nil
}

// LoadOlder prepends the page before the oldest loaded message. It does
// nothing (false, nil) unless more older history exists and no load is in
// flight. The viewport is anchored before the fetch so the renderer can
// Restore the scroll offset afterwards.
func (c *Conversation) LoadOlder(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.closed || !c.window.HasMoreOlder || c.loading.older || c.loading.initial {
		c.mu.Unlock()
		return false, nil
	}
	c.loading.older = true
	gen := c.gen
	q := c.query(realtime.PullOlder, c.window.OldestSeq(), 0, c.opts.PageSize)
	c.mu.Unlock()

	c.viewport.Anchor()
	page, err := c.fetcher.FetchHistory(ctx, q)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false, ErrClosed
	}
	c.loading.older = false
	if err != nil {
		recorded := c.finishLoad(ctx, "older", err)
		c.mu.Unlock()
		c.viewport.DropAnchor()
		if recorded {
			c.changed()
		}
		return false, err
	}
	c.err = nil
	c.window.Prepend(page)
	c.mu.Unlock()

	c.changed()
	return true, nil
}

// LoadNewer appends the page after the newest loaded message when the
// window does not reach the end of the channel yet.
func (c *Conversation) LoadNewer(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.closed || !c.window.HasMoreNewer || c.loading.newer || c.loading.initial {
		c.mu.Unlock()
		return false, nil
	}
	c.loading.newer = true
	gen := c.gen
	q := c.query(realtime.PullNewer, c.window.NewestSeq(), 0, c.opts.PageSize)
	c.mu.Unlock()

	page, err := c.fetcher.FetchHistory(ctx, q)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false, ErrClosed
	}
	c.loading.newer = false
	if err != nil {
		recorded := c.finishLoad(ctx, "newer", err)
		c.mu.Unlock()
		if recorded {
			c.changed()
		}
		return false, err
	}
	c.err = nil
	c.window.Append(page)
	c.mu.Unlock()

	c.changed()
	return true, nil
}

// CatchUp fetches what was missed after the newest loaded message, e.g.
// after a reconnect. It only runs when the window already reaches the end
// of the channel; otherwise the gap is closed by LoadNewer.
func (c *Conversation) CatchUp(ctx context.Context) (int, error) {
	c.mu.Lock()
	after := c.window.NewestSeq()
	if c.closed || after == 0 || c.window.HasMoreNewer || c.loading.newer || c.loading.initial {
		c.mu.Unlock()
		return 0, nil
	}
	c.loading.newer = true
	gen := c.gen
	q := c.query(realtime.PullNewer, after, 0, c.opts.PageSize)
	c.mu.Unlock()

	page, err := c.fetcher.FetchHistory(ctx, q)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.loading.newer = false
	if err != nil {
		recorded := c.finishLoad(ctx, "catchup", err)
		c.mu.Unlock()
		if recorded {
			c.changed()
		}
		return 0, err
	}
	c.err = nil
	n := c.window.Append(page)
	c.mu.Unlock()

	if n > 0 {
		c.changed()
	}
	return n, nil
}

// Trigger reports which load a scroll event started.
type Trigger uint8

const (
	TriggerNone Trigger = iota
	TriggerOlder
	TriggerNewer
)

// OnScroll records a scroll measurement and loads the adjacent page when
// the viewport is near an edge that has more history.
func (c *Conversation) OnScroll(ctx context.Context, m Metrics) (Trigger, error) {
	c.viewport.Update(m)
	if c.viewport.NearTop() {
		loaded, err := c.LoadOlder(ctx)
		if loaded || err != nil {
			return TriggerOlder, err
		}
	}
	if c.viewport.NearBottom() {
		loaded, err := c.LoadNewer(ctx)
		if loaded || err != nil {
			return TriggerNewer, err
		}
	}
	return TriggerNone, nil
}

// ReceiveLive adds a message from the event stream. Messages of other
// channels are ignored. A message sharing an identifier with an earlier
// live message replaces it.
func (c *Conversation) ReceiveLive(m realtime.Message) bool {
	if m.ChannelID != c.channelID || m.ChannelType != c.channelType {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	replaced := false
	for i, x := range c.live {
		if sameMessage(x, m) {
			c.live[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		c.live = append(c.live, m)
	}
	if l := c.localLocked(m.ClientMsgNo); l != nil && (l.state == LocalPending || l.state == LocalFailed) {
		l.state = LocalSent
		l.err = nil
	}
	c.mu.Unlock()

	c.changed()
	return true
}

func sameMessage(a, b realtime.Message) bool {
	if a.MessageID != "" && a.MessageID == b.MessageID {
		return true
	}
	return a.ClientMsgNo != "" && a.ClientMsgNo == b.ClientMsgNo
}

// ApplyStreamDelta appends a content fragment to the stream of a message.
// Fragments for messages not rendered yet are buffered and show up once
// the message arrives.
func (c *Conversation) ApplyStreamDelta(d realtime.StreamDelta) {
	if d.ClientMsgNo == "" {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.streamLocked(d.ClientMsgNo)
	if st.done {
		c.mu.Unlock()
		return
	}
	st.content.WriteString(d.Content)
	c.mu.Unlock()

	c.changed()
}

// ApplyStreamEnd completes a stream. A non-empty Error marks it failed.
func (c *Conversation) ApplyStreamEnd(e realtime.StreamEnd) {
	if e.ClientMsgNo == "" {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.streamLocked(e.ClientMsgNo)
	st.done = true
	st.err = e.Error
	c.mu.Unlock()

	c.changed()
}

func (c *Conversation) streamLocked(clientMsgNo string) *stream {
	st := c.streams[clientMsgNo]
	if st == nil {
		st = &stream{}
		c.streams[clientMsgNo] = st
	}
	return st
}

// StreamState returns the accumulated stream of a message.
func (c *Conversation) StreamState(clientMsgNo string) (Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[clientMsgNo]
	if !ok {
		return Stream{}, false
	}
	return Stream{Content: st.content.String(), Done: st.done, Error: st.err}, true
}

// AddLocal shows an optimistic echo of an outgoing message and returns its
// client msg no. state must be LocalPending or LocalUploading (an
// attachment still uploading).
func (c *Conversation) AddLocal(p realtime.Payload, fromUID string, state LocalState) (string, error) {
	if state != LocalPending && state != LocalUploading {
		return "", ErrNotSendable
	}
	now := c.opts.Now()
	no := ids.NewClientMsgNo()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.locals = append(c.locals, &localEcho{
		msg: realtime.Message{
			ChannelID:   c.channelID,
			ChannelType: c.channelType,
			FromUID:     fromUID,
			ClientMsgNo: no,
			Payload:     p,
		},
		state:     state,
		createdAt: now,
	})
	c.mu.Unlock()

	c.changed()
	return no, nil
}

func (c *Conversation) localLocked(clientMsgNo string) *localEcho {
	if clientMsgNo == "" {
		return nil
	}
	for _, l := range c.locals {
		if l.msg.ClientMsgNo == clientMsgNo {
			return l
		}
	}
	return nil
}

func (c *Conversation) updateLocal(clientMsgNo string, fn func(l *localEcho) error) error {
	c.mu.Lock()
	l := c.localLocked(clientMsgNo)
	if l == nil {
		c.mu.Unlock()
		return ErrUnknownLocal
	}
	if err := fn(l); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.changed()
	return nil
}

// UploadDone moves an uploading echo to pending, replacing its payload with
// the uploaded one (URL filled in).
func (c *Conversation) UploadDone(clientMsgNo string, p realtime.Payload) error {
	return c.updateLocal(clientMsgNo, func(l *localEcho) error {
		if l.state != LocalUploading {
			return ErrNotUploading
		}
		l.state = LocalPending
		l.msg.Payload = p
		return nil
	})
}

// CancelUpload cancels an echo whose attachment is still uploading. It is
// distinct from a send failure: the message was never submitted.
func (c *Conversation) CancelUpload(clientMsgNo string) error {
	return c.updateLocal(clientMsgNo, func(l *localEcho) error {
		if l.state != LocalUploading {
			return ErrNotUploading
		}
		l.state = LocalCancelled
		return nil
	})
}

// MarkSent records the server acceptance of a local echo.
func (c *Conversation) MarkSent(clientMsgNo string, res realtime.SendResult) error {
	return c.updateLocal(clientMsgNo, func(l *localEcho) error {
		l.state = LocalSent
		l.err = nil
		l.msg.MessageID = res.MessageID
		l.msg.MessageSeq = res.MessageSeq
		return nil
	})
}

// MarkFailed records a send failure; err carries the classification.
func (c *Conversation) MarkFailed(clientMsgNo string, err error) error {
	return c.updateLocal(clientMsgNo, func(l *localEcho) error {
		l.state = LocalFailed
		l.err = err
		return nil
	})
}

// Send shows a pending echo and submits it through s.
func (c *Conversation) Send(ctx context.Context, s Sender, p realtime.Payload, fromUID string) (realtime.SendResult, error) {
	no, err := c.AddLocal(p, fromUID, LocalPending)
	if err != nil {
		return realtime.SendResult{}, err
	}
	return c.Resend(ctx, s, no)
}

// Resend submits a pending or failed echo again under the same client msg
// no, so a retried message is deduplicated by the server.
func (c *Conversation) Resend(ctx context.Context, s Sender, clientMsgNo string) (realtime.SendResult, error) {
	var req realtime.SendRequest
	err := c.updateLocal(clientMsgNo, func(l *localEcho) error {
		if l.state != LocalPending && l.state != LocalFailed {
			return ErrNotSendable
		}
		l.state = LocalPending
		l.err = nil
		req = realtime.SendRequest{
			ChannelID:   l.msg.ChannelID,
			ChannelType: l.msg.ChannelType,
			Payload:     l.msg.Payload,
			ClientMsgNo: l.msg.ClientMsgNo,
		}
		return nil
	})
	if err != nil {
		return realtime.SendResult{ClientMsgNo: clientMsgNo}, err
	}

	res, err := s.Send(ctx, req)
	if err != nil {
		_ = c.MarkFailed(clientMsgNo, err)
		return res, err
	}
	_ = c.MarkSent(clientMsgNo, res)
	return res, nil
}

// LocalState returns the lifecycle state of a local echo.
func (c *Conversation) LocalState(clientMsgNo string) (LocalState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.localLocked(clientMsgNo)
	if l == nil {
		return "", ErrUnknownLocal
	}
	return l.state, nil
}

// Entries returns the render-ready list: the merged history and live
// messages followed by local echoes whose server copy has not arrived.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := Merge(c.window.msgs, c.live)
	present := make(keySet, 2*len(entries))
	for _, e := range entries {
		present.add(e.Message)
	}
	for _, l := range c.locals {
		if present.has(l.msg) {
			continue
		}
		entries = append(entries, Entry{
			Key:       entryKey(l.msg),
			Source:    SourceLocal,
			Message:   l.msg,
			State:     l.state,
			Err:       l.err,
			createdAt: l.createdAt,
		})
	}

	for i := range entries {
		st, ok := c.streams[entries[i].Message.ClientMsgNo]
		if !ok {
			continue
		}
		entries[i].Streaming = !st.done
		entries[i].StreamContent = st.content.String()
		entries[i].StreamError = st.err
	}
	return entries
}

// Clear drops everything loaded so far. Loads in flight are discarded.
func (c *Conversation) Clear() {
	c.mu.Lock()
	c.gen++
	c.window.Clear()
	c.loading.initial, c.loading.older, c.loading.newer = false, false, false
	c.err = nil
	c.live = nil
	c.streams = make(map[string]*stream)
	c.locals = nil
	c.mu.Unlock()

	c.viewport.reset()
	c.changed()
}

// Close clears the conversation and rejects further loads.
func (c *Conversation) Close() {
	c.Clear()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
