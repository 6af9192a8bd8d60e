package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"deskwire/cmd/internal/realtime"
)

var ErrNoConversation = errors.New("history: no open conversation")

const catchUpTimeout = 10 * time.Second

// Manager keeps the one conversation the console is showing and feeds it
// from a dispatcher. Opening another channel closes the previous one.
type Manager struct {
	fetcher realtime.HistoryFetcher
	sender  Sender
	opts    Options
	log     *slog.Logger

	mu        sync.Mutex
	active    *Conversation
	connected bool
	seenUp    bool
	unsubs    []realtime.Unsubscribe
}

// NewManager subscribes to d. Stop releases the subscriptions.
func NewManager(d *realtime.Dispatcher, fetcher realtime.HistoryFetcher, sender Sender, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		fetcher: fetcher,
		sender:  sender,
		opts:    opts,
		log:     opts.Logger,
	}
	if d != nil {
		m.unsubs = append(m.unsubs,
			d.OnMessage(func(msg realtime.Message) {
				if c := m.Active(); c != nil {
					c.ReceiveLive(msg)
				}
			}),
			d.OnStreamContent(func(delta realtime.StreamDelta) {
				if c := m.Active(); c != nil {
					c.ApplyStreamDelta(delta)
				}
			}),
			d.OnStreamEnd(func(end realtime.StreamEnd) {
				if c := m.Active(); c != nil {
					c.ApplyStreamEnd(end)
				}
			}),
			d.OnStatus(m.handleStatus),
		)
	}
	return m
}

// handleStatus catches the active conversation up after a reconnect.
func (m *Manager) handleStatus(st realtime.Status) {
	m.mu.Lock()
	wasUp := m.connected
	m.connected = st.IsConnected
	reconnected := st.IsConnected && !wasUp && m.seenUp
	if st.IsConnected {
		m.seenUp = true
	}
	c := m.active
	m.mu.Unlock()

	if !reconnected || c == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), catchUpTimeout)
		defer cancel()
		n, err := c.CatchUp(ctx)
		if err != nil && !errors.Is(err, ErrClosed) {
			m.log.Warn("history.catchup.fail", "channel_id", c.ChannelID(), "err", err)
			return
		}
		if n > 0 {
			m.log.Info("history.catchup", "channel_id", c.ChannelID(), "messages", n)
		}
	}()
}

// Open shows channel and loads its newest page. Opening the channel that is
// already shown returns it unchanged.
func (m *Manager) Open(ctx context.Context, channelID string, channelType realtime.ChannelType) (*Conversation, error) {
	m.mu.Lock()
	if c := m.active; c != nil && c.ChannelID() == channelID && c.ChannelType() == channelType {
		m.mu.Unlock()
		return c, nil
	}
	prev := m.active
	opts := m.opts
	opts.Viewport = NewViewport(0, 0)
	c := NewConversation(channelID, channelType, m.fetcher, opts)
	m.active = c
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return c, c.LoadInitial(ctx)
}

// Active returns the open conversation, or nil.
func (m *Manager) Active() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Entries returns the render list of the open conversation.
func (m *Manager) Entries() []Entry {
	c := m.Active()
	if c == nil {
		return nil
	}
	return c.Entries()
}

// Send sends p to the open conversation with a local echo.
func (m *Manager) Send(ctx context.Context, p realtime.Payload, fromUID string) (realtime.SendResult, error) {
	c := m.Active()
	if c == nil {
		return realtime.SendResult{}, ErrNoConversation
	}
	if m.sender == nil {
		return realtime.SendResult{}, errors.New("history: no sender configured")
	}
	return c.Send(ctx, m.sender, p, fromUID)
}

// CloseConversation closes the open conversation, if any.
func (m *Manager) CloseConversation() {
	m.mu.Lock()
	c := m.active
	m.active = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Stop closes the open conversation and unsubscribes from the dispatcher.
func (m *Manager) Stop() {
	m.CloseConversation()
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
