package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SignalName names an ambient notification.
type SignalName string

const (
	// SignalStreamUpdated fires for every stream delta.
	SignalStreamUpdated SignalName = "chat:stream-update"
	// SignalMessageSent fires when a send passes its preconditions and goes out.
	SignalMessageSent SignalName = "chat:message-sent"
)

const signalBuffer = 32

// Signal is one ambient notification. Subscribers that only need to react
// (auto-scroll, badge refresh) listen here instead of holding a dispatcher subscription.
type Signal struct {
	Name        SignalName
	ChannelID   string
	ChannelType ChannelType
	ClientMsgNo string
	At          time.Time
}

type signalSub struct {
	names map[SignalName]struct{}
}

// Signals is a small fan-out bus. Publish never blocks: a full subscriber
// buffer drops the signal for that subscriber only.
type Signals struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[chan Signal]signalSub
	closed bool
}

// NewSignals constructs an empty bus.
func NewSignals(log *slog.Logger) *Signals {
	if log == nil {
		log = slog.Default()
	}
	return &Signals{log: log, subs: make(map[chan Signal]signalSub)}
}

// Subscribe returns a channel receiving the named signals (all signals when
// names is empty). The channel is closed when ctx is done or the bus is closed.
func (s *Signals) Subscribe(ctx context.Context, names ...SignalName) <-chan Signal {
	ch := make(chan Signal, signalBuffer)

	sub := signalSub{}
	if len(names) > 0 {
		sub.names = make(map[SignalName]struct{}, len(names))
		for _, n := range names {
			sub.names[n] = struct{}{}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.subs[ch] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(ch)
	}()
	return ch
}

// Publish delivers sig to every matching subscriber without blocking.
func (s *Signals) Publish(sig Signal) {
	if s == nil {
		return
	}
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch, sub := range s.subs {
		if sub.names != nil {
			if _, ok := sub.names[sig.Name]; !ok {
				continue
			}
		}
		select {
		case ch <- sig:
		default:
			s.log.Warn("signals.drop", "signal", string(sig.Name), "client_msg_no", sig.ClientMsgNo)
		}
	}
}

// Close closes every subscriber channel. Later Subscribe calls return closed channels.
func (s *Signals) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Signals) unsubscribe(ch chan Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}
