package devgw

import (
	"sync"

	v1 "deskwire/shared/contracts/realtime/v1"
)

// peer represents one connected websocket session.
//
// Design notes:
// - send is never closed by the gateway so concurrent broadcasters cannot panic.
// - done signals the peer goroutines to stop; close is idempotent.
// - kick closes the underlying socket with a specific close code.
type peer struct {
	sessionID string
	uid       string
	send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	kick func(code int, reason string)
}

func newPeer(sessionID string, queueSize int) *peer {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &peer{
		sessionID: sessionID,
		send:      make(chan v1.Envelope, queueSize),
		done:      make(chan struct{}),
	}
}

func (p *peer) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

func (p *peer) close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// offer queues env without blocking. It reports false when the peer is
// shutting down or its queue is full.
func (p *peer) offer(env v1.Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}
