package devgw

import (
	"log/slog"
	"sync"

	v1 "deskwire/shared/contracts/realtime/v1"
)

// Hub tracks authenticated peers and fans envelopes out to them.
//
// Concurrency guarantees:
// - join/leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	peers map[string]*peer
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, peers: make(map[string]*peer)}
}

func (h *Hub) join(p *peer) {
	if p == nil || p.sessionID == "" {
		return
	}
	h.mu.Lock()
	h.peers[p.sessionID] = p
	n := len(h.peers)
	h.mu.Unlock()

	h.log.Info("devgw.peer.join", "session_id", p.sessionID, "uid", p.uid, "peers", n)
}

// leave removes a peer and signals its shutdown. Removal happens first so a
// broadcaster never holds a peer that is being torn down.
func (h *Hub) leave(sessionID string) {
	h.mu.Lock()
	p, ok := h.peers[sessionID]
	delete(h.peers, sessionID)
	h.mu.Unlock()

	if !ok {
		return
	}
	p.close()
	h.log.Info("devgw.peer.leave", "session_id", sessionID)
}

// Broadcast queues env on every peer. It returns how many peers accepted it.
func (h *Hub) Broadcast(env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for id, p := range h.peers {
		if p.offer(env) {
			n++
			continue
		}
		h.log.Warn("devgw.broadcast.drop", "session_id", id, "type", env.Type)
	}
	return n
}

// Count reports the number of authenticated peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Kick closes every peer whose uid matches (all peers when uid is empty)
// with the given close code. It returns how many were closed.
func (h *Hub) Kick(uid string, code int, reason string) int {
	h.mu.RLock()
	var targets []*peer
	for _, p := range h.peers {
		if uid == "" || p.uid == uid {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if p.kick != nil {
			p.kick(code, reason)
		}
	}
	return len(targets)
}
