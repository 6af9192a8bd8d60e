package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"deskwire/cmd/internal/ids"
	v1 "deskwire/shared/contracts/realtime/v1"
)

var errHandleClosed = errors.New("realtime: connection closed locally")

// handle is one established connection owned by a Session.
//
// Design notes:
// - Replies (hello_ack, message_ack, history_chunk, error) are matched to
//   requests by envelope id; everything else goes to the registered listeners.
// - done is closed exactly once when the connection ends for any reason.
// - Listeners run on the read goroutine, so delivery order is wire order.
type handle struct {
	conn Conn
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	err       error

	mu        sync.Mutex
	sessionID string
	listeners map[string][]func(v1.Envelope)
	pending   map[string]chan v1.Envelope
}

func newHandle(conn Conn, log *slog.Logger) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		conn:      conn,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		listeners: make(map[string][]func(v1.Envelope)),
		pending:   make(map[string]chan v1.Envelope),
	}
}

// ClearListeners implements EventSource.
func (h *handle) ClearListeners() {
	h.mu.Lock()
	h.listeners = make(map[string][]func(v1.Envelope))
	h.mu.Unlock()
}

// AddListener implements EventSource.
func (h *handle) AddListener(envType string, fn func(v1.Envelope)) {
	h.mu.Lock()
	h.listeners[envType] = append(h.listeners[envType], fn)
	h.mu.Unlock()
}

func (h *handle) listenerCount(envType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[envType])
}

// Done returns a channel that is closed when the connection has ended.
func (h *handle) Done() <-chan struct{} { return h.done }

// Err reports why the connection ended. Nil while it is still open.
func (h *handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *handle) finish(err error) {
	h.closeOnce.Do(func() {
		if err == nil {
			err = errHandleClosed
		}
		h.err = err
		close(h.done)
		h.cancel()
	})
}

// close performs the close handshake. It is safe to call more than once.
func (h *handle) close(code int, reason string) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	err := h.conn.Close(code, reason)
	h.finish(nil)
	return err
}

// discard drops the connection without a close handshake.
func (h *handle) discard() {
	_ = h.conn.Discard()
	h.finish(nil)
}

func (h *handle) setSessionID(id string) {
	h.mu.Lock()
	h.sessionID = id
	h.mu.Unlock()
}

func (h *handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

func isReplyType(t string) bool {
	switch t {
	case v1.TypeHelloAck, v1.TypeMessageAck, v1.TypeHistoryChunk, v1.TypeError:
		return true
	}
	return false
}

// deliver routes one validated inbound envelope.
func (h *handle) deliver(env v1.Envelope) {
	if isReplyType(env.Type) && env.ID != "" {
		h.mu.Lock()
		ch, ok := h.pending[env.ID]
		if ok {
			delete(h.pending, env.ID)
		}
		h.mu.Unlock()
		if ok {
			ch <- env
			return
		}
		if env.Type == v1.TypeError {
			h.log.Warn("session.server.error", "envelope_id", env.ID, "payload", string(env.Payload))
		} else {
			h.log.Debug("session.reply.orphan", "type", env.Type, "envelope_id", env.ID)
		}
		return
	}

	h.mu.Lock()
	fns := append([]func(v1.Envelope){}, h.listeners[env.Type]...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		TS:      now,
		Payload: raw,
	}, nil
}

func (h *handle) write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := h.conn.Write(ctx, b); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// request writes env and waits for the reply carrying the same id.
// timeout <= 0 waits until ctx is done or the connection ends.
func (h *handle) request(ctx context.Context, env v1.Envelope, timeout time.Duration) (v1.Envelope, error) {
	ch := make(chan v1.Envelope, 1)

	h.mu.Lock()
	h.pending[env.ID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, env.ID)
		h.mu.Unlock()
	}()

	if err := h.write(ctx, env); err != nil {
		return v1.Envelope{}, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-h.done:
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrConnectionLost, h.err)
	case <-timer:
		return v1.Envelope{}, fmt.Errorf("%w after %s", ErrAckTimeout, timeout)
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

// decodeReply unpacks a reply of the wanted type. An error envelope becomes ErrRejected.
func decodeReply(env v1.Envelope, want string, dst any) error {
	switch env.Type {
	case want:
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return fmt.Errorf("decode %s: %w", want, err)
		}
		return nil
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return &RejectedError{Code: p.Code, Message: p.Message}
	default:
		return fmt.Errorf("unexpected reply type %q (want %q)", env.Type, want)
	}
}
