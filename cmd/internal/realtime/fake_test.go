package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "deskwire/shared/contracts/realtime/v1"
)

var testCfg = Config{ServerURL: "wss://x", UID: "u1", Token: "t1"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeServer is a scripted Dialer. By default it accepts hello and acks every
// send with ReasonSuccess.
type fakeServer struct {
	mu       sync.Mutex
	dials    int
	conns    []*fakeConn
	dialErr  error
	gate     chan struct{}
	withPing bool
	pingErr  error
	reason   ReasonCode
	seq      int64
	authFail bool
	page     v1.HistoryChunkPayload
	writeErr error
}

func (f *fakeServer) Dial(ctx context.Context, _ string) (Conn, error) {
	f.mu.Lock()
	f.dials++
	gate := f.gate
	dialErr := f.dialErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := &fakeConn{
		server: f,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	withPing := f.withPing
	f.mu.Unlock()

	if withPing {
		return &pingConn{fakeConn: c}, nil
	}
	return c, nil
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeServer) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeServer) respond(c *fakeConn, env v1.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch env.Type {
	case v1.TypeHello:
		if f.authFail {
			c.push(v1.TypeError, env.ID, v1.ErrorPayload{Code: v1.ErrCodeAuthFailed, Message: "bad token"})
			return
		}
		c.push(v1.TypeHelloAck, env.ID, v1.HelloAckPayload{SessionID: "sess-1"})
	case v1.TypeMessageSend:
		var p v1.MessageSendPayload
		_ = json.Unmarshal(env.Payload, &p)
		reason := f.reason
		if reason == ReasonUnknown {
			reason = ReasonSuccess
		}
		f.seq++
		ack := v1.MessageAckPayload{ClientMsgNo: p.ClientMsgNo, ReasonCode: uint8(reason)}
		if reason == ReasonSuccess {
			ack.MessageID = "m-" + p.ClientMsgNo
			ack.MessageSeq = f.seq
		}
		c.push(v1.TypeMessageAck, env.ID, ack)
	case v1.TypeHistoryFetch:
		c.push(v1.TypeHistoryChunk, env.ID, f.page)
	}
}

type fakeConn struct {
	server *fakeServer
	in     chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	readErr   error

	mu        sync.Mutex
	written   []v1.Envelope
	closeCode int
	discarded bool
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.server.mu.Lock()
	werr := c.server.writeErr
	c.server.mu.Unlock()
	if werr != nil {
		return werr
	}
	select {
	case <-c.closed:
		return errors.New("write on closed socket")
	default:
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	c.server.respond(c, env)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	c.shut(&CloseError{Code: code, Reason: reason})
	return nil
}

func (c *fakeConn) Discard() error {
	c.mu.Lock()
	c.discarded = true
	c.mu.Unlock()
	c.shut(errors.New("use of closed network connection"))
	return nil
}

func (c *fakeConn) shut(err error) {
	c.closeOnce.Do(func() {
		c.readErr = err
		close(c.closed)
	})
}

// serverClose simulates the peer closing with code.
func (c *fakeConn) serverClose(code int) {
	c.shut(&CloseError{Code: code})
}

func (c *fakeConn) push(typ, id string, payload any) {
	raw, _ := json.Marshal(payload)
	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw})
	c.in <- b
}

func (c *fakeConn) sent(typ string) []v1.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []v1.Envelope
	for _, e := range c.written {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type pingConn struct {
	*fakeConn
}

func (p *pingConn) Ping(context.Context) error {
	p.server.mu.Lock()
	defer p.server.mu.Unlock()
	return p.server.pingErr
}

// fakeTimers records scheduled reconnects instead of running them.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

func (ft *fakeTimers) get(i int) *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.timers[i]
}

func newTestSession(t *testing.T, srv *fakeServer, timers *fakeTimers) *Session {
	t.Helper()
	opts := Options{
		Dialer:            srv,
		Logger:            discardLogger(),
		ConnectTimeout:    2 * time.Second,
		AckTimeout:        2 * time.Second,
		SettleDelay:       time.Millisecond,
		HeartbeatInterval: -1,
	}
	if timers != nil {
		opts.AfterFunc = timers.AfterFunc
	}
	s := NewSession(opts)
	t.Cleanup(s.SafeDisconnect)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
