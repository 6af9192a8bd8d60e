package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "deskwire/shared/contracts/realtime/v1"

	"github.com/gorilla/websocket"
)

const gorillaControlWait = 5 * time.Second

// gorillaDialer dials with github.com/gorilla/websocket.
type gorillaDialer struct {
	opts DialOptions
}

// NewGorillaDialer returns a dialer backed by gorilla/websocket.
func NewGorillaDialer(opts DialOptions) Dialer {
	return gorillaDialer{opts: opts}
}

func (d gorillaDialer) Dial(ctx context.Context, serverURL string) (Conn, error) {
	h := http.Header{}
	if strings.TrimSpace(d.opts.Origin) != "" {
		h.Set("Origin", d.opts.Origin)
	}

	dialer := websocket.Dialer{
		Proxy:        http.ProxyFromEnvironment,
		Subprotocols: []string{v1.Subprotocol},
	}
	conn, resp, err := dialer.DialContext(ctx, serverURL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &CloseError{Code: v1.CloseAuthFailed, Reason: resp.Status}
		}
		return nil, err
	}

	if sp := conn.Subprotocol(); sp != "" && sp != v1.Subprotocol {
		_ = conn.Close()
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}

	conn.SetReadLimit(d.opts.readLimit())
	c := &gorillaConn{conn: conn, pongs: make(map[string]chan struct{})}
	conn.SetPongHandler(c.onPong)
	return c, nil
}

// gorillaConn serializes writers: gorilla allows one concurrent writer.
// Pongs are observed by the reader, so Ping only completes while Read is
// being called.
type gorillaConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	pingSeq atomic.Uint64
	pmu     sync.Mutex
	pongs   map[string]chan struct{}
}

func (c *gorillaConn) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, translateGorillaErr(err)
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *gorillaConn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(gorillaControlWait))
	}
	return translateGorillaErr(c.conn.WriteMessage(websocket.TextMessage, data))
}

// Close writes a close frame and closes the socket.
// gorilla rejects some codes (1005, 1006, 1015) when formatting the frame;
// that error is returned after the socket is closed anyway.
func (c *gorillaConn) Close(code int, reason string) error {
	c.wmu.Lock()
	werr := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(gorillaControlWait))
	c.wmu.Unlock()

	cerr := c.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

func (c *gorillaConn) Discard() error {
	return c.conn.Close()
}

// Ping sends a ping carrying a fresh id and waits for the matching pong.
func (c *gorillaConn) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gorillaControlWait)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	id := strconv.FormatUint(c.pingSeq.Add(1), 10)
	got := make(chan struct{})
	c.pmu.Lock()
	c.pongs[id] = got
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pongs, id)
		c.pmu.Unlock()
	}()

	if err := c.conn.WriteControl(websocket.PingMessage, []byte(id), deadline); err != nil {
		return translateGorillaErr(err)
	}
	select {
	case <-got:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *gorillaConn) onPong(appData string) error {
	c.pmu.Lock()
	ch, ok := c.pongs[appData]
	if ok {
		delete(c.pongs, appData)
	}
	c.pmu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

func translateGorillaErr(err error) error {
	if err == nil {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return err
}
