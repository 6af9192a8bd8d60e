package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	v1 "deskwire/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// coderDialer dials with github.com/coder/websocket.
type coderDialer struct {
	opts DialOptions
}

// NewCoderDialer returns the default dialer.
func NewCoderDialer(opts DialOptions) Dialer {
	return coderDialer{opts: opts}
}

func (d coderDialer) Dial(ctx context.Context, serverURL string) (Conn, error) {
	h := http.Header{}
	if strings.TrimSpace(d.opts.Origin) != "" {
		h.Set("Origin", d.opts.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, serverURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
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
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}

	conn.SetReadLimit(d.opts.readLimit())
	return &coderConn{conn: conn}, nil
}

type coderConn struct {
	conn *websocket.Conn
}

func (c *coderConn) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, translateCoderErr(err)
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func (c *coderConn) Write(ctx context.Context, data []byte) error {
	return translateCoderErr(c.conn.Write(ctx, websocket.MessageText, data))
}

func (c *coderConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func (c *coderConn) Discard() error {
	return c.conn.CloseNow()
}

func (c *coderConn) Ping(ctx context.Context) error {
	return translateCoderErr(c.conn.Ping(ctx))
}

func translateCoderErr(err error) error {
	if err == nil {
		return nil
	}
	if code := websocket.CloseStatus(err); code != -1 {
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		return &CloseError{Code: int(code), Reason: reason}
	}
	return err
}
