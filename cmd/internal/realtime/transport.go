package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Conn is one live websocket connection owned by a Session.
//
// Read is only ever called from the session's single read goroutine.
// Write may be called concurrently with Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Close performs the websocket close handshake with code and reason.
	Close(code int, reason string) error
	// Discard drops the underlying connection without a close handshake.
	Discard() error
}

// Pinger is an optional liveness capability of a Conn.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer opens connections. Implementations must honor ctx for the handshake.
type Dialer interface {
	Dial(ctx context.Context, serverURL string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, serverURL string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, serverURL string) (Conn, error) {
	return f(ctx, serverURL)
}

// Driver names accepted by NewDialer.
const (
	DriverCoder   = "coder"
	DriverGorilla = "gorilla"
)

// NewDialer returns the dialer for a driver name. Empty selects the coder driver.
func NewDialer(driver string, opts DialOptions) (Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverCoder:
		return NewCoderDialer(opts), nil
	case DriverGorilla:
		return NewGorillaDialer(opts), nil
	default:
		return nil, fmt.Errorf("realtime: unknown websocket driver %q", driver)
	}
}

// DialOptions are shared by all drivers.
type DialOptions struct {
	// Origin is sent as the Origin header when non-empty.
	Origin string
	// ReadLimit bounds a single inbound frame. Zero uses maxFrameBytes.
	ReadLimit int64
}

func (o DialOptions) readLimit() int64 {
	if o.ReadLimit <= 0 {
		return maxFrameBytes
	}
	return o.ReadLimit
}

// ValidateServerURL checks that raw is a ws:// or wss:// URL with a host.
func ValidateServerURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
