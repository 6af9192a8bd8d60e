// Package devgw is a development gateway speaking realtime protocol v1.
// It authenticates hello handshakes, acknowledges sends with reason codes,
// serves history from an archive and fans messages and custom events out to
// every connected session. It backs integration tests, the smoke script and
// local development of the console.
package devgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"deskwire/cmd/internal/archive"
	"deskwire/cmd/internal/ids"
	"deskwire/cmd/internal/realtime"
	v1 "deskwire/shared/contracts/realtime/v1"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout     = 5 * time.Second
	defaultHelloTimeout     = 10 * time.Second
	defaultHeartbeat        = 30 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second
	closeGrace              = 1 * time.Second

	defaultRateEvents = 40
	defaultRateWindow = 10 * time.Second

	maxPingFailures = 3
	maxFrameBytes   = 256 << 10
	maxMessageChars = 4000
)

// Authenticator validates hello credentials.
type Authenticator func(uid, token string) error

// TokenAuth accepts exactly the uid/token pairs in tokens.
func TokenAuth(tokens map[string]string) Authenticator {
	return func(uid, token string) error {
		want, ok := tokens[uid]
		if !ok || want != token {
			return errors.New("invalid credentials")
		}
		return nil
	}
}

// SendPolicy decides whether a send is accepted before it is stored.
// Returning anything but realtime.ReasonSuccess refuses the message with that code.
type SendPolicy func(uid string, p v1.MessageSendPayload) realtime.ReasonCode

// Options configure a Gateway. Zero values select defaults.
type Options struct {
	Logger *slog.Logger
	Store  archive.Store
	Hub    *Hub

	// Auth validates hello credentials. Nil accepts any non-empty uid and token.
	Auth   Authenticator
	Policy SendPolicy

	OriginRequired     bool
	AllowedOrigins     []string
	InsecureSkipVerify bool

	WriteTimeout     time.Duration
	HelloTimeout     time.Duration
	ReadIdleTimeout  time.Duration // zero disables
	SendQueueSize    int
	Heartbeat        time.Duration // negative disables
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// Gateway is the websocket entrypoint of the development gateway.
type Gateway struct {
	opts     Options
	log      *slog.Logger
	hub      *Hub
	store    archive.Store
	patterns []string
}

// New constructs a gateway. Without a store it falls back to an in-memory archive.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = archive.NewMemoryStore()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = defaultHelloTimeout
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.SendQueueSize < minSendQueueSize {
		opts.SendQueueSize = minSendQueueSize
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.RateEvents <= 0 {
		opts.RateEvents = defaultRateEvents
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = defaultRateWindow
	}
	return &Gateway{
		opts:     opts,
		log:      opts.Logger,
		hub:      opts.Hub,
		store:    opts.Store,
		patterns: originPatterns(opts.AllowedOrigins),
	}
}

// Hub returns the gateway's peer registry.
func (g *Gateway) Hub() *Hub { return g.hub }

// Store returns the archive backing history and sends.
func (g *Gateway) Store() archive.Store { return g.store }

// Emit broadcasts a custom event to every connected session.
func (g *Gateway) Emit(ev v1.EventPayload) int {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	env, err := newEnvelope(v1.TypeEvent, "", ev)
	if err != nil {
		g.log.Warn("devgw.emit.fail", "type", ev.Type, "err", err)
		return 0
	}
	return g.hub.Broadcast(env)
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request and runs one session until it ends.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("devgw.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.opts.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("devgw.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("devgw.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewSessionID(time.Now())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &wsSession{
		g:    g,
		conn: conn,
		p:    newPeer(sessionID, g.opts.SendQueueSize),
		rl:   realtime.NewRateLimiter(g.opts.RateEvents, g.opts.RateWindow),
		ctx:  ctx,
	}
	s.shutdown = func(code websocket.StatusCode, reason string) {
		s.closeOnce.Do(func() {
			g.hub.leave(sessionID)
			s.p.close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}
	s.p.kick = func(code int, reason string) { s.shutdown(websocket.StatusCode(code), reason) }
	s.run()
}

// ---- envelope IO ----

func newEnvelope(typ, id string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	now := time.Now().UTC()
	if id == "" {
		id = ids.MustULID(now)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: raw}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, []byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, data, errBadJSON
	}
	return env, data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("devgw: invalid JSON")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// sendVerdict validates a send request and returns ReasonSuccess when it may be stored.
func sendVerdict(p v1.MessageSendPayload) realtime.ReasonCode {
	if strings.TrimSpace(p.ChannelID) == "" || p.ChannelType == 0 {
		return realtime.ReasonChannelIDError
	}
	if strings.TrimSpace(p.ClientMsgNo) == "" {
		return realtime.ReasonMsgKeyError
	}
	if len(p.Payload) == 0 || !json.Valid(p.Payload) {
		return realtime.ReasonPayloadDecodeError
	}
	if utf8.RuneCountInString(realtime.DecodePayload(p.Payload).Text) > maxMessageChars {
		return realtime.ReasonPayloadDecodeError
	}
	return realtime.ReasonSuccess
}
