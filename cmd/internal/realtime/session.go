package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "deskwire/shared/contracts/realtime/v1"

	"golang.org/x/sync/singleflight"
)

// Config identifies the backend and the credentials of one session.
type Config struct {
	ServerURL string
	UID       string
	Token     string
}

// Validate checks that every field is present and the URL is a websocket URL.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ServerURL) == "":
		return fmt.Errorf("%w: missing server url", ErrInvalidConfig)
	case strings.TrimSpace(c.UID) == "":
		return fmt.Errorf("%w: missing uid", ErrInvalidConfig)
	case strings.TrimSpace(c.Token) == "":
		return fmt.Errorf("%w: missing token", ErrInvalidConfig)
	}
	if err := ValidateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("%w: server url: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Status is a snapshot of the connection state.
// IsConnected and IsConnecting are never both true.
type Status struct {
	IsConnected  bool   `json:"is_connected"`
	IsConnecting bool   `json:"is_connecting"`
	Error        string `json:"error,omitempty"`
}

// Timer is the part of *time.Timer the session uses.
type Timer interface {
	Stop() bool
}

// Options tune a Session. Zero values select defaults.
type Options struct {
	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *Metrics
	Signals *Signals

	ConnectTimeout time.Duration
	SettleDelay    time.Duration
	AckTimeout     time.Duration

	// ReconnectDelay is the delay before the first automatic reconnect.
	ReconnectDelay time.Duration
	// ReconnectMaxDelay caps the doubling delay of follow-up attempts.
	ReconnectMaxDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed automatic reconnects.
	// Negative disables follow-ups: one attempt per disconnect.
	MaxReconnectAttempts int

	// HeartbeatInterval enables periodic pings when the connection supports them.
	// Negative disables the heartbeat.
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration

	// SendLimiter rejects send bursts locally. Nil disables local limiting.
	SendLimiter *RateLimiter

	// AfterFunc schedules reconnects. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = NewCoderDialer(DialOptions{})
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = defaultReconnectMax
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = defaultReconnectTries
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = defaultHeartbeat
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultHeartbeatWait
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
}

// Session owns the single connection to the messaging backend.
//
// All state lives behind one mutex. Connect attempts are deduplicated, the
// read goroutine is the only reader of the connection, and at most one
// reconnect timer is pending at any time.
type Session struct {
	opts       Options
	log        *slog.Logger
	metrics    *Metrics
	signals    *Signals
	dispatcher *Dispatcher

	sf singleflight.Group

	mu               sync.Mutex
	status           Status
	h                *handle
	cfg              Config
	manual           bool
	gen              uint64
	connectCancel    context.CancelFunc
	reconnectTimer   Timer
	reconnectSeq     uint64
	reconnectAttempt int
}

// NewSession constructs a disconnected Session.
func NewSession(opts Options) *Session {
	opts.defaults()
	if opts.Signals == nil {
		opts.Signals = NewSignals(opts.Logger)
	}
	return &Session{
		opts:       opts,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		signals:    opts.Signals,
		dispatcher: NewDispatcher(opts.Logger, opts.Signals, opts.Metrics),
	}
}

// Dispatcher returns the session's event dispatcher.
func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }

// Signals returns the session's ambient notification bus.
func (s *Session) Signals() *Signals { return s.signals }

// Status returns a copy of the connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SessionID returns the server-assigned id of the current connection, if any.
func (s *Session) SessionID() string {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h == nil {
		return ""
	}
	return h.SessionID()
}

// ReconnectPending reports whether an automatic reconnect is scheduled.
func (s *Session) ReconnectPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectTimer != nil
}

// Connect establishes the connection. Concurrent callers share one attempt
// and receive the same result; ctx only bounds how long this caller waits.
// Calling Connect while connected is a no-op.
func (s *Session) Connect(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.h != nil && s.status.IsConnected {
		s.mu.Unlock()
		return nil
	}
	s.manual = false
	s.mu.Unlock()

	return s.connectShared(ctx, cfg)
}

func (s *Session) connectShared(ctx context.Context, cfg Config) error {
	ch := s.sf.DoChan("connect", func() (any, error) {
		return nil, s.connect(cfg)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect(cfg Config) error {
	s.mu.Lock()
	if s.h != nil && s.status.IsConnected {
		s.mu.Unlock()
		return nil
	}
	stale := s.h
	s.h = nil
	s.stopReconnectLocked()
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	s.connectCancel = cancel
	s.status = Status{IsConnecting: true}
	st := s.status
	s.mu.Unlock()
	defer cancel()

	s.dispatcher.emitStatus(st)

	if stale != nil {
		s.dispatcher.Detach(stale)
		stale.discard()
	}

	start := time.Now()
	h, err := s.dial(ctx, cfg)

	s.mu.Lock()
	if gen != s.gen {
		// Disconnect ran while we were dialing: its reset wins.
		s.mu.Unlock()
		if h != nil {
			s.dispatcher.Detach(h)
			_ = h.close(StatusNormalClosure, "superseded")
		}
		s.metrics.connectOutcome(string(ConnectCanceled))
		return &ConnectError{Kind: ConnectCanceled, Err: context.Canceled}
	}
	s.connectCancel = nil

	if err != nil {
		s.status = Status{Error: err.Error()}
		st = s.status
		s.mu.Unlock()

		var ce *ConnectError
		kind := ConnectTransport
		if errors.As(err, &ce) {
			kind = ce.Kind
		}
		s.metrics.connectOutcome(string(kind))
		s.log.Warn("session.connect.fail", "url", cfg.ServerURL, "uid", cfg.UID, "kind", string(kind), "err", err)
		s.dispatcher.emitStatus(st)
		s.dispatcher.emitError(err)
		return err
	}

	s.h = h
	s.cfg = cfg
	if cause := h.Err(); cause != nil {
		// The read loop ended before h was installed, so its close went unseen.
		out := s.releaseClosedLocked(h, cause, s.reconnectAttempt+1)
		s.mu.Unlock()
		s.metrics.connectOutcome(string(ConnectTransport))
		s.reportClosed(h, cause, out)
		return connectErr(ctx, ConnectTransport, cause)
	}
	s.reconnectAttempt = 0
	s.status = Status{IsConnected: true}
	st = s.status
	s.mu.Unlock()

	s.metrics.connectOutcome("ok")
	s.metrics.setConnected(true)
	s.log.Info("session.connect.ok", "url", cfg.ServerURL, "uid", cfg.UID, "session_id", h.SessionID(), "took", time.Since(start))
	s.dispatcher.emitStatus(st)

	if p, ok := h.conn.(Pinger); ok && s.opts.HeartbeatInterval > 0 {
		go s.heartbeat(h, p)
	}
	return nil
}

// dial opens the connection, attaches the dispatcher and runs the hello handshake.
func (s *Session) dial(ctx context.Context, cfg Config) (*handle, error) {
	conn, err := s.opts.Dialer.Dial(ctx, cfg.ServerURL)
	if err != nil {
		return nil, connectErr(ctx, ConnectTransport, err)
	}

	h := newHandle(conn, s.log)
	s.dispatcher.Attach(h)
	go s.readLoop(h)

	hello, err := newEnvelope(v1.TypeHello, v1.HelloPayload{UID: cfg.UID, Token: cfg.Token})
	if err != nil {
		h.discard()
		return nil, &ConnectError{Kind: ConnectHandshake, Err: err}
	}

	reply, err := h.request(ctx, hello, 0)
	if err == nil {
		var ack v1.HelloAckPayload
		err = decodeReply(reply, v1.TypeHelloAck, &ack)
		if err == nil {
			h.setSessionID(ack.SessionID)
			return h, nil
		}
	}

	// The server may close with an auth code before answering.
	if cause := h.Err(); cause != nil {
		err = cause
	}
	s.dispatcher.Detach(h)
	h.discard()
	return nil, connectErr(ctx, ConnectHandshake, err)
}

func connectErr(ctx context.Context, fallback ConnectErrorKind, err error) *ConnectError {
	var rej *RejectedError
	var ce *CloseError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return &ConnectError{Kind: ConnectTimeout, Err: err}
	case errors.Is(ctx.Err(), context.Canceled):
		return &ConnectError{Kind: ConnectCanceled, Err: err}
	case errors.As(err, &rej) && rej.Code == v1.ErrCodeAuthFailed:
		return &ConnectError{Kind: ConnectAuth, Err: err}
	case errors.As(err, &ce) && ClassifyClose(ce.Code) == CloseAuthOrProtocol:
		return &ConnectError{Kind: ConnectAuth, Err: err}
	default:
		return &ConnectError{Kind: fallback, Err: err}
	}
}

func (s *Session) readLoop(h *handle) {
	for {
		data, err := h.conn.Read(h.ctx)
		if err != nil {
			h.finish(err)
			s.onHandleClosed(h, err)
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("session.read.bad_json", "bytes", len(data), "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			s.log.Warn("session.read.bad_envelope", "type", env.Type, "err", err)
			continue
		}
		h.deliver(env)
	}
}

func (s *Session) heartbeat(h *handle, p Pinger) {
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-h.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(h.ctx, s.opts.PingTimeout)
			err := p.Ping(ctx)
			cancel()
			if err != nil && h.Err() == nil {
				s.log.Info("session.ping.fail", "session_id", h.SessionID(), "err", err)
				s.markDisconnected(h, fmt.Errorf("%w: %v", ErrConnectionLost, err))
				return
			}
		}
	}
}

// onHandleClosed runs when the read goroutine of h stops. Closes of handles the
// session no longer owns (manual teardown, superseded dials) are ignored.
func (s *Session) onHandleClosed(h *handle, err error) {
	s.mu.Lock()
	if s.h != h {
		s.mu.Unlock()
		return
	}
	out := s.releaseClosedLocked(h, err, 1)
	s.mu.Unlock()
	s.reportClosed(h, err, out)
}

type closeOutcome struct {
	status    Status
	code      int
	class     CloseClass
	scheduled bool
}

// releaseClosedLocked drops the ended handle h and schedules reconnect
// attempt number attempt when the close code allows it.
func (s *Session) releaseClosedLocked(h *handle, err error, attempt int) closeOutcome {
	s.h = nil
	out := closeOutcome{code: closeCodeOf(err)}
	out.class = ClassifyClose(out.code)
	if out.class == CloseNormal {
		s.status = Status{}
	} else {
		s.status = Status{Error: err.Error()}
	}
	out.status = s.status
	if !s.manual && out.class == CloseRetry && s.attemptAllowed(attempt) {
		s.scheduleReconnectLocked(attempt)
		out.scheduled = true
	}
	return out
}

// attemptAllowed reports whether automatic reconnect number attempt may run.
// The first attempt after a drop always may.
func (s *Session) attemptAllowed(attempt int) bool {
	if attempt <= 1 {
		return true
	}
	return s.opts.MaxReconnectAttempts > 0 && attempt <= s.opts.MaxReconnectAttempts
}

func (s *Session) reportClosed(h *handle, err error, out closeOutcome) {
	s.dispatcher.Detach(h)
	s.metrics.setConnected(false)
	s.metrics.disconnect(out.class)
	s.log.Info("session.disconnected", "session_id", h.SessionID(), "close_code", out.code, "class", out.class.String(), "reconnect", out.scheduled, "err", err)
	s.dispatcher.emitStatus(out.status)
	if out.class == CloseAuthOrProtocol {
		s.dispatcher.emitError(&ConnectError{Kind: ConnectAuth, Err: err})
	}
}

// markDisconnected drops h eagerly when a send or ping shows the transport is gone.
func (s *Session) markDisconnected(h *handle, cause error) {
	s.mu.Lock()
	if s.h != h {
		s.mu.Unlock()
		return
	}
	s.h = nil
	s.status = Status{Error: cause.Error()}
	st := s.status
	scheduled := false
	if !s.manual {
		s.scheduleReconnectLocked(1)
		scheduled = true
	}
	s.mu.Unlock()

	s.dispatcher.Detach(h)
	h.discard()
	s.metrics.setConnected(false)
	s.metrics.disconnect(CloseRetry)
	s.log.Warn("session.lost", "session_id", h.SessionID(), "reconnect", scheduled, "err", cause)
	s.dispatcher.emitStatus(st)
}

func (s *Session) scheduleReconnectLocked(attempt int) {
	s.stopReconnectLocked()
	delay := backoff(s.opts.ReconnectDelay, s.opts.ReconnectMaxDelay, attempt)
	cfg := s.cfg
	s.reconnectAttempt = attempt

	s.reconnectSeq++
	seq := s.reconnectSeq
	s.reconnectTimer = s.opts.AfterFunc(delay, func() { s.runReconnect(seq, cfg, attempt) })
	s.log.Info("session.reconnect.scheduled", "attempt", attempt, "delay", delay)
}

func (s *Session) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) runReconnect(seq uint64, cfg Config, attempt int) {
	s.mu.Lock()
	if s.reconnectTimer == nil || seq != s.reconnectSeq {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	if s.manual || (s.h != nil && s.status.IsConnected) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.connectShared(context.Background(), cfg)
	if err == nil {
		return
	}

	var ce *ConnectError
	if errors.As(err, &ce) && (!ce.Retryable() || ce.Kind == ConnectCanceled) {
		return
	}
	var cl *CloseError
	if errors.As(err, &cl) && ClassifyClose(cl.Code) != CloseRetry {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manual || s.h != nil || s.reconnectTimer != nil {
		return
	}
	if !s.attemptAllowed(attempt + 1) {
		s.log.Warn("session.reconnect.give_up", "attempts", attempt, "err", err)
		return
	}
	s.scheduleReconnectLocked(attempt + 1)
}

// Disconnect closes the connection with a normal closure and suppresses
// automatic reconnects until the next Connect. It is idempotent; only the
// call that actually closed a connection can return a close error.
func (s *Session) Disconnect() error {
	h := s.teardown("disconnect")
	if h == nil {
		return nil
	}
	if err := h.close(StatusNormalClosure, "client disconnect"); err != nil {
		s.log.Debug("session.close.fail", "session_id", h.SessionID(), "err", err)
		return err
	}
	return nil
}

// SafeDisconnect is Disconnect without the close handshake: the connection is
// discarded directly. Use it when the close path itself may fail.
func (s *Session) SafeDisconnect() {
	if h := s.teardown("safe_disconnect"); h != nil {
		h.discard()
	}
}

// teardown resets the session and returns the handle it owned, detached.
func (s *Session) teardown(reason string) *handle {
	s.mu.Lock()
	s.manual = true
	s.stopReconnectLocked()
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	s.gen++
	h := s.h
	s.h = nil
	changed := s.status != (Status{})
	s.status = Status{}
	s.mu.Unlock()

	if h != nil {
		s.dispatcher.Detach(h)
		s.metrics.setConnected(false)
		s.log.Info("session."+reason, "session_id", h.SessionID())
	}
	if changed {
		s.dispatcher.emitStatus(Status{})
	}
	return h
}

// ForceReconnect tears the session down, waits the settle delay and connects again.
func (s *Session) ForceReconnect(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.SafeDisconnect()

	t := time.NewTimer(s.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Connect(ctx, cfg)
}

// Alive probes the connection. Connections without ping support count as
// alive while their read loop is running.
func (s *Session) Alive(ctx context.Context) bool {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h == nil {
		return false
	}
	if p, ok := h.conn.(Pinger); ok {
		ctx, cancel := context.WithTimeout(ctx, s.opts.PingTimeout)
		defer cancel()
		return p.Ping(ctx) == nil
	}
	return h.Err() == nil
}

// usable runs the precondition checks shared by Send and FetchHistory.
func (s *Session) usable() (*handle, error) {
	s.mu.Lock()
	h, st := s.h, s.status
	established := s.cfg.ServerURL != ""
	if st.IsConnected && h == nil {
		s.status = Status{Error: ErrStateInconsistent.Error()}
		s.mu.Unlock()
		s.metrics.setConnected(false)
		s.log.Error("session.state.inconsistent")
		s.dispatcher.emitStatus(Status{Error: ErrStateInconsistent.Error()})
		return nil, ErrStateInconsistent
	}
	s.mu.Unlock()

	switch {
	case h == nil && !st.IsConnecting && !established:
		return nil, ErrNotInitialized
	case h == nil, !st.IsConnected:
		return nil, ErrNotConnected
	}
	return h, nil
}

// FetchHistory requests one page of channel history over the connection.
// Failures are returned as *FetchError and never retried automatically.
func (s *Session) FetchHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	h, err := s.usable()
	if err != nil {
		return HistoryPage{}, &FetchError{Query: q, Err: err}
	}

	env, err := newEnvelope(v1.TypeHistoryFetch, q.ToWire())
	if err != nil {
		return HistoryPage{}, &FetchError{Query: q, Err: err}
	}
	reply, err := h.request(ctx, env, s.opts.AckTimeout)
	if err != nil {
		if looksLikeConnectivity(err) {
			s.markDisconnected(h, err)
		}
		return HistoryPage{}, &FetchError{Query: q, Err: err}
	}

	var chunk v1.HistoryChunkPayload
	if err := decodeReply(reply, v1.TypeHistoryChunk, &chunk); err != nil {
		return HistoryPage{}, &FetchError{Query: q, Err: err}
	}
	return PageFromWire(chunk), nil
}
