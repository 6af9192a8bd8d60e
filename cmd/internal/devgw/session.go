package devgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"deskwire/cmd/internal/archive"
	"deskwire/cmd/internal/realtime"
	v1 "deskwire/shared/contracts/realtime/v1"
)

// wsSession is the server side of one websocket connection.
type wsSession struct {
	g    *Gateway
	conn *websocket.Conn
	p    *peer
	rl   *realtime.RateLimiter
	ctx  context.Context

	closeOnce sync.Once
	shutdown  func(code websocket.StatusCode, reason string)
}

func (s *wsSession) run() {
	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)

	heartbeatDone := make(chan struct{})
	go s.heartbeat(heartbeatDone)

	if s.hello() {
		s.readLoop()
	}

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (s *wsSession) writeLoop(done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.p.Done():
			return
		case env := <-s.p.send:
			if err := writeEnvelope(s.ctx, s.conn, env, s.g.opts.WriteTimeout); err != nil {
				s.g.log.Info("devgw.write.fail", "session_id", s.p.sessionID, "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) heartbeat(done chan<- struct{}) {
	defer close(done)
	if s.g.opts.Heartbeat < 0 {
		return
	}

	t := time.NewTicker(s.g.opts.Heartbeat)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.p.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.g.opts.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.g.log.Info("devgw.ping.fail", "session_id", s.p.sessionID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// hello waits for the handshake envelope. It reports whether the session was
// authenticated and joined the hub.
func (s *wsSession) hello() bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.g.opts.HelloTimeout)
	env, _, err := readEnvelope(ctx, s.conn)
	cancel()
	if err != nil {
		s.g.log.Info("devgw.hello.read_fail", "session_id", s.p.sessionID, "err", err)
		s.shutdown(websocket.StatusCode(v1.CloseProtocolError), "hello required")
		return false
	}
	if err := env.Validate(); err != nil || env.Type != v1.TypeHello {
		s.reject(env.ID, v1.ErrCodeNotHello, "hello required")
		s.flushThenClose(websocket.StatusCode(v1.CloseProtocolError), "hello required")
		return false
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.reject(env.ID, v1.ErrCodeBadEnvelope, "invalid hello payload")
		s.flushThenClose(websocket.StatusCode(v1.CloseProtocolError), "bad hello")
		return false
	}
	if err := s.g.authenticate(p); err != nil {
		s.g.log.Info("devgw.hello.auth_fail", "session_id", s.p.sessionID, "uid", p.UID, "err", err)
		s.reject(env.ID, v1.ErrCodeAuthFailed, err.Error())
		s.flushThenClose(websocket.StatusCode(v1.CloseAuthFailed), "auth failed")
		return false
	}

	s.p.uid = p.UID
	ack, err := newEnvelope(v1.TypeHelloAck, env.ID, v1.HelloAckPayload{SessionID: s.p.sessionID})
	if err != nil || !s.p.offer(ack) {
		s.shutdown(websocket.StatusInternalError, "hello ack")
		return false
	}
	s.g.hub.join(s.p)
	return true
}

func (g *Gateway) authenticate(p v1.HelloPayload) error {
	if strings.TrimSpace(p.UID) == "" || strings.TrimSpace(p.Token) == "" {
		return errors.New("missing credentials")
	}
	if g.opts.Auth == nil {
		return nil
	}
	return g.opts.Auth(p.UID, p.Token)
}

// flushThenClose gives the writer a moment to deliver queued replies before
// closing with code.
func (s *wsSession) flushThenClose(code websocket.StatusCode, reason string) {
	deadline := time.Now().Add(closeGrace)
	for len(s.p.send) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.shutdown(code, reason)
}

func (s *wsSession) readLoop() {
	for {
		readCtx, readCancel := s.readContext()
		env, _, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				s.reject("", v1.ErrCodeBadJSON, "invalid JSON")
				continue
			case readErrClose, readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				s.g.log.Info("devgw.read.fail", "session_id", s.p.sessionID, "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if err := env.Validate(); err != nil {
			s.reject(env.ID, v1.ErrCodeBadEnvelope, err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeMessageSend:
			if err := s.onMessageSend(env); err != nil {
				s.reject(env.ID, v1.ErrCodeBadEnvelope, err.Error())
			}
		case v1.TypeHistoryFetch:
			if !s.rl.Allow(time.Now()) {
				s.reject(env.ID, v1.ErrCodeHistoryFailed, "rate limited")
				continue
			}
			if err := s.onHistoryFetch(env); err != nil {
				s.reject(env.ID, v1.ErrCodeHistoryFailed, err.Error())
			}
		default:
			s.reject(env.ID, v1.ErrCodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

func (s *wsSession) readContext() (context.Context, context.CancelFunc) {
	if s.g.opts.ReadIdleTimeout > 0 {
		return context.WithTimeout(s.ctx, s.g.opts.ReadIdleTimeout)
	}
	return context.WithCancel(s.ctx)
}

// ---- handlers ----

func (s *wsSession) onMessageSend(env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	ack := v1.MessageAckPayload{ClientMsgNo: p.ClientMsgNo}
	code := sendVerdict(p)
	if code == realtime.ReasonSuccess && !s.rl.Allow(time.Now()) {
		code = realtime.ReasonRateLimit
	}
	if code == realtime.ReasonSuccess && s.g.opts.Policy != nil {
		code = s.g.opts.Policy(s.p.uid, p)
	}

	var (
		res archive.AppendResult
		err error
	)
	if code == realtime.ReasonSuccess {
		res, err = s.g.store.Append(s.ctx, archive.AppendInput{
			ChannelID:   p.ChannelID,
			ChannelType: realtime.ChannelType(p.ChannelType),
			ClientMsgNo: p.ClientMsgNo,
			FromUID:     s.p.uid,
			Payload:     realtime.DecodePayload(p.Payload),
		})
		if err != nil {
			s.g.log.Warn("devgw.store.append_fail", "session_id", s.p.sessionID, "channel_id", p.ChannelID, "err", err)
			code = realtime.ReasonSystemError
		}
	}

	ack.ReasonCode = uint8(code)
	if code == realtime.ReasonSuccess {
		ack.MessageID = res.Stored.MessageID
		ack.MessageSeq = res.Stored.MessageSeq
	}

	reply, err := newEnvelope(v1.TypeMessageAck, env.ID, ack)
	if err != nil {
		return err
	}
	if !s.p.offer(reply) {
		return errors.New("backpressure: ack")
	}

	if code != realtime.ReasonSuccess || res.Duplicated {
		return nil
	}
	msg, err := newEnvelope(v1.TypeMessageNew, "", res.Stored.ToWire())
	if err != nil {
		return err
	}
	s.g.hub.Broadcast(msg)
	return nil
}

func (s *wsSession) onHistoryFetch(env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	q := realtime.HistoryQueryFromWire(p)
	page, err := s.g.store.FetchHistory(s.ctx, q)
	if err != nil {
		return err
	}

	reply, err := newEnvelope(v1.TypeHistoryChunk, env.ID, page.ToWire(q.ChannelID, q.ChannelType))
	if err != nil {
		return err
	}
	if !s.p.offer(reply) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

func (s *wsSession) reject(replyTo, code, msg string) {
	env, err := newEnvelope(v1.TypeError, replyTo, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = s.p.offer(env)
}
