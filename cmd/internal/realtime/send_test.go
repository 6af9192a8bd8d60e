package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	v1 "deskwire/shared/contracts/realtime/v1"
)

func textReq(text string) SendRequest {
	return SendRequest{
		ChannelID:   "visitor-1",
		ChannelType: ChannelTypeVisitor,
		Payload:     TextPayload(text),
	}
}

func TestSend_NotInitialized(t *testing.T) {
	s := newTestSession(t, &fakeServer{}, nil)

	_, err := s.Send(context.Background(), textReq("hi"))
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("precondition failures are retryable after reconnect")
	}
}

func TestSend_StateInconsistentResets(t *testing.T) {
	s := newTestSession(t, &fakeServer{}, nil)

	s.mu.Lock()
	s.status = Status{IsConnected: true}
	s.mu.Unlock()

	_, err := s.Send(context.Background(), textReq("hi"))
	if !errors.Is(err, ErrStateInconsistent) {
		t.Fatalf("expected ErrStateInconsistent, got %v", err)
	}
	if st := s.Status(); st.IsConnected || st.IsConnecting {
		t.Fatalf("expected reset to disconnected, got %+v", st)
	}

	// The reset is permanent: the next attempt sees a plain missing handle.
	if _, err := s.Send(context.Background(), textReq("hi")); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after reset, got %v", err)
	}
}

func TestSend_NotConnectedWhileConnecting(t *testing.T) {
	srv := &fakeServer{gate: make(chan struct{})}
	s := newTestSession(t, srv, nil)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background(), testCfg) }()
	waitFor(t, "dial started", func() bool { return srv.dialCount() == 1 })
	if !s.Status().IsConnecting {
		t.Fatalf("expected connecting, got %+v", s.Status())
	}

	if _, err := s.Send(context.Background(), textReq("hi")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while connecting, got %v", err)
	}

	close(srv.gate)
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := s.Send(context.Background(), textReq("hi")); err != nil {
		t.Fatalf("send after connect: %v", err)
	}
}

func TestSend_NotConnectedAfterDisconnect(t *testing.T) {
	srv := &fakeServer{}
	s := newTestSession(t, srv, nil)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	_, err := s.Send(context.Background(), textReq("hi"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("not-connected is retryable after reconnect")
	}
}

func TestSend_LivenessProbeFailure(t *testing.T) {
	srv := &fakeServer{withPing: true}
	timers := &fakeTimers{}
	s := newTestSession(t, srv, timers)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.mu.Lock()
	srv.pingErr = errors.New("ping timeout")
	srv.mu.Unlock()

	_, err := s.Send(context.Background(), textReq("hi"))
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if st := s.Status(); st.IsConnected {
		t.Fatalf("expected disconnected, got %+v", st)
	}
	if len(srv.last().sent(v1.TypeMessageSend)) != 0 {
		t.Fatalf("nothing must be written after a failed probe")
	}
	if _, err := s.Send(context.Background(), textReq("hi")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected the handle to be cleared, got %v", err)
	}
	if timers.count() != 1 {
		t.Fatalf("a lost connection schedules one reconnect, got %d", timers.count())
	}
}

func TestSend_Success(t *testing.T) {
	srv := &fakeServer{}
	s := newTestSession(t, srv, nil)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	req := textReq("hello")
	req.ClientMsgNo = "c1"
	res, err := s.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "m-c1" || res.MessageSeq != 1 || res.ReasonCode != ReasonSuccess || res.ClientMsgNo != "c1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	sent := srv.last().sent(v1.TypeMessageSend)
	if len(sent) != 1 {
		t.Fatalf("expected one message_send, got %d", len(sent))
	}
}

func TestSend_GeneratesClientMsgNo(t *testing.T) {
	srv := &fakeServer{}
	s := newTestSession(t, srv, nil)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := s.Send(context.Background(), textReq("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ClientMsgNo == "" || res.MessageID != "m-"+res.ClientMsgNo {
		t.Fatalf("expected generated key echoed by the server, got %+v", res)
	}
}

func TestSend_ReasonCodeClassification(t *testing.T) {
	for _, code := range append(KnownReasonCodes(), ReasonCode(200)) {
		if code == ReasonUnknown {
			// The fake server treats 0 as "use the default"; covered by TestClassify.
			continue
		}
		srv := &fakeServer{reason: code}
		s := newTestSession(t, srv, nil)
		if err := s.Connect(context.Background(), testCfg); err != nil {
			t.Fatalf("code=%d connect: %v", code, err)
		}

		res, err := s.Send(context.Background(), textReq("x"))
		if code == ReasonSuccess {
			if err != nil || res.MessageID == "" {
				t.Fatalf("success: err=%v res=%+v", err, res)
			}
			continue
		}

		var se *SendError
		if !errors.As(err, &se) {
			t.Fatalf("code=%d: expected *SendError, got %v", code, err)
		}
		if !errors.Is(err, ErrSendFailed) {
			t.Fatalf("code=%d: expected ErrSendFailed in chain", code)
		}
		want := Classify(code)
		if se.Code != code || se.Classification != want {
			t.Fatalf("code=%d: got %+v want %+v", code, se, want)
		}
		if IsRetryable(err) != want.Retryable {
			t.Fatalf("code=%d: retryable=%v want %v", code, IsRetryable(err), want.Retryable)
		}
		if se.Local {
			t.Fatalf("code=%d: server codes are not local", code)
		}
	}
}

func TestSend_LocalRateLimit(t *testing.T) {
	srv := &fakeServer{}
	s := NewSession(Options{
		Dialer:            srv,
		Logger:            discardLogger(),
		HeartbeatInterval: -1,
		SendLimiter:       NewRateLimiter(2, time.Minute),
	})
	t.Cleanup(s.SafeDisconnect)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.Send(context.Background(), textReq("x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_, err := s.Send(context.Background(), textReq("x"))
	var se *SendError
	if !errors.As(err, &se) || !se.Local || se.Code != ReasonRateLimit {
		t.Fatalf("expected local rate limit, got %v", err)
	}
	if !se.Retryable() {
		t.Fatalf("rate limits are retryable")
	}
	if n := len(srv.last().sent(v1.TypeMessageSend)); n != 2 {
		t.Fatalf("limited send must not hit the wire, got %d writes", n)
	}
}

func TestSend_ConnectivityErrorMarksDisconnected(t *testing.T) {
	srv := &fakeServer{}
	timers := &fakeTimers{}
	s := newTestSession(t, srv, timers)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.mu.Lock()
	srv.writeErr = errors.New("socket is closed")
	srv.mu.Unlock()

	if _, err := s.Send(context.Background(), textReq("x")); err == nil {
		t.Fatalf("expected write error")
	}
	if st := s.Status(); st.IsConnected {
		t.Fatalf("expected eager disconnect, got %+v", st)
	}
}

func TestSend_OtherErrorsKeepConnection(t *testing.T) {
	srv := &fakeServer{}
	s := newTestSession(t, srv, nil)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.mu.Lock()
	srv.writeErr = errors.New("frame too large")
	srv.mu.Unlock()

	if _, err := s.Send(context.Background(), textReq("x")); err == nil {
		t.Fatalf("expected write error")
	}
	if !s.Status().IsConnected {
		t.Fatalf("unrelated errors must not flip the connection state")
	}
}

func TestSend_InvalidRequest(t *testing.T) {
	srv := &fakeServer{}
	s := newTestSession(t, srv, nil)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := s.Send(context.Background(), SendRequest{ChannelType: ChannelTypeVisitor, Payload: TextPayload("x")})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("invalid messages are not retryable")
	}
}

func TestSend_PublishesMessageSent(t *testing.T) {
	srv := &fakeServer{}
	s := newTestSession(t, srv, nil)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Signals().Subscribe(ctx, SignalMessageSent)

	req := textReq("x")
	req.ClientMsgNo = "c9"
	if _, err := s.Send(context.Background(), req); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case sig := <-ch:
		if sig.Name != SignalMessageSent || sig.ClientMsgNo != "c9" || sig.ChannelID != "visitor-1" {
			t.Fatalf("unexpected signal: %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message-sent signal")
	}
}

func TestSend_ContextCanceled(t *testing.T) {
	srv := &fakeServer{}
	s := newTestSession(t, srv, nil)
	if err := s.Connect(context.Background(), testCfg); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Send(ctx, textReq("x"))
	if err == nil {
		return // ack raced the cancellation
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("canceled sends are not retryable")
	}
}
