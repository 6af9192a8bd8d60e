// Package main is a CI-friendly smoke test for a deskwire-compatible gateway.
//
// It validates, through two real client sessions:
//   - handshake, subprotocol and hello/ack
//   - send -> ack with a server sequence
//   - message_new fanout to the other session
//   - history fetch containing the message
//   - idempotent resend under the same client_msg_no
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"deskwire/cmd/internal/realtime"
)

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send")
		driver  = flag.String("driver", realtime.DriverCoder, "websocket driver (coder|gorilla)")
		chanID  = flag.String("channel", "smoke-visitor-1", "channel id")
		chType  = flag.Int("channel-type", int(realtime.ChannelTypeVisitor), "channel type")
		token   = flag.String("token", "smoke", "token sent by both sessions")
		text    = flag.String("text", "hello deskwire 👋", "message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := realtime.ValidateServerURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *chType <= 0 || *chType > 255 {
		fatalf("invalid -channel-type: %d", *chType)
	}

	logOut := io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	root := context.Background()
	a := mustConnect(root, log, "agent-smoke", *token, *wsURL, *origin, *driver, *timeout)
	defer a.SafeDisconnect()
	b := mustConnect(root, log, "observer-smoke", *token, *wsURL, *origin, *driver, *timeout)
	defer b.SafeDisconnect()

	received := make(chan realtime.Message, 16)
	b.Dispatcher().OnMessage(func(m realtime.Message) { received <- m })

	req := realtime.SendRequest{
		ChannelID:   *chanID,
		ChannelType: realtime.ChannelType(*chType),
		Payload:     realtime.TextPayload(*text),
		ClientMsgNo: fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
	}

	res := mustSend(root, a, req, *timeout)
	mustReceive(received, res, *text, *timeout)
	mustHistoryContains(root, b, req, res, *timeout)

	again := mustSend(root, a, req, *timeout)
	if again.MessageSeq != res.MessageSeq || again.MessageID != res.MessageID {
		fatalf("dedupe: first=%d/%s second=%d/%s", res.MessageSeq, res.MessageID, again.MessageSeq, again.MessageID)
	}
	mustReceiveNothing(received, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s channel=%s seq=%d message_id=%s\n", a.SessionID(), b.SessionID(), *chanID, res.MessageSeq, res.MessageID)
}

func mustConnect(parent context.Context, log *slog.Logger, uid, token, wsURL, origin, driver string, stepTimeout time.Duration) *realtime.Session {
	dialer, err := realtime.NewDialer(driver, realtime.DialOptions{Origin: origin})
	if err != nil {
		fatalf("dialer: %v", err)
	}
	s := realtime.NewSession(realtime.Options{
		Dialer:               dialer,
		Logger:               log.With("uid", uid),
		ConnectTimeout:       stepTimeout,
		AckTimeout:           stepTimeout,
		MaxReconnectAttempts: -1,
	})

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := s.Connect(ctx, realtime.Config{ServerURL: wsURL, UID: uid, Token: token}); err != nil {
		fatalf("connect %s: %v", uid, err)
	}
	if s.SessionID() == "" {
		fatalf("connect %s: hello ack without session id", uid)
	}
	return s
}

func mustSend(parent context.Context, s *realtime.Session, req realtime.SendRequest, stepTimeout time.Duration) realtime.SendResult {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	res, err := s.Send(ctx, req)
	if err != nil {
		var se *realtime.SendError
		if errors.As(err, &se) {
			fatalf("send rejected: reason=%s retryable=%v", se.Classification.Key, se.Retryable())
		}
		fatalf("send: %v", err)
	}
	if res.ClientMsgNo != req.ClientMsgNo {
		fatalf("ack client_msg_no mismatch: got=%q want=%q", res.ClientMsgNo, req.ClientMsgNo)
	}
	if res.MessageID == "" || res.MessageSeq <= 0 {
		fatalf("ack missing id or seq: %+v", res)
	}
	return res
}

func mustReceive(ch <-chan realtime.Message, res realtime.SendResult, text string, wait time.Duration) {
	t := time.NewTimer(wait)
	defer t.Stop()
	for {
		select {
		case m := <-ch:
			if m.ClientMsgNo != res.ClientMsgNo {
				continue
			}
			if m.MessageID != res.MessageID || m.MessageSeq != res.MessageSeq {
				fatalf("message_new mismatch: got=%s/%d want=%s/%d", m.MessageID, m.MessageSeq, res.MessageID, res.MessageSeq)
			}
			if m.Payload.Text != text {
				fatalf("message_new text mismatch: got=%q want=%q", m.Payload.Text, text)
			}
			if m.Timestamp <= 0 {
				fatalf("message_new missing timestamp")
			}
			return
		case <-t.C:
			fatalf("timeout waiting for message_new")
		}
	}
}

func mustReceiveNothing(ch <-chan realtime.Message, wait time.Duration) {
	select {
	case m := <-ch:
		fatalf("unexpected message_new after duplicate send: %s", m.ClientMsgNo)
	case <-time.After(wait):
	}
}

func mustHistoryContains(parent context.Context, s *realtime.Session, req realtime.SendRequest, res realtime.SendResult, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	page, err := s.FetchHistory(ctx, realtime.HistoryQuery{
		ChannelID:   req.ChannelID,
		ChannelType: req.ChannelType,
		Limit:       50,
		PullMode:    realtime.PullOlder,
	})
	if err != nil {
		fatalf("history fetch: %v", err)
	}
	for _, m := range page.Messages {
		if m.MessageID == res.MessageID && m.MessageSeq == res.MessageSeq && m.ClientMsgNo == req.ClientMsgNo {
			return
		}
	}
	fatalf("history missing message %s (got %d messages)", res.MessageID, len(page.Messages))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
