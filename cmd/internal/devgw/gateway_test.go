package devgw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deskwire/cmd/internal/archive"
	"deskwire/cmd/internal/realtime"
	v1 "deskwire/shared/contracts/realtime/v1"
)

var drivers = []string{realtime.DriverCoder, realtime.DriverGorilla}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway serves g over httptest and returns its ws:// URL.
func startGateway(t *testing.T, opts Options) (*Gateway, string) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	g := New(opts)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, driver string, opts realtime.Options) *realtime.Session {
	t.Helper()
	d, err := realtime.NewDialer(driver, realtime.DialOptions{})
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	opts.Dialer = d
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.AckTimeout == 0 {
		opts.AckTimeout = 3 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = -1
	}
	s := realtime.NewSession(opts)
	t.Cleanup(s.SafeDisconnect)
	return s
}

func connect(t *testing.T, s *realtime.Session, url, uid string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx, realtime.Config{ServerURL: url, UID: uid, Token: "tok-" + uid}); err != nil {
		t.Fatalf("connect %s: %v", uid, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func textReq(key, text string) realtime.SendRequest {
	return realtime.SendRequest{
		ChannelID:   "visitor-1",
		ChannelType: realtime.ChannelTypeVisitor,
		Payload:     realtime.TextPayload(text),
		ClientMsgNo: key,
	}
}

func TestGateway_SendAckAndBroadcast(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()

			g, url := startGateway(t, Options{})
			agent := newClient(t, driver, realtime.Options{})
			watcher := newClient(t, driver, realtime.Options{})
			connect(t, agent, url, "agent")
			connect(t, watcher, url, "watcher")
			waitFor(t, "both peers joined", func() bool { return g.Hub().Count() == 2 })

			var (
				mu  sync.Mutex
				got []realtime.Message
			)
			watcher.Dispatcher().OnMessage(func(m realtime.Message) {
				mu.Lock()
				got = append(got, m)
				mu.Unlock()
			})

			res, err := agent.Send(context.Background(), textReq("c1", "hello"))
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			if res.MessageSeq != 1 || res.MessageID == "" || res.ReasonCode != realtime.ReasonSuccess {
				t.Fatalf("unexpected result: %+v", res)
			}

			waitFor(t, "broadcast", func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(got) == 1
			})
			mu.Lock()
			m := got[0]
			mu.Unlock()
			if m.ClientMsgNo != "c1" || m.FromUID != "agent" || m.Payload.Text != "hello" || m.MessageSeq != 1 {
				t.Fatalf("unexpected broadcast: %+v", m)
			}
		})
	}
}

func TestGateway_DuplicateSendIsIdempotent(t *testing.T) {
	t.Parallel()

	_, url := startGateway(t, Options{})
	s := newClient(t, realtime.DriverCoder, realtime.Options{})
	connect(t, s, url, "agent")

	first, err := s.Send(context.Background(), textReq("same", "a"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := s.Send(context.Background(), textReq("same", "a"))
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if first.MessageID != second.MessageID || first.MessageSeq != second.MessageSeq {
		t.Fatalf("resend must be deduplicated: %+v vs %+v", first, second)
	}
}

func TestGateway_AuthFailure(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()

			_, url := startGateway(t, Options{Auth: TokenAuth(map[string]string{"agent": "right"})})
			s := newClient(t, driver, realtime.Options{})

			err := s.Connect(context.Background(), realtime.Config{ServerURL: url, UID: "agent", Token: "wrong"})
			var ce *realtime.ConnectError
			if !errors.As(err, &ce) || ce.Kind != realtime.ConnectAuth {
				t.Fatalf("expected auth ConnectError, got %v", err)
			}
			if ce.Retryable() {
				t.Fatalf("auth failures are not retryable")
			}
			if st := s.Status(); st.IsConnected || st.IsConnecting || st.Error == "" {
				t.Fatalf("unexpected status: %+v", st)
			}
			if s.ReconnectPending() {
				t.Fatalf("auth failure must not schedule a reconnect")
			}
		})
	}
}

func TestGateway_PolicyReasonCodes(t *testing.T) {
	t.Parallel()

	_, url := startGateway(t, Options{
		Policy: func(uid string, p v1.MessageSendPayload) realtime.ReasonCode {
			if strings.Contains(string(p.Payload), "spam") {
				return realtime.ReasonBan
			}
			return realtime.ReasonSuccess
		},
	})
	s := newClient(t, realtime.DriverCoder, realtime.Options{})
	connect(t, s, url, "agent")

	_, err := s.Send(context.Background(), textReq("c1", "spam spam"))
	var se *realtime.SendError
	if !errors.As(err, &se) || se.Code != realtime.ReasonBan {
		t.Fatalf("expected ban, got %v", err)
	}
	if se.Classification.Category != realtime.CategoryPermission || se.Retryable() {
		t.Fatalf("unexpected classification: %+v", se.Classification)
	}

	if _, err := s.Send(context.Background(), textReq("c2", "fine")); err != nil {
		t.Fatalf("normal send: %v", err)
	}
}

func TestGateway_ServerRateLimit(t *testing.T) {
	t.Parallel()

	_, url := startGateway(t, Options{RateEvents: 2, RateWindow: time.Minute})
	s := newClient(t, realtime.DriverCoder, realtime.Options{})
	connect(t, s, url, "agent")

	for i, key := range []string{"a", "b"} {
		if _, err := s.Send(context.Background(), textReq(key, "x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_, err := s.Send(context.Background(), textReq("c", "x"))
	var se *realtime.SendError
	if !errors.As(err, &se) || se.Code != realtime.ReasonRateLimit || se.Local {
		t.Fatalf("expected server rate limit, got %v", err)
	}
	if !s.Status().IsConnected {
		t.Fatalf("a rate limited send keeps the connection")
	}
}

func TestGateway_HistoryPaging(t *testing.T) {
	t.Parallel()

	store := archive.NewMemoryStore()
	for i := 0; i < 5; i++ {
		if _, err := store.Append(context.Background(), archive.AppendInput{
			ChannelID:   "visitor-1",
			ChannelType: realtime.ChannelTypeVisitor,
			ClientMsgNo: string(rune('a' + i)),
			Payload:     realtime.TextPayload("m"),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	_, url := startGateway(t, Options{Store: store})
	s := newClient(t, realtime.DriverGorilla, realtime.Options{})
	connect(t, s, url, "agent")

	page, err := s.FetchHistory(context.Background(), realtime.HistoryQuery{
		ChannelID:   "visitor-1",
		ChannelType: realtime.ChannelTypeVisitor,
		Limit:       2,
		PullMode:    realtime.PullOlder,
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Messages) != 2 || page.StartSeq != 4 || page.EndSeq != 5 || !page.More {
		t.Fatalf("unexpected page: %+v", page)
	}

	_, err = s.FetchHistory(context.Background(), realtime.HistoryQuery{ChannelID: "visitor-1"})
	var fe *realtime.FetchError
	if !errors.As(err, &fe) || !errors.Is(err, realtime.ErrRejected) {
		t.Fatalf("expected a rejected FetchError for a missing channel type, got %v", err)
	}
	if !s.Status().IsConnected {
		t.Fatalf("a rejected fetch keeps the connection")
	}
}

func TestGateway_EmitEvents(t *testing.T) {
	t.Parallel()

	g, url := startGateway(t, Options{})
	s := newClient(t, realtime.DriverCoder, realtime.Options{})
	connect(t, s, url, "agent")
	waitFor(t, "peer joined", func() bool { return g.Hub().Count() == 1 })

	var (
		mu       sync.Mutex
		content  strings.Builder
		ended    *realtime.StreamEnd
		presence []realtime.Presence
	)
	d := s.Dispatcher()
	d.OnStreamContent(func(sd realtime.StreamDelta) {
		mu.Lock()
		content.WriteString(sd.Content)
		mu.Unlock()
	})
	d.OnStreamEnd(func(e realtime.StreamEnd) {
		mu.Lock()
		ended = &e
		mu.Unlock()
	})
	d.OnPresence(func(p realtime.Presence) {
		mu.Lock()
		presence = append(presence, p)
		mu.Unlock()
	})

	str := func(s string) json.RawMessage {
		b, _ := json.Marshal(s)
		return b
	}
	g.Emit(v1.EventPayload{ID: "c9", Type: v1.EventStreamContent, Data: str("Hel")})
	g.Emit(v1.EventPayload{ID: "c9", Type: v1.EventStreamContent, Data: str("lo")})
	g.Emit(v1.EventPayload{ID: "c9", Type: v1.EventStreamEnd})
	g.Emit(v1.EventPayload{Type: v1.EventVisitorOnline, Data: json.RawMessage(`{"visitor_id":"v1"}`)})

	waitFor(t, "events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ended != nil && len(presence) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if content.String() != "Hello" {
		t.Fatalf("stream content: %q", content.String())
	}
	if ended.ClientMsgNo != "c9" || ended.Error != "" {
		t.Fatalf("stream end: %+v", *ended)
	}
	if p := presence[0]; !p.Online || p.ChannelID != "v1" || p.ChannelType != realtime.ChannelTypeVisitor {
		t.Fatalf("presence: %+v", p)
	}
}

func TestGateway_KickPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		code      int
		reconnect bool
	}{
		{"service restart reconnects", 1012, true},
		{"kicked stays down", v1.CloseKicked, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g, url := startGateway(t, Options{})
			s := newClient(t, realtime.DriverCoder, realtime.Options{
				ReconnectDelay: 20 * time.Millisecond,
			})
			connect(t, s, url, "agent")
			waitFor(t, "peer joined", func() bool { return g.Hub().Count() == 1 })
			first := s.SessionID()

			if n := g.Hub().Kick("agent", tc.code, "test"); n != 1 {
				t.Fatalf("kicked %d peers", n)
			}

			if tc.reconnect {
				waitFor(t, "reconnect", func() bool {
					return s.Status().IsConnected && s.SessionID() != first
				})
				return
			}

			waitFor(t, "disconnect", func() bool { return !s.Status().IsConnected })
			time.Sleep(100 * time.Millisecond)
			if s.Status().IsConnected || s.ReconnectPending() {
				t.Fatalf("close code %d must not reconnect: %+v", tc.code, s.Status())
			}
		})
	}
}

func TestGateway_RejectsNonHelloFirst(t *testing.T) {
	t.Parallel()

	g, url := startGateway(t, Options{})
	conn, err := realtime.NewCoderDialer(realtime.DialOptions{}).Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Discard() }()

	payload, _ := json.Marshal(v1.MessageSendPayload{ChannelID: "visitor-1", ChannelType: 251, ClientMsgNo: "c1"})
	first, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeMessageSend, ID: "req-1", Payload: payload})
	if err := conn.Write(context.Background(), first); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var rejected bool
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			var ce *realtime.CloseError
			if !errors.As(err, &ce) || ce.Code != v1.CloseProtocolError {
				t.Fatalf("expected close %d, got %v", v1.CloseProtocolError, err)
			}
			break
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if env.Type == v1.TypeError && env.ID == "req-1" && p.Code == v1.ErrCodeNotHello {
			rejected = true
		}
	}
	if !rejected {
		t.Fatalf("expected a hello_required error reply")
	}
	if g.Hub().Count() != 0 {
		t.Fatalf("unauthenticated sessions never join the hub")
	}
}
