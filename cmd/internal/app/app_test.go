package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deskwire/cmd/internal/devgw"
	"deskwire/cmd/internal/realtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://desk.example.com", want: "wss://desk.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("DESK_MODE", "DevGW")
	t.Setenv("DESK_CHANNEL_TYPE", "251")
	t.Setenv("DESK_ACK_TIMEOUT", "3s")
	t.Setenv("DESK_SEND_RATE_EVENTS", "-4")
	t.Setenv("DESK_DEVGW_TOKENS", "agent-1=t1, bad, visitor-1 = t2 ,=x")
	t.Setenv("DESK_DEVGW_ALLOWED_ORIGINS", "https://console.example.com, ,http://127.0.0.1:*")

	cfg := LoadConfig()
	if cfg.Mode != ModeDevGW {
		t.Fatalf("mode=%q", cfg.Mode)
	}
	if cfg.ChannelType != 251 || cfg.AckTimeout != 3*time.Second {
		t.Fatalf("channel_type=%d ack=%v", cfg.ChannelType, cfg.AckTimeout)
	}
	if cfg.SendRateEvents != 20 {
		t.Fatalf("invalid ints fall back to the default, got %d", cfg.SendRateEvents)
	}
	if len(cfg.DevGWTokens) != 2 || cfg.DevGWTokens["agent-1"] != "t1" || cfg.DevGWTokens["visitor-1"] != "t2" {
		t.Fatalf("tokens=%v", cfg.DevGWTokens)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://127.0.0.1:*" {
		t.Fatalf("origins=%v", cfg.AllowedOrigins)
	}
	if cfg.ServerURL != "ws://127.0.0.1:8080/ws" || cfg.WSDriver != realtime.DriverCoder {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	client := Config{
		Mode:        ModeClient,
		ServerURL:   "ws://127.0.0.1:8080/ws",
		UID:         "agent-1",
		Token:       "t1",
		ChannelType: 3,
		WSDriver:    "gorilla",
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{name: "client ok", mutate: func(*Config) {}, ok: true},
		{name: "missing token", mutate: func(c *Config) { c.Token = "" }},
		{name: "http url", mutate: func(c *Config) { c.ServerURL = "http://x/ws" }},
		{name: "unknown driver", mutate: func(c *Config) { c.WSDriver = "nhooyr" }},
		{name: "channel type range", mutate: func(c *Config) { c.ChannelType = 300 }},
		{name: "devgw ok", mutate: func(c *Config) { c.Mode = ModeDevGW; c.DevGWAddr = "127.0.0.1:0"; c.Token = "" }, ok: true},
		{name: "devgw origin required without list", mutate: func(c *Config) { c.Mode = ModeDevGW; c.DevGWAddr = ":0"; c.OriginRequired = true }},
		{name: "unknown mode", mutate: func(c *Config) { c.Mode = "server" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := client
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate()=%v want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestApp_DevGWEndpoints(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), Config{Mode: ModeDevGW, DevGWAddr: "127.0.0.1:0"}, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(a.closeArchive)

	mux := http.NewServeMux()
	registerHTTP(mux, a)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, res.StatusCode)
		}
	}

	res, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var st statusResponse
	err = json.NewDecoder(res.Body).Decode(&st)
	res.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Mode != ModeDevGW || st.Peers == nil || *st.Peers != 0 || st.Connected != nil {
		t.Fatalf("unexpected status: %+v", st)
	}

	res, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics endpoint missing runtime collectors")
	}
}

func TestApp_ClientConnectsAndOpensChannel(t *testing.T) {
	t.Parallel()

	gw := devgw.New(devgw.Options{Logger: discardLogger(), Heartbeat: -1})
	gwSrv := httptest.NewServer(gw)
	t.Cleanup(gwSrv.Close)

	cfg := Config{
		Mode:           ModeClient,
		ServerURL:      "ws" + strings.TrimPrefix(gwSrv.URL, "http") + "/ws",
		UID:            "agent-1",
		Token:          "t1",
		ChannelID:      "visitor-1",
		ChannelType:    int(realtime.ChannelTypeVisitor),
		WSDriver:       realtime.DriverGorilla,
		ConnectTimeout: 3 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
		AckTimeout:     3 * time.Second,
		SendRateEvents: 10,
		SendRateWindow: time.Second,
		HistoryPage:    10,
	}
	a, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(a.closeArchive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.runClient(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		a.history.Stop()
		a.session.SafeDisconnect()
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		st := a.statusSnapshot()
		if st.Connected != nil && *st.Connected && st.ActiveChannel == "visitor-1" {
			if st.SessionID == "" {
				t.Fatalf("connected without a session id")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client did not connect and open the channel: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := a.history.Send(context.Background(), realtime.TextPayload("hello"), "agent-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageSeq != 1 {
		t.Fatalf("unexpected send result: %+v", res)
	}
	if n := len(a.history.Entries()); n != 1 {
		t.Fatalf("expected one entry (echo or broadcast), got %d", n)
	}
}
