package app

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statusResponse struct {
	Mode      string `json:"mode"`
	DBEnabled bool   `json:"db_enabled"`

	Connected        *bool  `json:"connected,omitempty"`
	Connecting       *bool  `json:"connecting,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	ReconnectPending *bool  `json:"reconnect_pending,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	ActiveChannel    string `json:"active_channel,omitempty"`
	Entries          *int   `json:"entries,omitempty"`

	Peers *int `json:"peers,omitempty"`
}

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		if a.session != nil && !a.session.Status().IsConnected {
			http.Error(w, "session not connected", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.statusSnapshot())
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
}

func (a *App) statusSnapshot() statusResponse {
	resp := statusResponse{Mode: a.cfg.Mode, DBEnabled: a.dbPool != nil}

	if a.session != nil {
		st := a.session.Status()
		pending := a.session.ReconnectPending()
		resp.Connected = &st.IsConnected
		resp.Connecting = &st.IsConnecting
		resp.ReconnectPending = &pending
		resp.LastError = st.Error
		resp.SessionID = a.session.SessionID()
		if c := a.history.Active(); c != nil {
			n := len(c.Entries())
			resp.ActiveChannel = c.ChannelID()
			resp.Entries = &n
		}
	}
	if a.gateway != nil {
		n := a.gateway.Hub().Count()
		resp.Peers = &n
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
