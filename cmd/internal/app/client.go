package app

import (
	"context"
	"encoding/json"
	"time"

	"deskwire/cmd/internal/realtime"
)

const maxInitialConnectDelay = 30 * time.Second

// runClient connects the console session and keeps the configured channel
// open until ctx is done. Automatic reconnects after a drop are the
// session's job; this loop only covers the first connection.
func (a *App) runClient(ctx context.Context) error {
	d := a.session.Dispatcher()
	unsubs := []realtime.Unsubscribe{
		d.OnStatus(func(st realtime.Status) {
			a.log.Info("client.status", "connected", st.IsConnected, "connecting", st.IsConnecting, "status_err", st.Error)
		}),
		d.OnError(func(err error) {
			a.log.Warn("client.error", "err", err)
		}),
		d.OnPresence(func(p realtime.Presence) {
			a.log.Info("client.presence", "visitor_id", p.VisitorID, "channel_id", p.ChannelID, "online", p.Online)
		}),
		d.OnProfileUpdated(func(p realtime.ProfileUpdate) {
			a.log.Info("client.profile_updated", "visitor_id", p.VisitorID, "channel_id", p.ChannelID)
		}),
		d.OnQueueUpdated(func(raw json.RawMessage) {
			a.log.Info("client.queue_updated", "bytes", len(raw))
		}),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	cfg := realtime.Config{ServerURL: a.cfg.ServerURL, UID: a.cfg.UID, Token: a.cfg.Token}
	if err := a.connectWithRetry(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if a.cfg.ChannelID != "" {
		chType := realtime.ChannelType(a.cfg.ChannelType)
		c, err := a.history.Open(ctx, a.cfg.ChannelID, chType)
		if err != nil {
			a.log.Warn("client.history.open.fail", "channel_id", a.cfg.ChannelID, "err", err)
		} else {
			a.log.Info("client.history.open", "channel_id", c.ChannelID(), "entries", len(c.Entries()))
		}
	}

	<-ctx.Done()
	return nil
}

// connectWithRetry retries the first connection with a doubling delay.
// Authentication and configuration failures are returned immediately.
func (a *App) connectWithRetry(ctx context.Context, cfg realtime.Config) error {
	delay := a.cfg.ReconnectDelay
	for attempt := 1; ; attempt++ {
		err := a.session.Connect(ctx, cfg)
		if err == nil {
			a.log.Info("client.connect.ok", "session_id", a.session.SessionID(), "attempt", attempt)
			return nil
		}
		if !realtime.IsRetryable(err) {
			a.log.Error("client.connect.fail", "attempt", attempt, "retryable", false, "err", err)
			return err
		}
		a.log.Warn("client.connect.retry", "attempt", attempt, "delay", delay.String(), "err", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > maxInitialConnectDelay {
			delay = maxInitialConnectDelay
		}
	}
}
