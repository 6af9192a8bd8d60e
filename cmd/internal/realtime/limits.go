package realtime

import "time"

// Client-side limits.
const (
	// Max bytes per inbound websocket frame (hard limit).
	maxFrameBytes = 256 << 10 // 256 KiB

	// Max text length of one outbound message (runes).
	maxMessageChars = 4000
)

const (
	// Session timing defaults.
	defaultConnectTimeout = 10 * time.Second
	defaultSettleDelay    = 300 * time.Millisecond
	defaultReconnectDelay = 1 * time.Second
	defaultReconnectMax   = 30 * time.Second
	defaultReconnectTries = 5
	defaultAckTimeout     = 15 * time.Second
	defaultHeartbeat      = 25 * time.Second
	defaultHeartbeatWait  = 5 * time.Second

	// Outbound send limiter (events per window).
	sendRateEvents = 20
	sendRateWindow = 10 * time.Second
)
