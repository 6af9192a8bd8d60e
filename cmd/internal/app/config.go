package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"deskwire/cmd/internal/realtime"
)

// Run modes.
const (
	ModeClient = "client"
	ModeDevGW  = "devgw"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	Mode string

	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	// Client mode.
	ServerURL      string
	UID            string
	Token          string
	ChannelID      string
	ChannelType    int
	WSDriver       string
	Origin         string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	AckTimeout     time.Duration
	SendRateEvents int
	SendRateWindow time.Duration
	HistoryPage    int

	// Dev gateway mode.
	DevGWAddr      string
	DevGWTokens    map[string]string
	AllowedOrigins []string
	OriginRequired bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Mode: strings.ToLower(EnvString("DESK_MODE", ModeClient)),

		HTTPAddr:  EnvString("DESK_HTTP_ADDR", "127.0.0.1:9090"),
		LogLevel:  EnvString("DESK_LOG_LEVEL", "info"),
		LogFormat: EnvString("DESK_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("DESK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("DESK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("DESK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("DESK_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("DESK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("DESK_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("DESK_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DESK_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("DESK_DB_SCHEMA", "deskwire"),

		ReadinessRequireDB: EnvBool("DESK_READINESS_REQUIRE_DB", false),

		ServerURL:      EnvString("DESK_SERVER_URL", "ws://127.0.0.1:8080/ws"),
		UID:            EnvString("DESK_UID", ""),
		Token:          EnvString("DESK_TOKEN", ""),
		ChannelID:      EnvString("DESK_CHANNEL_ID", ""),
		ChannelType:    EnvInt("DESK_CHANNEL_TYPE", int(realtime.ChannelTypeCustomerService)),
		WSDriver:       EnvString("DESK_WS_DRIVER", realtime.DriverCoder),
		Origin:         EnvString("DESK_ORIGIN", ""),
		ConnectTimeout: EnvDuration("DESK_CONNECT_TIMEOUT", 10*time.Second),
		ReconnectDelay: EnvDuration("DESK_RECONNECT_DELAY", time.Second),
		AckTimeout:     EnvDuration("DESK_ACK_TIMEOUT", 15*time.Second),
		SendRateEvents: EnvInt("DESK_SEND_RATE_EVENTS", 20),
		SendRateWindow: EnvDuration("DESK_SEND_RATE_WINDOW", 10*time.Second),
		HistoryPage:    EnvInt("DESK_HISTORY_PAGE_SIZE", 30),

		DevGWAddr:      EnvString("DESK_DEVGW_ADDR", "127.0.0.1:8080"),
		DevGWTokens:    EnvPairs("DESK_DEVGW_TOKENS"),
		AllowedOrigins: EnvList("DESK_DEVGW_ALLOWED_ORIGINS"),
		OriginRequired: EnvBool("DESK_DEVGW_ORIGIN_REQUIRED", false),
	}
}

// Validate reports configuration that cannot work for the selected mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeClient:
		if c.ChannelType <= 0 || c.ChannelType > 255 {
			return fmt.Errorf("config: DESK_CHANNEL_TYPE out of range: %d", c.ChannelType)
		}
		if _, err := realtime.NewDialer(c.WSDriver, realtime.DialOptions{}); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		return realtime.Config{ServerURL: c.ServerURL, UID: c.UID, Token: c.Token}.Validate()
	case ModeDevGW:
		if strings.TrimSpace(c.DevGWAddr) == "" {
			return errors.New("config: DESK_DEVGW_ADDR is empty")
		}
		if c.OriginRequired && len(c.AllowedOrigins) == 0 {
			return errors.New("config: DESK_DEVGW_ORIGIN_REQUIRED=true but DESK_DEVGW_ALLOWED_ORIGINS is empty")
		}
		return nil
	default:
		return fmt.Errorf("config: unknown DESK_MODE %q", c.Mode)
	}
}
