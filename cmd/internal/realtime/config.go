package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"

	// maxFrameBytes bounds one inbound frame. A 4000-rune message fits with room for JSON.
	maxFrameBytes = 64 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	welcomeMessage             = "Connected to chat server"
	conversationDeletedMessage = "Conversation deleted"
)

// GatewayConfig controls the websocket endpoint. LoadGatewayConfig reads CHAT_WS_* variables.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout  time.Duration
	SendQueueSize int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// RequireAuth rejects upgrades without a valid bearer token.
	RequireAuth bool
	Fanout      FanoutScope
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		Fanout:           FanoutMembers,
	}
}

// LoadGatewayConfig overlays CHAT_WS_* variables on the defaults. allowedOrigins is used when
// CHAT_WS_ALLOWED_ORIGINS is unset (the server passes its CORS allow-list).
func LoadGatewayConfig(allowedOrigins []string) (GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}

	cfg.DevInsecure = envBoolWS("CHAT_WS_DEV_INSECURE", false)
	cfg.OriginRequired = envBoolWS("CHAT_WS_ORIGIN_REQUIRED", cfg.OriginRequired)
	if v := envCSVWS("CHAT_WS_ALLOWED_ORIGINS"); len(v) > 0 {
		cfg.AllowedOrigins = v
	}

	cfg.WriteTimeout = envDurationWS("CHAT_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.SendQueueSize = max(envIntWS("CHAT_WS_SEND_QUEUE", cfg.SendQueueSize), wsMinSendQueueSize)

	cfg.HeartbeatEvery = envDurationWS("CHAT_WS_HEARTBEAT_INTERVAL", cfg.HeartbeatEvery)
	cfg.HeartbeatTimeout = envDurationWS("CHAT_WS_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)

	cfg.RateEvents = envIntWS("CHAT_WS_RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = envDurationWS("CHAT_WS_RATE_WINDOW", cfg.RateWindow)

	cfg.RequireAuth = envBoolWS("CHAT_WS_REQUIRE_AUTH", false)

	scope, err := ParseFanoutScope(os.Getenv("CHAT_WS_FANOUT"))
	if err != nil {
		return GatewayConfig{}, err
	}
	cfg.Fanout = scope
	return cfg, nil
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string) []string {
	return splitCSV(os.Getenv(key))
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
