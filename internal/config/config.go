package config

import (
	"strings"
	"time"

	"peercall/pkg/constants"
	"peercall/pkg/env"
)

// Config holds the call agent configuration, loaded from the environment
type Config struct {
	Env        string
	ListenAddr string

	// Local identity the agent signs calls with
	UserID      string
	DisplayName string

	// Relay store backend: memory, firestore, redis, ws
	RelayBackend string

	RedisAddr     string
	RedisPassword string

	FirebaseProjectID       string
	FirebaseCredentialsPath string

	RelayBridgeURL    string
	RelayBridgeSecret string

	// ICE servers handed to the media transport; comma-separated STUN/TURN URLs
	ICEServerURLs []string

	// Transport tunables
	MaxReconnectionAttempts   int
	DisconnectedGracePeriod   time.Duration
	ConnectionLossGracePeriod time.Duration
	SignalSettleDelay         time.Duration
	UnmuteRecheckDelays       []time.Duration

	PushProvider string
}

// LoadConfig reads configuration from the environment, applying defaults
func LoadConfig() *Config {
	return &Config{
		Env:        env.GetString("ENV", "development"),
		ListenAddr: env.GetString("LISTEN_ADDR", ":8086"),

		UserID:      env.GetString("USER_ID", ""),
		DisplayName: env.GetString("DISPLAY_NAME", ""),

		RelayBackend: env.GetString("RELAY_BACKEND", "memory"),

		RedisAddr:     env.GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),

		FirebaseProjectID:       env.GetString("FIREBASE_PROJECT_ID", ""),
		FirebaseCredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),

		RelayBridgeURL:    env.GetString("RELAY_BRIDGE_URL", "ws://localhost:8087/relay"),
		RelayBridgeSecret: env.GetStringFromFile("RELAY_BRIDGE_SECRET", ""),

		ICEServerURLs: splitList(env.GetString("ICE_SERVER_URLS", "stun:stun.l.google.com:19302")),

		MaxReconnectionAttempts:   env.GetInt("MAX_RECONNECTION_ATTEMPTS", constants.MaxReconnectionAttempts),
		DisconnectedGracePeriod:   env.GetDuration("DISCONNECTED_GRACE_PERIOD", constants.DisconnectedGracePeriod),
		ConnectionLossGracePeriod: env.GetDuration("CONNECTION_LOSS_GRACE_PERIOD", constants.ConnectionLossGracePeriod),
		SignalSettleDelay:         env.GetDuration("SIGNAL_SETTLE_DELAY", constants.SignalSettleDelay),
		UnmuteRecheckDelays:       constants.UnmuteRecheckDelays,

		PushProvider: env.GetString("PUSH_PROVIDER", "mock"),
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
