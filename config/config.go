// Package config loads the runtime's configuration surface (§6) from
// environment variables, with an optional .env file fallback, the same
// way the teacher repo's config package does.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// RuntimeConfig is the recognized configuration surface from §6: relay
// fleet sizing, timeouts, and the tunable knobs C2-C7 read at
// construction time.
type RuntimeConfig struct {
	NostrRelays []string `env:"NOSTR_RELAYS" envSeparator:";"`
	MaxRelays   int      `env:"MAX_RELAYS" envDefault:"20"`

	ConnectTimeout        time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	Keepalive             time.Duration `env:"KEEPALIVE" envDefault:"25s"`
	ReconnectBase         time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	ReconnectMax          time.Duration `env:"RECONNECT_MAX" envDefault:"300s"`
	ReconnectMaxAttempts  int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	ReconnectJitter       time.Duration `env:"RECONNECT_JITTER" envDefault:"1s"`
	PublishAckTimeout     time.Duration `env:"PUBLISH_ACK_TIMEOUT" envDefault:"10s"`
	RPCResponseTimeout    time.Duration `env:"RPC_RESPONSE_TIMEOUT" envDefault:"60s"`
	CacheMaxEvents        int           `env:"CACHE_MAX_EVENTS" envDefault:"10000"`
	CacheRetainRatio      float64       `env:"CACHE_RETAIN_RATIO" envDefault:"0.2"`
	MergeCeiling          int           `env:"MERGE_CEILING" envDefault:"1000"`
	MaxSubsPerRelay       int           `env:"MAX_SUBS_PER_RELAY" envDefault:"0"`
	DefaultIntentBuffer   int           `env:"DEFAULT_INTENT_BUFFER" envDefault:"256"`
	DefaultInactivityTime time.Duration `env:"DEFAULT_INACTIVITY_TIMEOUT" envDefault:"300s"`
	RateLimitCapacity     int           `env:"RATE_LIMIT_CAPACITY" envDefault:"20"`
	RateLimitWindow       time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	ClockSkewSeconds      int           `env:"CLOCK_SKEW_SECONDS" envDefault:"60"`

	NostrPrivateKey string `env:"NOSTR_PRIVATE_KEY"`
	NWCWalletPubkey string `env:"NWC_WALLET_PUBKEY"`
	NWCSecretKey    string `env:"NWC_SECRET_KEY"`
}

// DefaultRelays is used when the caller hasn't configured any relays of
// its own; kept small and well-known rather than a bootstrap catalog,
// per spec.md's Non-goals (discovery beyond an honored supplied list is
// out of scope — this is just a fallback seed list, not discovery).
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
}

// LoadConfig loads and marshals configuration from a .env file in the
// user's home directory, falling back to one in the current directory,
// falling back to bare OS environment variables.
func LoadConfig[T any]() (*T, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Error("error loading home directory", "err", err)
	}
	if homeDir != "" {
		if _, err := os.Stat(homeDir + "/.env"); err == nil {
			return loadFromEnv[T](homeDir + "/.env")
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		return loadFromEnv[T](".env")
	}
	return loadFromEnv[T]("")
}

// loadFromEnv loads .env at path (if non-empty) into the process
// environment, then parses T's env-tagged fields from it.
func loadFromEnv[T any](path string) (*T, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			slog.Warn("failed to load .env file", "path", path, "err", err)
		}
	}
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	return &cfg, nil
}
