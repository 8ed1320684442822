// Package config loads runtime configuration from environment variables,
// optionally preceded by a local .env file, the way the prior revisions of
// this server did.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the fan-out proxy.
type Config struct {
	// Downstream acceptor.
	ListenAddr string `env:"ODIN_LISTEN_ADDR" envDefault:":8082"`
	WSPath     string `env:"ODIN_WS_PATH" envDefault:"/ws"`

	// Metrics / health HTTP surface.
	MetricsAddr string `env:"ODIN_METRICS_ADDR" envDefault:":9095"`

	// Upstream trading WebSocket.
	UpstreamURL        string        `env:"ODIN_UPSTREAM_URL" envDefault:"wss://ws.example-trading.com/echo/websocket"`
	UpstreamPingPeriod time.Duration `env:"ODIN_UPSTREAM_PING_PERIOD" envDefault:"20s"`
	ReconnectAttempts  int           `env:"ODIN_RECONNECT_ATTEMPTS" envDefault:"6"`
	ReconnectDelay     time.Duration `env:"ODIN_RECONNECT_DELAY" envDefault:"4s"`

	// Per-session heartbeat to the downstream client.
	DownstreamHeartbeat time.Duration `env:"ODIN_DOWNSTREAM_HEARTBEAT" envDefault:"15s"`

	// Order-result correlation window.
	OrderCorrelationTTL time.Duration `env:"ODIN_ORDER_CORRELATION_TTL" envDefault:"12s"`

	// Connection admission (token bucket, per remote address).
	ConnRateBurst float64 `env:"ODIN_CONN_RATE_BURST" envDefault:"20"`
	ConnRatePerS  float64 `env:"ODIN_CONN_RATE_PER_SEC" envDefault:"5"`

	// Default asset subscribed on startup burst.
	DefaultAsset string `env:"ODIN_DEFAULT_ASSET" envDefault:"EURUSD-OTC"`

	// AssetTableJSON is a JSON object mapping asset name to numeric id,
	// e.g. {"EURUSD-OTC":76,"EURUSD":1}. Loaded once at startup into an
	// immutable table.
	AssetTableJSON string `env:"ODIN_ASSET_TABLE" envDefault:"{\"EURUSD-OTC\":76,\"EURUSD\":1,\"GBPUSD-OTC\":80,\"BTCUSD\":2}"`

	// RateConfigJSON maps upstream event name to {interval_ms, max}.
	RateConfigJSON string `env:"ODIN_RATE_CONFIG" envDefault:"{\"candles\":{\"interval_ms\":100,\"max\":1},\"positions\":{\"interval_ms\":500,\"max\":3},\"balance-changed\":{\"interval_ms\":500,\"max\":3},\"pressure\":{\"interval_ms\":500,\"max\":2}}"`

	LogLevel  string `env:"ODIN_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ODIN_LOG_FORMAT" envDefault:"json"`
}

// RateRule is one entry of the event aggregator's per-class configuration.
type RateRule struct {
	IntervalMS int `json:"interval_ms"`
	Max        int `json:"max"`
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		// Optional file; absence is not an error. Any error from godotenv,
		// including bad .env syntax, is ignored here and not returned, so
		// configuration then comes from the process environment alone.
		_ = err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("ODIN_RECONNECT_ATTEMPTS must be > 0")
	}

	return cfg, nil
}

// AssetTable parses AssetTableJSON into a name->id map.
func (c Config) AssetTable() (map[string]int64, error) {
	table := make(map[string]int64)
	if err := json.Unmarshal([]byte(c.AssetTableJSON), &table); err != nil {
		return nil, fmt.Errorf("parse asset table: %w", err)
	}
	return table, nil
}

// RateConfig parses RateConfigJSON into the event aggregator's rule table.
func (c Config) RateConfig() (map[string]RateRule, error) {
	rules := make(map[string]RateRule)
	if err := json.Unmarshal([]byte(c.RateConfigJSON), &rules); err != nil {
		return nil, fmt.Errorf("parse rate config: %w", err)
	}
	return rules, nil
}
