package karmachat

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultAPIURL        = "https://api.karmachat.app"
	DefaultGatewayURL    = "wss://gateway.karmachat.app/socket"
	DefaultPollingURL    = "https://gateway.karmachat.app/poll"
	DefaultClientVersion = "go-1.0.0"
	DefaultTimeout       = 30 * time.Second
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Client and its Session.
type Config struct {
	// Token is the initial session token. When empty, Login fetches one
	// from the session config endpoint.
	Token string

	APIURL        string
	GatewayURL    string
	PollingURL    string
	ClientVersion string

	// EnableFallback lets the session fall back to HTTP long-polling when
	// the websocket gateway cannot be opened.
	EnableFallback bool

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration

	// MessageCacheSize bounds every dialogue's message history.
	MessageCacheSize int

	RequestsPerSecond float64
	RequestBurst      int

	HTTPClient *http.Client
	Logger     *zerolog.Logger

	// Metrics, when set, receives the client's Prometheus collectors.
	Metrics prometheus.Registerer
}

func (c *Config) defaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.GatewayURL == "" {
		c.GatewayURL = DefaultGatewayURL
	}
	if c.PollingURL == "" {
		c.PollingURL = DefaultPollingURL
	}
	c.PollingURL = strings.TrimRight(c.PollingURL, "/")
	if c.ClientVersion == "" {
		c.ClientVersion = DefaultClientVersion
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.MessageCacheSize <= 0 {
		c.MessageCacheSize = 50
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.RequestBurst == 0 {
		c.RequestBurst = 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ============================================================================
// File + environment loading
// ============================================================================

// fileConfig is the on-disk TOML shape. Durations are Go duration strings.
type fileConfig struct {
	Session struct {
		Token         string `toml:"token"`
		ClientVersion string `toml:"client_version"`
	} `toml:"session"`
	Endpoints struct {
		API     string `toml:"api"`
		Gateway string `toml:"gateway"`
		Polling string `toml:"polling"`
	} `toml:"endpoints"`
	Connection struct {
		EnableFallback       bool   `toml:"enable_fallback"`
		MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
		ReconnectBaseDelay   string `toml:"reconnect_base_delay"`
		ReconnectMaxDelay    string `toml:"reconnect_max_delay"`
		PingInterval         string `toml:"ping_interval"`
		PongTimeout          string `toml:"pong_timeout"`
	} `toml:"connection"`
	Cache struct {
		MessageCacheSize int `toml:"message_cache_size"`
	} `toml:"cache"`
	Limits struct {
		RequestsPerSecond float64 `toml:"requests_per_second"`
		RequestBurst      int     `toml:"request_burst"`
	} `toml:"limits"`
}

// LoadConfig reads a TOML config file. Unset values keep their zero value
// and are filled by defaults when the Client is created.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML bytes into a Config.
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	cfg := &Config{
		Token:                fc.Session.Token,
		ClientVersion:        fc.Session.ClientVersion,
		APIURL:               fc.Endpoints.API,
		GatewayURL:           fc.Endpoints.Gateway,
		PollingURL:           fc.Endpoints.Polling,
		EnableFallback:       fc.Connection.EnableFallback,
		MaxReconnectAttempts: fc.Connection.MaxReconnectAttempts,
		MessageCacheSize:     fc.Cache.MessageCacheSize,
		RequestsPerSecond:    fc.Limits.RequestsPerSecond,
		RequestBurst:         fc.Limits.RequestBurst,
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_base_delay", fc.Connection.ReconnectBaseDelay, &cfg.ReconnectBaseDelay},
		{"reconnect_max_delay", fc.Connection.ReconnectMaxDelay, &cfg.ReconnectMaxDelay},
		{"ping_interval", fc.Connection.PingInterval, &cfg.PingInterval},
		{"pong_timeout", fc.Connection.PongTimeout, &cfg.PongTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, errors.Wrapf(err, "connection.%s", d.name)
		}
		*d.dst = v
	}
	return cfg, nil
}

// ApplyEnv overlays KARMACHAT_* environment variables onto c. Unparseable
// numeric values are ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("KARMACHAT_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("KARMACHAT_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("KARMACHAT_GATEWAY_URL"); v != "" {
		c.GatewayURL = v
	}
	if v := os.Getenv("KARMACHAT_POLLING_URL"); v != "" {
		c.PollingURL = v
	}
	if v := os.Getenv("KARMACHAT_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EnableFallback = b
		}
	}
	if v := os.Getenv("KARMACHAT_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("KARMACHAT_MESSAGE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MessageCacheSize = n
		}
	}
}
