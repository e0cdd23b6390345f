package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	libconfig "healthsense/backend/libs/config"
	"healthsense/backend/services/vitals-viewer/internal/models"
)

// Reconnect strategies.
const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// Config defines vitals-viewer configuration.
type Config struct {
	Tenant    TenantConfig    `yaml:"tenant"`
	API       APIConfig       `yaml:"api"`
	Sync      SyncConfig      `yaml:"sync"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
}

// TenantConfig selects the single tenant of a viewer process.
type TenantConfig struct {
	ID string `yaml:"id" env:"VIEWER_TENANT_ID"`
}

// APIConfig holds the two endpoint base addresses.
type APIConfig struct {
	BaseURL        string `yaml:"baseUrl" env:"VIEWER_API_URL"`
	WSURL          string `yaml:"wsUrl" env:"VIEWER_WS_URL"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" env:"VIEWER_API_TIMEOUT"`
}

// SyncConfig tunes the sync controller.
type SyncConfig struct {
	Mode               string          `yaml:"mode" env:"VIEWER_SYNC_MODE"`
	PullIntervalMillis int             `yaml:"pullIntervalMillis" env:"VIEWER_PULL_INTERVAL_MS"`
	Reconnect          ReconnectConfig `yaml:"reconnect" env:"VIEWER_RECONNECT"`
}

// ReconnectConfig selects the push channel reconnect policy.
type ReconnectConfig struct {
	Strategy       string  `yaml:"strategy" env:"VIEWER_RECONNECT_STRATEGY"`
	DelayMillis    int     `yaml:"delayMillis" env:"VIEWER_RECONNECT_DELAY_MS"`
	MaxDelayMillis int     `yaml:"maxDelayMillis" env:"VIEWER_RECONNECT_MAX_DELAY_MS"`
	Jitter         float64 `yaml:"jitter" env:"VIEWER_RECONNECT_JITTER"`
}

// WebSocketConfig tunes the push channel transport.
type WebSocketConfig struct {
	WriteTimeoutSeconds int `yaml:"writeTimeoutSeconds" env:"VIEWER_WS_WRITE_TIMEOUT"`
	PingIntervalSeconds int `yaml:"pingIntervalSeconds" env:"VIEWER_WS_PING_INTERVAL"`
}

// HTTPConfig configures the operator surface.
type HTTPConfig struct {
	Port string `yaml:"port" env:"VIEWER_HTTP_PORT"`
}

// RedisConfig configures the latest-state mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr       string `yaml:"addr" env:"VIEWER_REDIS_ADDR"`
	Password   string `yaml:"password" env:"VIEWER_REDIS_PASSWORD"`
	DB         int    `yaml:"db" env:"VIEWER_REDIS_DB"`
	TTLSeconds int    `yaml:"ttlSeconds" env:"VIEWER_REDIS_TTL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tenant: TenantConfig{ID: "acme-clinic"},
		API: APIConfig{
			BaseURL:        "http://localhost:8080/api/v1",
			WSURL:          "ws://localhost:8080/api/v1",
			TimeoutSeconds: 10,
		},
		Sync: SyncConfig{
			Mode:               string(models.ModePush),
			PullIntervalMillis: 2000,
			Reconnect: ReconnectConfig{
				Strategy:       StrategyFixed,
				DelayMillis:    3000,
				MaxDelayMillis: 60000,
			},
		},
		WebSocket: WebSocketConfig{
			WriteTimeoutSeconds: 5,
			PingIntervalSeconds: 30,
		},
		HTTP:  HTTPConfig{Port: "8090"},
		Redis: RedisConfig{TTLSeconds: 600},
	}
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Tenant.ID) == "" {
		errs = append(errs, errors.New("tenant.id is required"))
	}
	if err := checkURL(c.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api.baseUrl: %w", err))
	}
	if err := checkURL(c.API.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("api.wsUrl: %w", err))
	}
	if c.API.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("api.timeoutSeconds must be positive"))
	}
	if _, err := models.ParseSyncMode(c.Sync.Mode); err != nil {
		errs = append(errs, fmt.Errorf("sync.mode: %w", err))
	}
	if c.Sync.PullIntervalMillis <= 0 {
		errs = append(errs, errors.New("sync.pullIntervalMillis must be positive"))
	}

	rc := c.Sync.Reconnect
	switch strings.ToLower(strings.TrimSpace(rc.Strategy)) {
	case StrategyFixed, StrategyExponential:
	default:
		errs = append(errs, fmt.Errorf("sync.reconnect.strategy: unknown strategy %q", rc.Strategy))
	}
	if rc.DelayMillis <= 0 {
		errs = append(errs, errors.New("sync.reconnect.delayMillis must be positive"))
	}
	if rc.MaxDelayMillis < rc.DelayMillis {
		errs = append(errs, errors.New("sync.reconnect.maxDelayMillis must be >= delayMillis"))
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		errs = append(errs, errors.New("sync.reconnect.jitter must be within [0,1]"))
	}

	if c.WebSocket.WriteTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("websocket.writeTimeoutSeconds must be positive"))
	}
	if c.WebSocket.PingIntervalSeconds < 0 {
		errs = append(errs, errors.New("websocket.pingIntervalSeconds must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("want %s URL with host, got %q", strings.Join(schemes, "/"), raw)
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// SyncMode returns the validated initial mode.
func (c *Config) SyncMode() models.SyncMode {
	mode, err := models.ParseSyncMode(c.Sync.Mode)
	if err != nil {
		return models.ModePush
	}
	return mode
}

// APITimeout returns the roster request timeout.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// PullInterval returns the pull refresh period.
func (c *Config) PullInterval() time.Duration {
	return time.Duration(c.Sync.PullIntervalMillis) * time.Millisecond
}

// MirrorEnabled reports whether a redis address is configured.
func (c *Config) MirrorEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// MirrorTTL returns ttl as duration.
func (c *Config) MirrorTTL() time.Duration {
	if c.Redis.TTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}
