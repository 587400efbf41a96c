package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TELECONSULT_HTTP_PORT.
const EnvPrefix = "TELECONSULT"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP         *HTTPConfig         `mapstructure:"http"`
	WebSocket    *WebSocketConfig    `mapstructure:"websocket"`
	Database     *DatabaseConfig     `mapstructure:"database"`
	Presence     *PresenceConfig     `mapstructure:"presence"`
	WaitingRoom  *WaitingRoomConfig  `mapstructure:"waiting_room"`
	Invitation   *InvitationConfig   `mapstructure:"invitation"`
	Notification *NotificationConfig `mapstructure:"notification"`
	Reminder     *ReminderConfig     `mapstructure:"reminder"`
	Delivery     *DeliveryConfig     `mapstructure:"delivery"`
	Broker       *BrokerConfig       `mapstructure:"broker"`
	Auth         *AuthConfig         `mapstructure:"auth"`
	Log          *LogConfig          `mapstructure:"log"`
	Metrics      *MetricsConfig      `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// FUNCTIONAL DISCOVERY: WebSocket ping cadence matches the presence heartbeat
type WebSocketConfig struct {
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	BufferSize    int           `mapstructure:"buffer_size"`
	RateLimit     int           `mapstructure:"rate_limit"`
	RateWindow    time.Duration `mapstructure:"rate_window"`
	TypingTimeout time.Duration `mapstructure:"typing_timeout"`
}

// DatabaseConfig selects the store adapter. Driver is "sqlite" or "memory".
type DatabaseConfig struct {
	Driver  string        `mapstructure:"driver"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	GraceBeats        int           `mapstructure:"grace_beats"`
}

// Timeout is how long a connection may stay silent before it is dropped.
func (p *PresenceConfig) Timeout() time.Duration {
	return p.HeartbeatInterval * time.Duration(p.GraceBeats)
}

type WaitingRoomConfig struct {
	OrphanTimeout     time.Duration `mapstructure:"orphan_timeout"`
	BaseMinutes       int           `mapstructure:"base_minutes"`
	PerPatientMinutes int           `mapstructure:"per_patient_minutes"`
}

// InvitationConfig drives token lifetime and the device-test window.
// MaxDeviceTests of 0 means unlimited retests before the cutoff.
type InvitationConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	DeviceTestCutoff time.Duration `mapstructure:"device_test_cutoff"`
	MaxDeviceTests   int           `mapstructure:"max_device_tests"`
	JoinBaseURL      string        `mapstructure:"join_base_url"`
}

// NotificationConfig sets debounce cooldowns. CacheBackend is "memory" or "redis".
type NotificationConfig struct {
	JoinCooldown    time.Duration `mapstructure:"join_cooldown"`
	WaitingCooldown time.Duration `mapstructure:"waiting_cooldown"`
	CacheBackend    string        `mapstructure:"cache_backend"`
	RedisURL        string        `mapstructure:"redis_url"`
}

type ReminderConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	LookaheadMin time.Duration `mapstructure:"lookahead_min"`
	LookaheadMax time.Duration `mapstructure:"lookahead_max"`
}

// DeliveryConfig selects the email/SMS backend. Backend is "log" or "asynq".
type DeliveryConfig struct {
	Backend     string `mapstructure:"backend"`
	RedisAddr   string `mapstructure:"redis_addr"`
	MaxRetry    int    `mapstructure:"max_retry"`
	Queue       string `mapstructure:"queue"`
	Concurrency int    `mapstructure:"concurrency"`
}

// BrokerConfig enables the AMQP event mirror when URL is set.
type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; every key has a default so
// environment overrides are picked up by viper
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:  30 * time.Second,
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
			BufferSize:    100,
			RateLimit:     100,
			RateWindow:    time.Minute,
			TypingTimeout: 3 * time.Second,
		},
		Database: &DatabaseConfig{
			Driver:  "sqlite",
			Path:    "./teleconsult.db",
			Timeout: 30 * time.Second,
		},
		Presence: &PresenceConfig{
			HeartbeatInterval: 30 * time.Second,
			GraceBeats:        2,
		},
		WaitingRoom: &WaitingRoomConfig{
			OrphanTimeout:     30 * time.Minute,
			BaseMinutes:       2,
			PerPatientMinutes: 5,
		},
		Invitation: &InvitationConfig{
			TTL:              24 * time.Hour,
			DeviceTestCutoff: 2 * time.Minute,
			MaxDeviceTests:   0,
			JoinBaseURL:      "http://localhost:8080",
		},
		Notification: &NotificationConfig{
			JoinCooldown:    10 * time.Second,
			WaitingCooldown: 60 * time.Second,
			CacheBackend:    "memory",
			RedisURL:        "redis://localhost:6379/0",
		},
		Reminder: &ReminderConfig{
			Enabled:      true,
			Interval:     time.Minute,
			LookaheadMin: 2 * time.Minute,
			LookaheadMax: 3 * time.Minute,
		},
		Delivery: &DeliveryConfig{
			Backend:     "log",
			RedisAddr:   "localhost:6379",
			MaxRetry:    5,
			Queue:       "notifications",
			Concurrency: 5,
		},
		Broker: &BrokerConfig{
			URL:      "",
			Exchange: "teleconsult.events",
		},
		Auth: &AuthConfig{
			JWTSecret: "change-me-in-production",
			Issuer:    "teleconsult",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: &MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "teleconsult",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Database == nil || c.Presence == nil ||
		c.WaitingRoom == nil || c.Invitation == nil || c.Notification == nil || c.Reminder == nil ||
		c.Delivery == nil || c.Broker == nil || c.Auth == nil || c.Log == nil || c.Metrics == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.RateLimit <= 0 || c.WebSocket.RateWindow <= 0 {
		return fmt.Errorf("WebSocket rate limit and window must be positive")
	}
	if c.WebSocket.TypingTimeout <= 0 {
		return fmt.Errorf("WebSocket typing timeout must be positive")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence heartbeat interval must be positive")
	}
	if c.Presence.GraceBeats < 1 {
		return fmt.Errorf("presence grace beats must be at least 1")
	}

	if c.WaitingRoom.OrphanTimeout <= 0 {
		return fmt.Errorf("waiting room orphan timeout must be positive")
	}
	if c.WaitingRoom.BaseMinutes < 0 || c.WaitingRoom.PerPatientMinutes < 0 {
		return fmt.Errorf("waiting room estimates cannot be negative")
	}

	if c.Invitation.TTL <= 0 {
		return fmt.Errorf("invitation ttl must be positive")
	}
	if c.Invitation.DeviceTestCutoff < 0 {
		return fmt.Errorf("device test cutoff cannot be negative")
	}
	if c.Invitation.MaxDeviceTests < 0 {
		return fmt.Errorf("max device tests cannot be negative")
	}

	if c.Notification.JoinCooldown < 0 || c.Notification.WaitingCooldown < 0 {
		return fmt.Errorf("notification cooldowns cannot be negative")
	}
	switch c.Notification.CacheBackend {
	case "memory":
	case "redis":
		if c.Notification.RedisURL == "" {
			return fmt.Errorf("redis url is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("unknown notification cache backend %q", c.Notification.CacheBackend)
	}

	if c.Reminder.Interval <= 0 {
		return fmt.Errorf("reminder interval must be positive")
	}
	if c.Reminder.LookaheadMin < 0 || c.Reminder.LookaheadMax <= c.Reminder.LookaheadMin {
		return fmt.Errorf("reminder lookahead band is invalid")
	}

	switch c.Delivery.Backend {
	case "log":
	case "asynq":
		if c.Delivery.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the asynq delivery backend")
		}
	default:
		return fmt.Errorf("unknown delivery backend %q", c.Delivery.Backend)
	}
	if c.Delivery.MaxRetry < 0 {
		return fmt.Errorf("delivery max retry cannot be negative")
	}

	if c.Broker.URL != "" && c.Broker.Exchange == "" {
		return fmt.Errorf("broker exchange is required when broker url is set")
	}

	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("jwt secret must be at least 16 characters")
	}

	return nil
}

// Load builds the configuration. Precedence: environment > file > defaults.
// An empty path skips the file; a missing file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.rate_limit", d.WebSocket.RateLimit)
	v.SetDefault("websocket.rate_window", d.WebSocket.RateWindow)
	v.SetDefault("websocket.typing_timeout", d.WebSocket.TypingTimeout)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)

	v.SetDefault("presence.heartbeat_interval", d.Presence.HeartbeatInterval)
	v.SetDefault("presence.grace_beats", d.Presence.GraceBeats)

	v.SetDefault("waiting_room.orphan_timeout", d.WaitingRoom.OrphanTimeout)
	v.SetDefault("waiting_room.base_minutes", d.WaitingRoom.BaseMinutes)
	v.SetDefault("waiting_room.per_patient_minutes", d.WaitingRoom.PerPatientMinutes)

	v.SetDefault("invitation.ttl", d.Invitation.TTL)
	v.SetDefault("invitation.device_test_cutoff", d.Invitation.DeviceTestCutoff)
	v.SetDefault("invitation.max_device_tests", d.Invitation.MaxDeviceTests)
	v.SetDefault("invitation.join_base_url", d.Invitation.JoinBaseURL)

	v.SetDefault("notification.join_cooldown", d.Notification.JoinCooldown)
	v.SetDefault("notification.waiting_cooldown", d.Notification.WaitingCooldown)
	v.SetDefault("notification.cache_backend", d.Notification.CacheBackend)
	v.SetDefault("notification.redis_url", d.Notification.RedisURL)

	v.SetDefault("reminder.enabled", d.Reminder.Enabled)
	v.SetDefault("reminder.interval", d.Reminder.Interval)
	v.SetDefault("reminder.lookahead_min", d.Reminder.LookaheadMin)
	v.SetDefault("reminder.lookahead_max", d.Reminder.LookaheadMax)

	v.SetDefault("delivery.backend", d.Delivery.Backend)
	v.SetDefault("delivery.redis_addr", d.Delivery.RedisAddr)
	v.SetDefault("delivery.max_retry", d.Delivery.MaxRetry)
	v.SetDefault("delivery.queue", d.Delivery.Queue)
	v.SetDefault("delivery.concurrency", d.Delivery.Concurrency)

	v.SetDefault("broker.url", d.Broker.URL)
	v.SetDefault("broker.exchange", d.Broker.Exchange)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}
