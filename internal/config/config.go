package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig marks a configuration that cannot be started with.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete application configuration
type Config struct {
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Push       PushConfig       `mapstructure:"push"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Email      EmailConfig      `mapstructure:"email"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PricingConfig holds pricing service configuration
type PricingConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// PushConfig holds Web Push credentials and message options
type PushConfig struct {
	VAPIDPublicKey  string        `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `mapstructure:"vapid_private_key"`
	Subscriber      string        `mapstructure:"subscriber"`
	TTL             time.Duration `mapstructure:"ttl"`
	Urgency         string        `mapstructure:"urgency"`
	Topic           string        `mapstructure:"topic"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	Icon            string        `mapstructure:"icon"`
	Badge           string        `mapstructure:"badge"`
}

// PolicyConfig holds retry and circuit breaker settings for one collaborator
type PolicyConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	FailureRatio     float64       `mapstructure:"failure_ratio"`
	MinRequests      uint32        `mapstructure:"min_requests"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// ResilienceConfig holds one policy per external collaborator
type ResilienceConfig struct {
	Price PolicyConfig `mapstructure:"price"`
	Push  PolicyConfig `mapstructure:"push"`
	Email PolicyConfig `mapstructure:"email"`
}

// DispatchConfig holds cycle concurrency settings
type DispatchConfig struct {
	PriceWorkers    int           `mapstructure:"price_workers"`
	DeliveryWorkers int           `mapstructure:"delivery_workers"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
}

// ScheduleConfig holds the scheduled cycle configuration
type ScheduleConfig struct {
	Mode       string        `mapstructure:"mode"` // daily or interval
	DailyAt    string        `mapstructure:"daily_at"`
	Timezone   string        `mapstructure:"timezone"`
	Interval   time.Duration `mapstructure:"interval"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	MaxCycleHistory int    `mapstructure:"max_cycle_history"`
}

// RedisConfig holds the optional price cache and summary channel
type RedisConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	PriceTTL         time.Duration `mapstructure:"price_ttl"`
	PublishSummaries bool          `mapstructure:"publish_summaries"`
	SummaryChannel   string        `mapstructure:"summary_channel"`
}

// EmailConfig holds SMTP settings for the email channel
type EmailConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelegramConfig holds operator notification configuration
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	SendSummaries  bool          `mapstructure:"send_summaries"`
	Commands       bool          `mapstructure:"commands"`
}

// TracingConfig holds OpenTelemetry export settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// PRICEWATCH_PUSH_VAPID_PRIVATE_KEY overrides push.vapid_private_key
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Pricing defaults
	v.SetDefault("pricing.base_url", "http://localhost:8000")
	v.SetDefault("pricing.max_idle_conns", 100)
	v.SetDefault("pricing.max_idle_conns_per_host", 10)
	v.SetDefault("pricing.idle_conn_timeout", "90s")

	// Push defaults
	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "")
	v.SetDefault("push.ttl", "24h")
	v.SetDefault("push.urgency", "high")
	v.SetDefault("push.topic", "")
	v.SetDefault("push.max_payload_bytes", 3800)
	v.SetDefault("push.icon", "")
	v.SetDefault("push.badge", "")

	// Resilience defaults
	for _, name := range []string{"price", "push", "email"} {
		prefix := "resilience." + name + "."
		v.SetDefault(prefix+"max_attempts", 3)
		v.SetDefault(prefix+"base_delay", "500ms")
		v.SetDefault(prefix+"max_delay", "10s")
		v.SetDefault(prefix+"timeout", "10s")
		v.SetDefault(prefix+"failure_threshold", 5)
		v.SetDefault(prefix+"failure_ratio", 0.0) // 0 = consecutive failures only
		v.SetDefault(prefix+"min_requests", 10)
		v.SetDefault(prefix+"window", "0s") // 0 = counts reset only on state change
		v.SetDefault(prefix+"cooldown", "60s")
	}
	v.SetDefault("resilience.email.timeout", "30s")

	// Dispatch defaults
	v.SetDefault("dispatch.price_workers", 8)
	v.SetDefault("dispatch.delivery_workers", 16)
	v.SetDefault("dispatch.store_timeout", "5s")

	// Schedule defaults
	v.SetDefault("schedule.mode", "daily")
	v.SetDefault("schedule.daily_at", "00:00")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.interval", "1h")
	v.SetDefault("schedule.run_on_start", false)

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/pricewatch.db")
	v.SetDefault("storage.max_cycle_history", 500)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.price_ttl", "30s")
	v.SetDefault("redis.publish_summaries", false)
	v.SetDefault("redis.summary_channel", "pricewatch:cycles")

	// Email defaults
	v.SetDefault("email.enabled", false)
	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.timeout", "15s")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.send_summaries", false)
	v.SetDefault("telegram.commands", true)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "pricewatch")
	v.SetDefault("tracing.sample_ratio", 1.0)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Pricing config
	u, err := url.Parse(c.Pricing.BaseURL)
	if c.Pricing.BaseURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("pricing.base_url must be an absolute http(s) URL")
	}

	// Validate Push config
	if c.Push.VAPIDPublicKey == "" || c.Push.VAPIDPrivateKey == "" {
		return invalid("push.vapid_public_key and push.vapid_private_key are required")
	}
	if c.Push.Subscriber == "" {
		return invalid("push.subscriber is required")
	}
	if c.Push.TTL < 0 {
		return invalid("push.ttl must not be negative")
	}
	validUrgencies := map[string]bool{"very-low": true, "low": true, "normal": true, "high": true}
	if !validUrgencies[c.Push.Urgency] {
		return invalid("push.urgency must be one of: very-low, low, normal, high")
	}
	if c.Push.MaxPayloadBytes < 256 || c.Push.MaxPayloadBytes > 3993 {
		return invalid("push.max_payload_bytes must be between 256 and 3993")
	}

	// Validate Resilience config
	policies := []struct {
		name   string
		policy PolicyConfig
	}{
		{"price", c.Resilience.Price},
		{"push", c.Resilience.Push},
		{"email", c.Resilience.Email},
	}
	for _, p := range policies {
		if err := p.policy.validate("resilience." + p.name); err != nil {
			return err
		}
	}

	// Validate Dispatch config
	if c.Dispatch.PriceWorkers < 1 {
		return invalid("dispatch.price_workers must be at least 1")
	}
	if c.Dispatch.DeliveryWorkers < 1 {
		return invalid("dispatch.delivery_workers must be at least 1")
	}
	if c.Dispatch.StoreTimeout <= 0 {
		return invalid("dispatch.store_timeout must be positive")
	}

	// Validate Schedule config
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return invalid("schedule.timezone %q: %v", c.Schedule.Timezone, err)
	}
	switch c.Schedule.Mode {
	case "daily":
		if _, err := time.Parse("15:04", c.Schedule.DailyAt); err != nil {
			return invalid("schedule.daily_at must be HH:MM")
		}
	case "interval":
		if c.Schedule.Interval < time.Minute {
			return invalid("schedule.interval must be at least 1 minute")
		}
	default:
		return invalid("schedule.mode must be one of: daily, interval")
	}

	// Validate Storage config
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return invalid("storage.dsn is required for postgres")
		}
	default:
		return invalid("storage.driver must be one of: sqlite, postgres")
	}
	if c.Storage.MaxCycleHistory < 1 {
		return invalid("storage.max_cycle_history must be at least 1")
	}

	// Validate Redis config
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return invalid("redis.addr is required when redis is enabled")
		}
		if c.Redis.PriceTTL < 0 {
			return invalid("redis.price_ttl must not be negative")
		}
		if c.Redis.PublishSummaries && c.Redis.SummaryChannel == "" {
			return invalid("redis.summary_channel is required when publishing summaries")
		}
	}

	// Validate Email config
	if c.Email.Enabled {
		if c.Email.Host == "" {
			return invalid("email.host is required when email is enabled")
		}
		if c.Email.From == "" {
			return invalid("email.from is required when email is enabled")
		}
		if c.Email.Port < 1 || c.Email.Port > 65535 {
			return invalid("email.port must be between 1 and 65535")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return invalid("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return invalid("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Tracing config
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return invalid("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return invalid("tracing.sample_ratio must be between 0.0 and 1.0")
	}

	// Validate Server config
	if c.Server.Enabled && c.Server.Addr == "" {
		return invalid("server.addr is required when the server is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return invalid("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return invalid("logging.format must be one of: json, text")
	}

	return nil
}

func (p PolicyConfig) validate(prefix string) error {
	if p.MaxAttempts < 1 {
		return invalid("%s.max_attempts must be at least 1", prefix)
	}
	if p.BaseDelay <= 0 {
		return invalid("%s.base_delay must be positive", prefix)
	}
	if p.MaxDelay < p.BaseDelay {
		return invalid("%s.max_delay must not be less than base_delay", prefix)
	}
	if p.Timeout <= 0 {
		return invalid("%s.timeout must be positive", prefix)
	}
	if p.FailureThreshold < 1 {
		return invalid("%s.failure_threshold must be at least 1", prefix)
	}
	if p.FailureRatio < 0 || p.FailureRatio > 1 {
		return invalid("%s.failure_ratio must be between 0.0 and 1.0", prefix)
	}
	if p.Cooldown <= 0 {
		return invalid("%s.cooldown must be positive", prefix)
	}
	return nil
}

// Location returns the schedule time zone. Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
