package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its config file
const DefaultPath = "/etc/nasnotifier.yaml"

// Environment overrides for secrets that should not live in the file
const (
	EnvTelegramToken  = "NASNOTIFIER_TELEGRAM_TOKEN"
	EnvTelegramChatID = "NASNOTIFIER_TELEGRAM_CHAT_ID"
)

// Config holds runtime configuration for the notifier.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Time between pool health checks
	PollInterval time.Duration `yaml:"poll_interval"`

	// Location of the authentication log stream
	AuthLogPath string `yaml:"auth_log_path"`

	// Host name used to tag notifications. Empty means detect.
	Hostname string `yaml:"hostname"`

	Telegram      TelegramConfig      `yaml:"telegram"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	HTTP          HTTPConfig          `yaml:"http"`
	Zpool         ZpoolConfig         `yaml:"zpool"`
}

// TelegramConfig configures the bot API client
type TelegramConfig struct {
	Token          string        `yaml:"token"`
	ChatID         string        `yaml:"chat_id"`
	APIURL         string        `yaml:"api_url"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

// NotificationsConfig toggles each alert kind
type NotificationsConfig struct {
	NewLoginIP    bool     `yaml:"new_login_ip"`
	FailedLogin   bool     `yaml:"failed_login"`
	PoolHealth    bool     `yaml:"pool_health"`
	IgnorePrivate bool     `yaml:"ignore_private"`
	KnownIPs      []string `yaml:"known_ips"`
}

// DeliveryConfig sizes the delivery queue and workers
type DeliveryConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// KafkaConfig enables mirroring notifications to a topic when brokers are set
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Enabled reports whether the mirror should be started
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// HTTPConfig configures the status server. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ZpoolConfig configures the pool status command
type ZpoolConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the config used for any field the file leaves out.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		PollInterval: time.Minute,
		AuthLogPath:  "/var/log/auth.log",
		Telegram: TelegramConfig{
			APIURL:         "https://api.telegram.org",
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Timeout:        10 * time.Second,
		},
		Notifications: NotificationsConfig{
			NewLoginIP:  true,
			FailedLogin: true,
			PoolHealth:  true,
		},
		Delivery: DeliveryConfig{
			Workers:       2,
			QueueSize:     256,
			ShutdownGrace: 15 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:        "nasnotifier.notifications",
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		},
		Zpool: ZpoolConfig{
			Command: "zpool",
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies defaults and environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes on top of Default. Durations are written as
// Go duration strings ("90s"); poll_interval_seconds is accepted as a plain
// number of seconds and wins over poll_interval.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	var raw struct {
		PollIntervalSeconds *int `yaml:"poll_interval_seconds"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if raw.PollIntervalSeconds != nil {
		cfg.PollInterval = time.Duration(*raw.PollIntervalSeconds) * time.Second
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramChatID)); v != "" {
		c.Telegram.ChatID = v
	}
}

// Validation errors
var (
	ErrMissingToken    = errors.New("telegram.token is required")
	ErrMissingChatID   = errors.New("telegram.chat_id is required")
	ErrInvalidInterval = errors.New("poll_interval must be positive")
	ErrMissingLogPath  = errors.New("auth_log_path is required")
	ErrNothingEnabled  = errors.New("no notification kind is enabled")
)

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return ErrMissingToken
	}
	if c.Telegram.ChatID == "" {
		return ErrMissingChatID
	}
	if c.PollInterval <= 0 {
		return ErrInvalidInterval
	}
	n := c.Notifications
	if !n.NewLoginIP && !n.FailedLogin && !n.PoolHealth {
		return ErrNothingEnabled
	}
	if (n.NewLoginIP || n.FailedLogin) && c.AuthLogPath == "" {
		return ErrMissingLogPath
	}
	if _, err := c.KnownAddrs(); err != nil {
		return err
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when kafka.brokers is set")
	}
	return nil
}

// KnownAddrs parses notifications.known_ips
func (c *Config) KnownAddrs() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(c.Notifications.KnownIPs))
	for _, s := range c.Notifications.KnownIPs {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("notifications.known_ips: %w", err)
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}
