package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"flowsentry/internal/feeds"
	"flowsentry/pkg/models"
)

// Config is the root configuration.
type Config struct {
	FlowSentry FlowSentryConfig `yaml:"flowsentry"`
}

// FlowSentryConfig is the project configuration.
type FlowSentryConfig struct {
	Collector CollectorConfig `yaml:"collector"`
	Store     StoreConfig     `yaml:"store"`
	Processor ProcessorConfig `yaml:"processor"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Notify    NotifyConfig    `yaml:"notify"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Rules     RulesConfig     `yaml:"rules"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Settings, IgnoreList and CustomTags seed the flat configuration in
	// the store. Values already present there win.
	Settings   map[string]string   `yaml:"settings"`
	IgnoreList []models.MatchEntry `yaml:"ignore_list"`
	CustomTags []models.MatchEntry `yaml:"custom_tags"`
}

// CollectorConfig controls the NetFlow listener.
type CollectorConfig struct {
	Listen       string        `yaml:"listen"`
	ReadDeadline time.Duration `yaml:"read_deadline"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	SettingsTTL  time.Duration `yaml:"settings_ttl"`
	Relay        RelayConfig   `yaml:"relay"`
}

// RelayConfig reads datagrams forwarded by remote sensors into a Redis list.
type RelayConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// StoreConfig controls the Redis store shared by every loop.
type StoreConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls the Redis connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ProcessorConfig controls the processing cycle.
type ProcessorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// FetcherConfig controls feed refreshes.
type FetcherConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Feeds    []feeds.Feed  `yaml:"feeds"`
}

// NotifyConfig lists notification senders. Every enabled sender receives
// every message.
type NotifyConfig struct {
	Email   EmailConfig   `yaml:"email"`
	Webhook WebhookConfig `yaml:"webhook"`
	NATS    NATSConfig    `yaml:"nats"`
	File    FileConfig    `yaml:"file"`
}

// EmailConfig controls SMTP notifications.
type EmailConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	To       string        `yaml:"to"`
	Subject  string        `yaml:"subject"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WebhookConfig controls HTTP notifications.
type WebhookConfig struct {
	Enabled          bool              `yaml:"enabled"`
	URL              string            `yaml:"url"`
	Timeout          time.Duration     `yaml:"timeout"`
	Headers          map[string]string `yaml:"headers"`
	FailureThreshold uint32            `yaml:"failure_threshold"`
	OpenTimeout      time.Duration     `yaml:"open_timeout"`
}

// NATSConfig controls alert bus notifications.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// FileConfig config for local JSON output.
type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ArchiveConfig controls the optional ClickHouse archive of merged batches.
type ArchiveConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Mode       string           `yaml:"mode"` // native|http
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig serves both archive modes. Host and Port are used by
// the native driver, URL by the HTTP writer.
type ClickHouseConfig struct {
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// WatchdogConfig controls heartbeats and the health endpoint.
type WatchdogConfig struct {
	Listen     string        `yaml:"listen"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// RulesConfig controls Sigma tagging rules.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset field with its documented default.
func ApplyDefaults(cfg *Config) {
	c := &cfg.FlowSentry
	if c.Collector.Listen == "" {
		c.Collector.Listen = ":2055"
	}
	if c.Collector.ReadDeadline <= 0 {
		c.Collector.ReadDeadline = time.Second
	}
	if c.Collector.Workers <= 0 {
		c.Collector.Workers = 4
	}
	if c.Collector.QueueSize <= 0 {
		c.Collector.QueueSize = 1024
	}
	if c.Collector.SettingsTTL <= 0 {
		c.Collector.SettingsTTL = 30 * time.Second
	}
	if c.Collector.Relay.Key == "" {
		c.Collector.Relay.Key = "netflow_datagrams"
	}
	if c.Collector.Relay.BlockTimeout <= 0 {
		c.Collector.Relay.BlockTimeout = 5 * time.Second
	}

	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "flowsentry"
	}

	if c.Processor.Interval <= 0 {
		c.Processor.Interval = time.Minute
	}

	if c.Fetcher.Interval <= 0 {
		c.Fetcher.Interval = 24 * time.Hour
	}
	if c.Fetcher.Timeout <= 0 {
		c.Fetcher.Timeout = 30 * time.Second
	}

	if c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = 587
	}
	if c.Notify.Email.Subject == "" {
		c.Notify.Email.Subject = "FlowSentry alert"
	}
	if c.Notify.Email.Timeout <= 0 {
		c.Notify.Email.Timeout = 10 * time.Second
	}
	if c.Notify.Webhook.Timeout <= 0 {
		c.Notify.Webhook.Timeout = 10 * time.Second
	}
	if c.Notify.NATS.Subject == "" {
		c.Notify.NATS.Subject = "flowsentry.alerts"
	}
	if c.Notify.File.Path == "" {
		c.Notify.File.Path = "output/alerts.jsonl"
	}

	if c.Archive.Mode == "" {
		c.Archive.Mode = "native"
	}
	if c.Archive.ClickHouse.Database == "" {
		c.Archive.ClickHouse.Database = "flowsentry"
	}
	if c.Archive.ClickHouse.Table == "" {
		c.Archive.ClickHouse.Table = "flow_batches"
	}

	if c.Watchdog.Interval <= 0 {
		c.Watchdog.Interval = time.Minute
	}
	if c.Watchdog.StaleAfter <= 0 {
		c.Watchdog.StaleAfter = 5 * c.Processor.Interval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
