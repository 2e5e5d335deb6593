package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/smsqueue/internal/billing"
	"github.com/foxzi/smsqueue/internal/ipfilter"
	"github.com/foxzi/smsqueue/internal/transport"
)

// Storage backends
const (
	BackendBolt  = "bolt"
	BackendMongo = "mongo"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Billing   billing.Config  `yaml:"billing"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"`     // empty = allow all
	DLRAllowedIPs  []string      `yaml:"dlr_allowed_ips"` // networks allowed to post delivery reports
	TrustProxy     bool          `yaml:"trust_proxy"`     // honour X-Forwarded-For
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Backend string      `yaml:"backend"` // bolt, mongo
	Path    string      `yaml:"path"`
	Mongo   MongoConfig `yaml:"mongo"`
}

// MongoConfig contains MongoDB connection settings
type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// QueueConfig contains dispatch engine settings
type QueueConfig struct {
	BatchSize              int            `yaml:"batch_size"`
	ProcessInterval        time.Duration  `yaml:"process_interval"`
	SendDelay              *time.Duration `yaml:"send_delay"` // nil = 1s, 0 disables
	RetryBackoff           time.Duration  `yaml:"retry_backoff"`
	StuckRetryTimeout      time.Duration  `yaml:"stuck_retry_timeout"`
	CleanupInterval        time.Duration  `yaml:"cleanup_interval"`
	ReconcileInterval      time.Duration  `yaml:"reconcile_interval"`
	SendTimeout            time.Duration  `yaml:"send_timeout"`
	MaxConcurrentProviders int            `yaml:"max_concurrent_providers"`
	ContactPageSize        int            `yaml:"contact_page_size"`
	DefaultMaxRetries      int            `yaml:"default_max_retries"`
}

// TransportConfig contains provider adapter settings
type TransportConfig struct {
	SMSEnvoi transport.SMSEnvoiConfig `yaml:"smsenvoi"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"` // Default: :9090
	Path            string        `yaml:"path"`        // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"`
	AllowedIPs      []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`   // empty = stdout

	// Rotation, only used with File
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendBolt
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/smsqueue/queue.db"
	}
	if c.Storage.Mongo.Database == "" {
		c.Storage.Mongo.Database = "smsqueue"
	}
	if c.Storage.Mongo.Timeout == 0 {
		c.Storage.Mongo.Timeout = 10 * time.Second
	}

	q := &c.Queue
	if q.BatchSize == 0 {
		q.BatchSize = 25
	}
	if q.ProcessInterval == 0 {
		q.ProcessInterval = 2 * time.Second
	}
	if q.SendDelay == nil || *q.SendDelay < 0 {
		d := time.Second
		q.SendDelay = &d
	}
	if q.RetryBackoff == 0 {
		q.RetryBackoff = 30 * time.Second
	}
	if q.StuckRetryTimeout == 0 {
		q.StuckRetryTimeout = 5 * time.Minute
	}
	if q.CleanupInterval == 0 {
		q.CleanupInterval = 5 * time.Minute
	}
	if q.ReconcileInterval == 0 {
		q.ReconcileInterval = 10 * time.Minute
	}
	if q.SendTimeout == 0 {
		q.SendTimeout = 30 * time.Second
	}
	if q.MaxConcurrentProviders == 0 {
		q.MaxConcurrentProviders = 5
	}
	if q.ContactPageSize == 0 {
		q.ContactPageSize = 500
	}
	if q.DefaultMaxRetries == 0 {
		q.DefaultMaxRetries = 3
	}

	if c.Billing.Kind == "" {
		c.Billing.Kind = billing.KindLog
	}
	if c.Billing.Timeout == 0 {
		c.Billing.Timeout = 30 * time.Second
	}
	if c.Billing.AMQPQueue == "" {
		c.Billing.AMQPQueue = "sms.billing"
	}

	if c.Transport.SMSEnvoi.Timeout == 0 {
		c.Transport.SMSEnvoi.Timeout = 30 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt backend")
		}
	case BackendMongo:
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongo.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be bolt or mongo)", c.Storage.Backend)
	}

	if c.Queue.BatchSize < 0 {
		return fmt.Errorf("queue.batch_size must not be negative")
	}
	if c.Queue.MaxConcurrentProviders < 0 {
		return fmt.Errorf("queue.max_concurrent_providers must not be negative")
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue.default_max_retries must not be negative")
	}
	if c.Queue.ProcessInterval < 0 || c.Queue.RetryBackoff < 0 || c.Queue.StuckRetryTimeout < 0 {
		return fmt.Errorf("queue intervals must not be negative")
	}

	switch c.Billing.Kind {
	case billing.KindLog:
	case billing.KindHTTP:
		if c.Billing.URL == "" {
			return fmt.Errorf("billing.url is required when billing.kind is http")
		}
	case billing.KindAMQP:
		if c.Billing.AMQPURL == "" {
			return fmt.Errorf("billing.amqp_url is required when billing.kind is amqp")
		}
	default:
		return fmt.Errorf("invalid billing.kind: %s (must be log, http, or amqp)", c.Billing.Kind)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if _, err := ipfilter.Parse(c.API.AllowedIPs); err != nil {
		return fmt.Errorf("api.allowed_ips: %w", err)
	}
	if _, err := ipfilter.Parse(c.API.DLRAllowedIPs); err != nil {
		return fmt.Errorf("api.dlr_allowed_ips: %w", err)
	}
	if _, err := ipfilter.Parse(c.Metrics.AllowedIPs); err != nil {
		return fmt.Errorf("metrics.allowed_ips: %w", err)
	}

	return nil
}
