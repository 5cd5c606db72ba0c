// Package config handles configuration loading for the audit engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"auditcore/internal/alerting"
	"auditcore/internal/correlation"
	"auditcore/internal/eventstore"
	"auditcore/internal/eventstore/s3"
	"auditcore/internal/ingest"
	"auditcore/internal/kafka"
	"auditcore/internal/logging"
	"auditcore/internal/pipeline"
	"auditcore/internal/reports"
	"auditcore/internal/retention"
	"auditcore/internal/risk"
	"auditcore/internal/rules"
	"auditcore/internal/schema"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Logging     logging.Config            `yaml:"logging"`
	Ingest      ingest.Config             `yaml:"ingest"`
	Auth        ingest.AuthConfig         `yaml:"auth"`
	RateLimit   ingest.RateLimitConfig    `yaml:"rate_limit"`
	Validation  ValidationConfig          `yaml:"validation"`
	Pipeline    pipeline.Config           `yaml:"pipeline"`
	Engine      rules.EngineConfig        `yaml:"engine"`
	Rules       RulesConfig               `yaml:"rules"`
	Correlation correlation.Config        `yaml:"correlation"`
	Risk        RiskConfig                `yaml:"risk"`
	Retention   RetentionConfig           `yaml:"retention"`
	Storage     StorageConfig             `yaml:"storage"`
	Kafka       KafkaConfig               `yaml:"kafka"`
	Alerting    AlertingConfig            `yaml:"alerting"`
	Reports     ReportsConfig             `yaml:"reports"`
	Dispatcher  alerting.DispatcherConfig `yaml:"dispatcher"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ValidationConfig holds event timestamp validation bounds.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// RulesConfig points at rule definition files loaded on startup.
type RulesConfig struct {
	// Paths lists YAML rule files or directories.
	Paths []string `yaml:"paths"`
}

// RiskConfig holds scoring and cache settings.
type RiskConfig struct {
	Scorer risk.ScorerConfig `yaml:"scorer"`

	// CacheBackend is "memory" or "redis".
	CacheBackend string           `yaml:"cache_backend"`
	Redis        risk.RedisConfig `yaml:"redis"`
}

// RetentionConfig holds retention policies and sweep settings.
type RetentionConfig struct {
	Policies retention.PolicySet     `yaml:"policies"`
	Sweeper  retention.SweeperConfig `yaml:"sweeper"`
}

// StorageConfig holds event store backends.
type StorageConfig struct {
	// Backend is "memory" or "clickhouse".
	Backend     string                       `yaml:"backend"`
	ClickHouse  eventstore.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter eventstore.BatchWriterConfig `yaml:"batch_writer"`

	// Archive configures the S3 cold store used by retention sweeps.
	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig holds S3 archive settings.
type ArchiveConfig struct {
	Enabled bool       `yaml:"enabled"`
	S3      *s3.Config `yaml:"s3"`
}

// KafkaConfig holds the optional Kafka ingestion path.
type KafkaConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Consumer *kafka.Config `yaml:"consumer"`
}

// AlertingConfig declares alert delivery channels.
type AlertingConfig struct {
	// Log enables the structured-log channel.
	Log bool `yaml:"log"`

	Webhooks []WebhookChannelConfig `yaml:"webhooks"`
}

// WebhookChannelConfig declares one webhook alert channel.
type WebhookChannelConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// ReportsConfig holds report output and scheduling settings.
type ReportsConfig struct {
	// OutputDir is where the file sink writes finished reports.
	OutputDir string `yaml:"output_dir"`

	Schedules []reports.ScheduleEntry `yaml:"schedules"`

	Webhooks []WebhookChannelConfig `yaml:"webhooks"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging:   logging.DefaultConfig(),
		Ingest:    ingest.DefaultConfig(),
		Auth:      ingest.DefaultAuthConfig(),
		RateLimit: ingest.DefaultRateLimitConfig(),
		Validation: ValidationConfig{
			MaxEventAge: 30 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Pipeline:    pipeline.DefaultConfig(),
		Engine:      rules.DefaultEngineConfig(),
		Correlation: correlation.DefaultConfig(),
		Risk: RiskConfig{
			Scorer:       risk.DefaultScorerConfig(),
			CacheBackend: "memory",
			Redis:        risk.DefaultRedisConfig(),
		},
		Retention: RetentionConfig{
			Policies: retention.DefaultPolicySet(),
			Sweeper:  retention.DefaultSweeperConfig(),
		},
		Storage: StorageConfig{
			Backend:     "memory",
			ClickHouse:  eventstore.DefaultClickHouseConfig(),
			BatchWriter: eventstore.DefaultBatchWriterConfig(),
			Archive:     ArchiveConfig{S3: s3.DefaultConfig()},
		},
		Kafka:      KafkaConfig{Consumer: kafka.DefaultConfig()},
		Alerting:   AlertingConfig{Log: true},
		Reports:    ReportsConfig{OutputDir: "reports"},
		Dispatcher: alerting.DefaultDispatcherConfig(),
	}
}

// Load reads configuration from AUDITCORE_CONFIG_PATH (default
// configs/config.yaml), then applies environment overrides. A missing
// file yields the defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("AUDITCORE_CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("AUDITCORE_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = p
		}
	}
	if level := os.Getenv("AUDITCORE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if hash := os.Getenv("AUDITCORE_API_KEY_HASH"); hash != "" {
		c.Auth.Enabled = true
		c.Auth.APIKeyHashes = append(c.Auth.APIKeyHashes, hash)
	}
	if backend := os.Getenv("AUDITCORE_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Risk.CacheBackend = "redis"
		c.Risk.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Risk.Redis.Password = pass
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Enabled = true
		c.Kafka.Consumer.Brokers = strings.Split(brokers, ",")
	}
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		c.Kafka.Consumer.Topic = topic
	}
	if bucket := os.Getenv("AUDITCORE_ARCHIVE_BUCKET"); bucket != "" {
		c.Storage.Archive.Enabled = true
		c.Storage.Archive.S3.Bucket = bucket
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server: http_port %d out of range", c.Server.HTTPPort)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Retention.Policies.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	switch c.Storage.Backend {
	case "memory", "clickhouse":
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	switch c.Risk.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("risk: unknown cache_backend %q", c.Risk.CacheBackend)
	}
	if c.Kafka.Enabled && len(c.Kafka.Consumer.Brokers) == 0 {
		return fmt.Errorf("kafka: enabled without brokers")
	}
	if c.Storage.Archive.Enabled && c.Storage.Archive.S3.Bucket == "" {
		return fmt.Errorf("storage: archive enabled without bucket")
	}
	for i, w := range c.Alerting.Webhooks {
		if w.Name == "" || w.URL == "" {
			return fmt.Errorf("alerting: webhook %d needs name and url", i)
		}
	}
	for i, e := range c.Reports.Schedules {
		if _, err := reports.ParseCron(e.Cron); err != nil {
			return fmt.Errorf("reports: schedule %d: %w", i, err)
		}
	}
	if c.Validation.MaxEventAge <= 0 || c.Validation.MaxFuture <= 0 {
		return fmt.Errorf("validation: max_event_age and max_future must be positive")
	}
	return nil
}

// ValidatorConfig converts the validation section to the schema package's
// config type.
func (c *Config) ValidatorConfig() schema.ValidatorConfig {
	return schema.ValidatorConfig{
		MaxAge:    c.Validation.MaxEventAge,
		MaxFuture: c.Validation.MaxFuture,
	}
}
