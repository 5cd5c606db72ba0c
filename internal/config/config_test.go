package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"auditcore/internal/reports"
)

func testSchedule(expr string) reports.ScheduleEntry {
	return reports.ScheduleEntry{TemplateID: "weekly", Cron: expr, SinkName: "log"}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  http_port: 9090
logging:
  level: debug
pipeline:
  workers: 8
storage:
  backend: clickhouse
  clickhouse:
    hosts: ["ch1:9000", "ch2:9000"]
    database: audit
risk:
  cache_backend: redis
  redis:
    addr: cache:6379
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	t.Setenv("AUDITCORE_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s", cfg.Logging.Level)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Pipeline.Workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Storage.Backend != "clickhouse" || len(cfg.Storage.ClickHouse.Hosts) != 2 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Risk.CacheBackend != "redis" || cfg.Risk.Redis.Addr != "cache:6379" {
		t.Errorf("risk = %+v", cfg.Risk)
	}

	// Untouched sections keep their defaults.
	if cfg.Retention.Policies.Default.DeleteAfter != 365*24*time.Hour {
		t.Errorf("retention default = %v", cfg.Retention.Policies.Default.DeleteAfter)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AUDITCORE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default 8080", cfg.Server.HTTPPort)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUDITCORE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("AUDITCORE_HTTP_PORT", "7070")
	t.Setenv("CLICKHOUSE_HOST", "ch:9000")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070", cfg.Server.HTTPPort)
	}
	if len(cfg.Storage.ClickHouse.Hosts) != 1 || cfg.Storage.ClickHouse.Hosts[0] != "ch:9000" {
		t.Errorf("ClickHouse.Hosts = %v", cfg.Storage.ClickHouse.Hosts)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Consumer.Brokers) != 2 {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Risk.CacheBackend != "redis" {
		t.Errorf("CacheBackend = %s, want redis", cfg.Risk.CacheBackend)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"bad storage backend", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"bad cache backend", func(c *Config) { c.Risk.CacheBackend = "memcached" }},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Consumer.Brokers = nil
		}},
		{"archive without bucket", func(c *Config) {
			c.Storage.Archive.Enabled = true
			c.Storage.Archive.S3.Bucket = ""
		}},
		{"webhook without url", func(c *Config) {
			c.Alerting.Webhooks = []WebhookChannelConfig{{Name: "ops"}}
		}},
		{"bad cron", func(c *Config) {
			c.Reports.Schedules = append(c.Reports.Schedules,
				testSchedule("bad cron here"))
		}},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted invalid config")
			}
		})
	}
}
