package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topic", func(c *Config) { c.Topic = "" }, true},
		{"bad protocol", func(c *Config) { c.SecurityProtocol = "KERBEROS" }, true},
		{"sasl without mechanism", func(c *Config) { c.SecurityProtocol = "SASL_SSL" }, true},
		{"sasl without credentials", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "PLAIN"
		}, true},
		{"sasl complete", func(c *Config) {
			c.SecurityProtocol = "SASL_PLAINTEXT"
			c.SASLMechanism = "SCRAM-SHA-256"
			c.SASLUsername = "svc"
			c.SASLPassword = "secret"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompressionMapping(t *testing.T) {
	tests := []struct {
		in   string
		want kafka.Compression
	}{
		{"gzip", kafka.Gzip},
		{"snappy", kafka.Snappy},
		{"lz4", kafka.Lz4},
		{"zstd", kafka.Zstd},
		{"none", 0},
		{"", 0},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.CompressionType = tt.in
		if got := cfg.compression(); got != tt.want {
			t.Errorf("compression(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDialerSASL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "PLAIN"
	cfg.SASLUsername = "svc"
	cfg.SASLPassword = "secret"

	d, err := cfg.dialer()
	if err != nil {
		t.Fatalf("dialer() = %v", err)
	}
	if d.SASLMechanism == nil {
		t.Error("dialer has no SASL mechanism")
	}
	if d.TLS == nil {
		t.Error("SASL_SSL dialer has no TLS config")
	}
}
