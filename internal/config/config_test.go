package config

import (
	"testing"
	"time"
)

func TestConfigLoad(t *testing.T) {
	t.Setenv("REHOST_BUCKET", "migrations-test")
	t.Setenv("REHOST_KEEP_DIRECTORY", "true")
	t.Setenv("REHOST_CONVERSION_POLL_INTERVAL", "5s")
	t.Setenv("REHOST_STORE_DRIVER", "postgres")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.BucketName != "migrations-test" {
		t.Errorf("Expected BucketName to be 'migrations-test', got '%s'", cfg.BucketName)
	}
	if !cfg.KeepDirectory {
		t.Error("Expected KeepDirectory to be true")
	}
	if cfg.ConversionPollInterval != 5*time.Second {
		t.Errorf("Expected ConversionPollInterval to be 5s, got %v", cfg.ConversionPollInterval)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("Expected StoreDriver to be 'postgres', got '%s'", cfg.StoreDriver)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.BucketName != "rehost-migrations" {
		t.Errorf("Expected default BucketName to be 'rehost-migrations', got '%s'", cfg.BucketName)
	}
	if cfg.ConversionPollInterval != 3*time.Second {
		t.Errorf("Expected default ConversionPollInterval to be 3s, got %v", cfg.ConversionPollInterval)
	}
	if cfg.StatePollInterval != time.Second {
		t.Errorf("Expected default StatePollInterval to be 1s, got %v", cfg.StatePollInterval)
	}
	if cfg.UploadPollInterval != time.Second {
		t.Errorf("Expected default UploadPollInterval to be 1s, got %v", cfg.UploadPollInterval)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected default HeartbeatInterval to be 30s, got %v", cfg.HeartbeatInterval)
	}
	if cfg.KeepDirectory || cfg.KeepBucketContents {
		t.Error("Expected keep flags to default to false")
	}
	if cfg.PartSizeBytes() != 64<<20 {
		t.Errorf("Expected default part size of 64 MiB, got %d", cfg.PartSizeBytes())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			BucketName:             "b",
			WorkRoot:               "/tmp/w",
			PartSizeMB:             64,
			PresignTTL:             time.Hour,
			ConversionPollInterval: 3 * time.Second,
			StatePollInterval:      time.Second,
			UploadPollInterval:     time.Second,
			HeartbeatInterval:      30 * time.Second,
			CancelWatchInterval:    time.Second,
			StoreDriver:            DriverSQLite,
			StoreDSN:               "rehost.db",
		}
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"missing bucket", func(c *Config) { c.BucketName = "" }, true},
		{"missing work root", func(c *Config) { c.WorkRoot = "" }, true},
		{"tiny part size", func(c *Config) { c.PartSizeMB = 1 }, true},
		{"zero poll interval", func(c *Config) { c.StatePollInterval = 0 }, true},
		{"unknown store driver", func(c *Config) { c.StoreDriver = "mysql" }, true},
		{"postgres driver", func(c *Config) { c.StoreDriver = DriverPostgres }, false},
		{"missing dsn", func(c *Config) { c.StoreDSN = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}
