// Package config handles configuration loading from files, environment variables, and flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	minPartSizeMB = 5
)

// Config holds process-level settings shared by every job run.
type Config struct {
	BucketName             string
	ObjectStorageEndpoint  string
	StorageRegion          string
	WorkRoot               string
	KeepDirectory          bool
	KeepBucketContents     bool
	PartSizeMB             int64
	PresignTTL             time.Duration
	ConversionPollInterval time.Duration
	StatePollInterval      time.Duration
	UploadPollInterval     time.Duration
	HeartbeatInterval      time.Duration
	CancelWatchInterval    time.Duration
	StoreDriver            string
	StoreDSN               string
	ListenAddr             string
	OCINamespace           string
	LogDir                 string
	Debug                  bool
}

// Load initializes configuration from file, environment variables, and flags.
func Load(configFile string) (*Config, error) {
	viper.SetDefault("rehost_bucket", "rehost-migrations")
	viper.SetDefault("rehost_storage_region", "us-east-1")
	viper.SetDefault("rehost_work_root", "./rehost-work")
	viper.SetDefault("rehost_part_size_mb", 64)
	viper.SetDefault("rehost_presign_ttl", "24h")
	viper.SetDefault("rehost_conversion_poll_interval", "3s")
	viper.SetDefault("rehost_state_poll_interval", "1s")
	viper.SetDefault("rehost_upload_poll_interval", "1s")
	viper.SetDefault("rehost_heartbeat_interval", "30s")
	viper.SetDefault("rehost_cancel_watch_interval", "2s")
	viper.SetDefault("rehost_store_driver", DriverSQLite)
	viper.SetDefault("rehost_store_dsn", "rehost.db")
	viper.SetDefault("rehost_listen_addr", ":8080")
	viper.SetDefault("rehost_log_dir", ".")

	viper.AutomaticEnv()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		BucketName:             viper.GetString("rehost_bucket"),
		ObjectStorageEndpoint:  viper.GetString("rehost_storage_endpoint"),
		StorageRegion:          viper.GetString("rehost_storage_region"),
		WorkRoot:               viper.GetString("rehost_work_root"),
		KeepDirectory:          viper.GetBool("rehost_keep_directory"),
		KeepBucketContents:     viper.GetBool("rehost_keep_bucket_contents"),
		PartSizeMB:             viper.GetInt64("rehost_part_size_mb"),
		PresignTTL:             viper.GetDuration("rehost_presign_ttl"),
		ConversionPollInterval: viper.GetDuration("rehost_conversion_poll_interval"),
		StatePollInterval:      viper.GetDuration("rehost_state_poll_interval"),
		UploadPollInterval:     viper.GetDuration("rehost_upload_poll_interval"),
		HeartbeatInterval:      viper.GetDuration("rehost_heartbeat_interval"),
		CancelWatchInterval:    viper.GetDuration("rehost_cancel_watch_interval"),
		StoreDriver:            viper.GetString("rehost_store_driver"),
		StoreDSN:               viper.GetString("rehost_store_dsn"),
		ListenAddr:             viper.GetString("rehost_listen_addr"),
		OCINamespace:           viper.GetString("rehost_oci_namespace"),
		LogDir:                 viper.GetString("rehost_log_dir"),
		Debug:                  viper.GetBool("debug"),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("rehost_bucket is required")
	}
	if c.WorkRoot == "" {
		return fmt.Errorf("rehost_work_root is required")
	}
	if c.PartSizeMB < minPartSizeMB {
		return fmt.Errorf("rehost_part_size_mb must be at least %d, got %d", minPartSizeMB, c.PartSizeMB)
	}
	if c.PresignTTL <= 0 {
		return fmt.Errorf("rehost_presign_ttl must be positive")
	}
	intervals := map[string]time.Duration{
		"rehost_conversion_poll_interval": c.ConversionPollInterval,
		"rehost_state_poll_interval":      c.StatePollInterval,
		"rehost_upload_poll_interval":     c.UploadPollInterval,
		"rehost_heartbeat_interval":       c.HeartbeatInterval,
		"rehost_cancel_watch_interval":    c.CancelWatchInterval,
	}
	for key, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	switch c.StoreDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported rehost_store_driver %q (use %s or %s)", c.StoreDriver, DriverSQLite, DriverPostgres)
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("rehost_store_dsn is required")
	}
	return nil
}

// PartSizeBytes returns the upload part size in bytes.
func (c *Config) PartSizeBytes() int64 {
	return c.PartSizeMB << 20
}

// LoadConfig loads configuration using the global Viper instance.
func LoadConfig() (*Config, error) {
	return Load("")
}
