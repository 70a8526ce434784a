// Package config loads and validates configuration for the registry, name
// and data services.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (HASHGRID_*), for keys present in the file
//  2. YAML configuration file
//  3. Defaults applied by the apply*Defaults helpers in defaults.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ServerConfig is common to every service: the port it listens on and
// the shared bearer token required on every frame.
type ServerConfig struct {
	Port            int              `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	AdvertisedHost  string           `mapstructure:"advertised_host" validate:"required"`
	Token           string           `mapstructure:"token" validate:"required"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
	RateLimit       RateLimitConfig  `mapstructure:"rate_limit"`
}

// RateLimitConfig caps the rate at which a service accepts new
// connections, protecting it from a client (or client bug) that opens
// connections far faster than the cluster can serve them.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerSecond uint `mapstructure:"requests_per_second"`
	Burst             uint `mapstructure:"burst"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	JSON  bool   `mapstructure:"json"`
}

// RegistryClientConfig describes a Registry service this Name or Data
// service pushes heartbeats to and, for Name services, pulls node
// snapshots from.
type RegistryClientConfig struct {
	Addresses   []string      `mapstructure:"addresses" validate:"required,min=1,dive,required"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// HeartbeatConfig controls Registry-side node timeouts and the sweep
// interval that enforces them.
type HeartbeatConfig struct {
	TimeoutMS  int64         `mapstructure:"timeout_ms" validate:"required,gt=0"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
}

func (h HeartbeatConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// StorageConfig selects and configures a Data service's blob backend.
type StorageConfig struct {
	Backend string   `mapstructure:"backend" validate:"required,oneof=filesystem s3"`
	Paths   []string `mapstructure:"paths" validate:"required_if=Backend filesystem"`

	S3 S3StorageConfig `mapstructure:"s3"`

	IndexPath string `mapstructure:"index_path"`
	GCEvery   time.Duration `mapstructure:"gc_every"`
	TmpMaxAge time.Duration `mapstructure:"tmp_max_age"`
}

type S3StorageConfig struct {
	Bucket    string `mapstructure:"bucket" validate:"required_if=Backend s3"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MetadataConfig selects and configures a Name service's metadata
// backend and its write-through cache.
type MetadataConfig struct {
	Mode string `mapstructure:"mode" validate:"required,oneof=file mysql"`

	File FileMetadataConfig `mapstructure:"file"`
	SQL  SQLMetadataConfig  `mapstructure:"mysql"`

	Cache CacheConfig `mapstructure:"cache"`
}

type FileMetadataConfig struct {
	Path string `mapstructure:"path" validate:"required_if=Mode file"`
}

type SQLMetadataConfig struct {
	DSN string `mapstructure:"dsn" validate:"required_if=Mode mysql"`
}

type CacheConfig struct {
	Disabled bool `mapstructure:"disabled"`
	Size     int  `mapstructure:"size" validate:"gt=0"`
}

// AdmissionConfig tunes the name service's segment-lock and pending-set
// admission controller.
type AdmissionConfig struct {
	PendingTTL     time.Duration `mapstructure:"pending_ttl"`
	PendingSweep   time.Duration `mapstructure:"pending_sweep"`
	ClusterLockTTL time.Duration `mapstructure:"cluster_lock_ttl"`
}

// GCConfig tunes a data service's reconciliation collector, which
// deletes blobs no name service has a committed record for any more.
type GCConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	DryRun   bool          `mapstructure:"dry_run"`
}

// MetricsConfig controls the Prometheus exposition server every service
// binary runs alongside its wire-protocol listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// RegistryConfig is the top-level configuration for the registry
// service binary.
type RegistryConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// NameServiceConfig is the top-level configuration for the name
// service binary.
type NameServiceConfig struct {
	Server    ServerConfig         `mapstructure:"server"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	Registry  RegistryClientConfig `mapstructure:"registry"`
	Metadata  MetadataConfig       `mapstructure:"metadata"`
	Admission AdmissionConfig      `mapstructure:"admission"`
	Metrics   MetricsConfig        `mapstructure:"metrics"`
}

// DataServiceConfig is the top-level configuration for the data
// service binary.
type DataServiceConfig struct {
	Server   ServerConfig         `mapstructure:"server"`
	Logging  LoggingConfig        `mapstructure:"logging"`
	Registry RegistryClientConfig `mapstructure:"registry"`
	Storage  StorageConfig        `mapstructure:"storage"`
	GC       GCConfig             `mapstructure:"gc"`
	Metrics  MetricsConfig        `mapstructure:"metrics"`
}

var validate = validator.New()

// Load reads a YAML file at path (if non-empty), overlays environment
// variables prefixed HASHGRID_, applies defaults, decodes into dst and
// validates it. dst must be a pointer to one of the *Config types above.
func Load(path string, dst any) error {
	v := viper.New()
	v.SetEnvPrefix("hashgrid")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(dst); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}

	switch c := dst.(type) {
	case *RegistryConfig:
		applyRegistryDefaults(c)
	case *NameServiceConfig:
		applyNameServiceDefaults(c)
	case *DataServiceConfig:
		applyDataServiceDefaults(c)
	}

	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	// The bucket's required_if tag cannot see StorageConfig.Backend from
	// inside S3StorageConfig, so the s3 backend's bucket is checked here.
	if c, ok := dst.(*DataServiceConfig); ok && c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("config: validate: storage.s3.bucket is required when storage.backend is s3")
	}
	return nil
}
