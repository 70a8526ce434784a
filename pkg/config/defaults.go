package config

import (
	"strings"
	"time"
)

func applyRegistryDefaults(cfg *RegistryConfig) {
	applyServerDefaults(&cfg.Server, 5367)
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics, 9360)

	if cfg.Heartbeat.TimeoutMS == 0 {
		cfg.Heartbeat.TimeoutMS = 30_000
	}
	if cfg.Heartbeat.SweepEvery == 0 {
		cfg.Heartbeat.SweepEvery = 10 * time.Second
	}
}

func applyNameServiceDefaults(cfg *NameServiceConfig) {
	applyServerDefaults(&cfg.Server, 5368)
	applyLoggingDefaults(&cfg.Logging)
	applyRegistryClientDefaults(&cfg.Registry)
	applyMetricsDefaults(&cfg.Metrics, 9361)

	if cfg.Metadata.Mode == "" {
		cfg.Metadata.Mode = "file"
	}
	if cfg.Metadata.File.Path == "" {
		cfg.Metadata.File.Path = "metadata.log"
	}
	if cfg.Metadata.Cache.Size == 0 {
		cfg.Metadata.Cache.Size = 4096
	}

	if cfg.Admission.PendingTTL == 0 {
		cfg.Admission.PendingTTL = 10 * time.Minute
	}
	if cfg.Admission.PendingSweep == 0 {
		cfg.Admission.PendingSweep = 60 * time.Second
	}
	if cfg.Admission.ClusterLockTTL == 0 {
		cfg.Admission.ClusterLockTTL = 30 * time.Minute
	}
}

func applyDataServiceDefaults(cfg *DataServiceConfig) {
	applyServerDefaults(&cfg.Server, 5369)
	applyLoggingDefaults(&cfg.Logging)
	applyRegistryClientDefaults(&cfg.Registry)
	applyMetricsDefaults(&cfg.Metrics, 9362)

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "filesystem"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "blob-index"
	}
	if cfg.Storage.GCEvery == 0 {
		cfg.Storage.GCEvery = 60 * time.Minute
	}
	if cfg.Storage.TmpMaxAge == 0 {
		cfg.Storage.TmpMaxAge = 60 * time.Minute
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = time.Hour
	}
}

func applyServerDefaults(cfg *ServerConfig, defaultPort int) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.AdvertisedHost == "" {
		cfg.AdvertisedHost = "127.0.0.1"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 1000
		cfg.RateLimit.Burst = 2000
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
}

func applyRegistryClientDefaults(cfg *RegistryClientConfig) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 3 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig, defaultPort int) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
}
