package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"hashgrid/internal/logger"
	"hashgrid/internal/ratelimiter"
	"hashgrid/pkg/admission"
	"hashgrid/pkg/config"
	"hashgrid/pkg/discovery"
	"hashgrid/pkg/metadata"
	"hashgrid/pkg/metrics"
	"hashgrid/pkg/nameservice"
	"hashgrid/pkg/registry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	var cfg config.NameServiceConfig
	if err := config.Load(*configPath, &cfg); err != nil {
		log.Fatalf("nameservice: config: %v", err)
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetJSON(cfg.Logging.JSON)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsSrv := metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port})
		go metricsSrv.Start(ctx)
	}

	store, err := buildMetadataStore(cfg.Metadata)
	if err != nil {
		log.Fatalf("nameservice: metadata: %v", err)
	}
	defer store.Close()

	advertised := cfg.Server.AdvertisedHost + ":" + strconv.Itoa(cfg.Server.Port)
	admctl := admission.NewController(store, advertised,
		cfg.Admission.PendingTTL, cfg.Admission.PendingSweep, cfg.Admission.ClusterLockTTL)
	defer admctl.Stop()

	disco := discovery.New(registry.RoleName, advertised, cfg.Server.Token, cfg.Registry.Addresses,
		cfg.Registry.DialTimeout, func() int64 { return 0 })
	disco.Start(ctx)
	defer disco.Stop()

	limiter := ratelimiter.FromConfig(cfg.Server.RateLimit.Enabled, cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	srv := nameservice.New(cfg.Server.Port, cfg.Server.Token, admctl, store, disco, limiter)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("name service listening on :%d, metadata mode %s", cfg.Server.Port, cfg.Metadata.Mode)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
		cancel()
		_ = srv.Stop()
		<-serveDone
	case err := <-serveDone:
		if err != nil {
			logger.Error("nameservice: serve: %v", err)
			os.Exit(1)
		}
	}
	logger.Info("name service stopped")
}

func buildMetadataStore(cfg config.MetadataConfig) (metadata.Store, error) {
	var backend metadata.Store
	var err error

	switch cfg.Mode {
	case "mysql":
		backend, err = metadata.OpenSQLStore(cfg.SQL.DSN)
	default:
		backend, err = metadata.OpenFileStore(cfg.File.Path)
	}
	if err != nil {
		return nil, err
	}

	return metadata.NewCachedStore(backend, cfg.Cache.Size, cfg.Cache.Disabled)
}
