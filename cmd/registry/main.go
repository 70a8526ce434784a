package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hashgrid/internal/logger"
	"hashgrid/internal/ratelimiter"
	"hashgrid/pkg/config"
	"hashgrid/pkg/metrics"
	"hashgrid/pkg/registry"
	"hashgrid/pkg/registrysvc"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	var cfg config.RegistryConfig
	if err := config.Load(*configPath, &cfg); err != nil {
		log.Fatalf("registry: config: %v", err)
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

	reg := registry.New(cfg.Heartbeat.Timeout(), cfg.Heartbeat.SweepEvery)
	defer reg.Stop()

	limiter := ratelimiter.FromConfig(cfg.Server.RateLimit.Enabled, cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	srv := registrysvc.New(cfg.Server.Port, cfg.Server.Token, reg, limiter)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("registry listening on :%d, node timeout %s", cfg.Server.Port, cfg.Heartbeat.Timeout())

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
		cancel()
		_ = srv.Stop()
		<-serveDone
	case err := <-serveDone:
		if err != nil {
			logger.Error("registry: serve: %v", err)
			os.Exit(1)
		}
	}
	logger.Info("registry stopped")
}
