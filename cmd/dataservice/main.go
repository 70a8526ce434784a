package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"hashgrid/internal/logger"
	"hashgrid/internal/ratelimiter"
	"hashgrid/pkg/blobstore"
	"hashgrid/pkg/config"
	"hashgrid/pkg/dataservice"
	"hashgrid/pkg/discovery"
	"hashgrid/pkg/gc"
	"hashgrid/pkg/metrics"
	"hashgrid/pkg/registry"
	"hashgrid/pkg/wire"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	var cfg config.DataServiceConfig
	if err := config.Load(*configPath, &cfg); err != nil {
		log.Fatalf("dataservice: config: %v", err)
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

	store, sweeper, err := buildStore(cfg.Storage)
	if err != nil {
		log.Fatalf("dataservice: storage: %v", err)
	}
	if sweeper != nil {
		sweeper.Start()
		defer sweeper.Stop()
	}

	advertised := cfg.Server.AdvertisedHost + ":" + strconv.Itoa(cfg.Server.Port)
	disco := discovery.New(registry.RoleData, advertised, cfg.Server.Token, cfg.Registry.Addresses,
		cfg.Registry.DialTimeout, func() int64 {
			free, err := store.FreeSpace(context.Background())
			if err != nil {
				logger.Warn("dataservice: free space probe failed: %v", err)
				return 0
			}
			return free
		})
	disco.Start(ctx)
	defer disco.Stop()

	if collector, err := gc.NewCollector(store, fetchReferencedHashes(cfg.Registry.Addresses, cfg.Registry.DialTimeout, cfg.Server.Token, advertised),
		gc.Config{Enabled: cfg.GC.Enabled, Interval: cfg.GC.Interval, DryRun: cfg.GC.DryRun}); err != nil {
		logger.Warn("dataservice: reconciliation collector unavailable: %v", err)
	} else {
		collector.Start()
		defer collector.Stop()
	}

	limiter := ratelimiter.FromConfig(cfg.Server.RateLimit.Enabled, cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	srv := dataservice.New(cfg.Server.Port, cfg.Server.Token, store, limiter)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("data service listening on :%d, backend %s", cfg.Server.Port, cfg.Storage.Backend)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
		cancel()
		_ = srv.Stop()
		<-serveDone
	case err := <-serveDone:
		if err != nil {
			logger.Error("dataservice: serve: %v", err)
			os.Exit(1)
		}
	}
	logger.Info("data service stopped")
}

// fetchReferencedHashes builds the reconciliation collector's
// FetchReferencedFunc: ask each registry in turn for the current name
// nodes, then ask the first reachable name node which hashes it has
// committed at this data service's address.
func fetchReferencedHashes(registryAddrs []string, dial time.Duration, token, advertised string) gc.FetchReferencedFunc {
	return func(ctx context.Context) (map[string]struct{}, error) {
		nameNodes, err := fetchNameNodeAddrs(ctx, registryAddrs, dial, token)
		if err != nil {
			return nil, err
		}
		if len(nameNodes) == 0 {
			return nil, fmt.Errorf("dataservice: gc: no name services registered")
		}

		var lastErr error
		for _, addr := range nameNodes {
			hashes, err := fetchLocationHashes(ctx, addr, dial, token, advertised)
			if err == nil {
				return hashes, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("dataservice: gc: all name services unreachable: %w", lastErr)
	}
}

func fetchNameNodeAddrs(ctx context.Context, registryAddrs []string, dial time.Duration, token string) ([]string, error) {
	var lastErr error
	for _, regAddr := range registryAddrs {
		conn, err := net.DialTimeout("tcp", regAddr, dial)
		if err != nil {
			lastErr = err
			continue
		}

		enc := wire.NewEncoder(conn)
		sendErr := enc.WriteFrame(wire.Frame{Command: wire.CmdRegistryGetNameNodes, Token: token}, 0, nil)
		if sendErr != nil {
			conn.Close()
			lastErr = sendErr
			continue
		}

		dec := wire.NewDecoder(conn)
		frame, _, readErr := dec.ReadFrame()
		conn.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if frame.Command == wire.CmdError {
			lastErr = fmt.Errorf("registry returned error: %s", string(frame.Data))
			continue
		}

		var addrs []string
		for _, entry := range strings.Split(strings.TrimSpace(string(frame.Data)), ",") {
			if entry == "" {
				continue
			}
			addrs = append(addrs, strings.SplitN(entry, "|", 2)[0])
		}
		return addrs, nil
	}
	return nil, lastErr
}

func fetchLocationHashes(ctx context.Context, nameNodeAddr string, dial time.Duration, token, location string) (map[string]struct{}, error) {
	conn, err := net.DialTimeout("tcp", nameNodeAddr, dial)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	if err := enc.WriteFrame(wire.Frame{Command: wire.CmdNameNodeListLocationHashes, Token: token, Data: []byte(location)}, 0, nil); err != nil {
		return nil, err
	}

	dec := wire.NewDecoder(conn)
	frame, _, err := dec.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Command == wire.CmdError {
		return nil, fmt.Errorf("name service returned error: %s", string(frame.Data))
	}

	hashes := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimSpace(string(frame.Data)), "\n") {
		if line != "" {
			hashes[line] = struct{}{}
		}
	}
	return hashes, nil
}

func buildStore(cfg config.StorageConfig) (blobstore.Store, *blobstore.TmpSweeper, error) {
	switch cfg.Backend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.S3.Region))
		if err != nil {
			return nil, nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			}
		})
		return blobstore.NewS3Store(client, cfg.S3.Bucket, cfg.S3.KeyPrefix), nil, nil

	default:
		var index *blobstore.Index
		if cfg.IndexPath != "" {
			idx, err := blobstore.OpenIndex(cfg.IndexPath)
			if err != nil {
				return nil, nil, err
			}
			index = idx
		}
		store, err := blobstore.NewFSStore(cfg.Paths, index)
		if err != nil {
			return nil, nil, err
		}
		sweeper := blobstore.NewTmpSweeper(cfg.Paths, cfg.TmpMaxAge, cfg.GCEvery)
		return store, sweeper, nil
	}
}
