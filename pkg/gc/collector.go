// Package gc reconciles a data service's blob store against the
// hashes a name service still has committed records for, and deletes
// whatever is left over.
//
// Orphans accumulate from crashes between a data service's upload ack
// and the name service's commit, from failed commits, and from any
// future delete path that removes a metadata record without also
// clearing its blob. The collector only ever removes blobs; it never
// touches metadata.
package gc

import (
	"context"
	"fmt"
	"time"

	"hashgrid/internal/logger"
	"hashgrid/pkg/blobstore"
)

// FetchReferencedFunc returns the set of hashes a name service
// currently has committed records for at this data service's address.
type FetchReferencedFunc func(ctx context.Context) (map[string]struct{}, error)

// Config controls a Collector's schedule and blast radius.
type Config struct {
	// Enabled controls whether the collector runs at all.
	Enabled bool

	// Interval is how often to run a reconciliation pass.
	Interval time.Duration

	// DryRun logs what would be deleted without deleting it.
	DryRun bool
}

// Collector periodically reconciles a blob store's contents against a
// name service's view of what is still referenced, and deletes
// whatever the blob store holds that nothing references any more.
//
// Thread Safety: safe for concurrent use.
type Collector struct {
	store          blobstore.GCStore
	fetchReferenced FetchReferencedFunc
	config         Config
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// NewCollector validates that store supports blobstore.GCStore and
// returns a Collector ready to Start.
func NewCollector(store blobstore.Store, fetchReferenced FetchReferencedFunc, config Config) (*Collector, error) {
	gcStore, ok := store.(blobstore.GCStore)
	if !ok {
		return nil, fmt.Errorf("gc: blob store does not implement GCStore")
	}
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	return &Collector{
		store:          gcStore,
		fetchReferenced: fetchReferenced,
		config:         config,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}, nil
}

// Start launches the background reconciliation loop. A no-op if the
// collector is disabled.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("gc: reconciliation collector disabled")
		return
	}
	logger.Info("gc: starting reconciliation collector: interval=%s dry_run=%v", c.config.Interval, c.config.DryRun)
	go c.worker()
}

// Stop signals the worker to exit and waits for it to finish.
func (c *Collector) Stop() {
	if !c.config.Enabled {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

// RunNow triggers an immediate reconciliation pass, blocking until it
// completes or ctx is cancelled.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()
			if err != nil {
				logger.Error("gc: reconciliation pass failed: %v", err)
			} else {
				logger.Info("gc: reconciliation pass complete: %s", stats.Summary())
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	referenced, err := c.fetchReferenced(ctx)
	if err != nil {
		return stats, fmt.Errorf("gc: fetch referenced hashes: %w", err)
	}
	stats.ReferencedCount = uint64(len(referenced))

	existing, err := c.store.ListHashes(ctx)
	if err != nil {
		return stats, fmt.Errorf("gc: list existing blobs: %w", err)
	}
	stats.ExistingCount = uint64(len(existing))

	var orphaned []string
	for _, hash := range existing {
		if _, ok := referenced[hash]; !ok {
			orphaned = append(orphaned, hash)
		}
	}
	stats.OrphanedCount = uint64(len(orphaned))

	if len(orphaned) == 0 {
		stats.EndTime = time.Now()
		return stats, nil
	}

	if c.config.DryRun {
		logger.Info("gc: dry run, would delete %d orphaned blobs", len(orphaned))
		stats.EndTime = time.Now()
		return stats, nil
	}

	for _, hash := range orphaned {
		if err := ctx.Err(); err != nil {
			stats.EndTime = time.Now()
			return stats, err
		}
		if err := c.store.Delete(ctx, hash); err != nil {
			logger.Warn("gc: delete %s: %v", hash, err)
			stats.FailedCount++
			continue
		}
		stats.DeletedCount++
	}

	stats.EndTime = time.Now()
	return stats, nil
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	StartTime       time.Time
	EndTime         time.Time
	ReferencedCount uint64
	ExistingCount   uint64
	OrphanedCount   uint64
	DeletedCount    uint64
	FailedCount     uint64
}

func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

func (s *Stats) Summary() string {
	return fmt.Sprintf("referenced=%d existing=%d orphaned=%d deleted=%d failed=%d duration=%s",
		s.ReferencedCount, s.ExistingCount, s.OrphanedCount, s.DeletedCount, s.FailedCount, s.Duration())
}
