// Package admission implements the name service's upload admission and
// commit decision logic: whether a hash may start uploading, and what
// happens once a data service has acknowledged it was received.
package admission

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"hashgrid/pkg/metadata"
	"hashgrid/pkg/metrics"
)

const segmentCount = 128

// Decision is the outcome of a PRE_UPLOAD admission check.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionWait
	DecisionExists
)

// Controller owns the segment locks, the pending-upload set, and the
// cluster-wide upload lock, and issues the ALLOW/WAIT/EXISTS decisions
// the name service wire handler replies with.
type Controller struct {
	store metadata.Store
	nodeID string

	segments [segmentCount]sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]time.Time // hash -> expiry

	pendingTTL     time.Duration
	clusterLockTTL time.Duration

	metrics *metrics.ClusterMetrics

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewController(store metadata.Store, nodeID string, pendingTTL, pendingSweep, clusterLockTTL time.Duration) *Controller {
	c := &Controller{
		store:          store,
		nodeID:         nodeID,
		pending:        make(map[string]time.Time),
		pendingTTL:     pendingTTL,
		clusterLockTTL: clusterLockTTL,
		metrics:        metrics.NewClusterMetrics(),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	go c.sweepLoop(pendingSweep)
	return c
}

func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// segment returns the index of the segment lock guarding hash. The
// FNV-32a hash only needs to distribute keys evenly across a fixed
// shard count, not to be collision-resistant.
func segment(hash string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hash))
	return int(h.Sum32() % segmentCount)
}

// PreUpload decides whether hash may begin uploading. It returns
// DecisionExists (with the committed record's location) if the content
// is already committed, DecisionWait if another node is mid-upload
// (locally pending or holding the cluster lock), or DecisionAllow with
// the cluster lock now held by this node.
func (c *Controller) PreUpload(ctx context.Context, hash string) (Decision, string, error) {
	idx := segment(hash)
	c.segments[idx].Lock()
	defer c.segments[idx].Unlock()

	if rec, err := c.store.QueryByHash(ctx, hash); err == nil {
		c.metrics.ObserveAdmission("exists")
		return DecisionExists, rec.Location, nil
	} else if err != metadata.ErrNotFound {
		return DecisionWait, "", err
	}

	if c.isPending(hash) {
		c.metrics.ObserveAdmission("wait")
		return DecisionWait, "", nil
	}

	acquired, err := c.store.TryAcquireUploadLock(ctx, hash, c.nodeID, c.clusterLockTTL)
	if err != nil {
		return DecisionWait, "", err
	}
	if !acquired {
		c.metrics.ObserveAdmission("wait")
		return DecisionWait, "", nil
	}

	c.markPending(hash)
	c.metrics.ObserveAdmission("allow")
	return DecisionAllow, "", nil
}

// Commit records a successfully-uploaded blob. It is idempotent: a
// hash that is already committed returns its existing storageId rather
// than erroring, matching a client that retries a commit whose
// response was lost in flight.
func (c *Controller) Commit(ctx context.Context, hash, filename, location string) (storageID string, err error) {
	idx := segment(hash)
	c.segments[idx].Lock()
	defer c.segments[idx].Unlock()

	if rec, err := c.store.QueryByHash(ctx, hash); err == nil {
		c.clearPending(hash)
		return rec.StorageID, nil
	} else if err != metadata.ErrNotFound {
		return "", err
	}

	storageID = uuid.New().String()
	rec := metadata.Record{
		Hash:      hash,
		Filename:  filename,
		Location:  location,
		StorageID: storageID,
		CreatedAt: time.Now().UTC(),
	}

	// Clear pending before the durability write, not after: a hash must
	// not still be pending once Commit returns, whether it returns an
	// error or not.
	c.clearPending(hash)

	if err := c.store.LogAddFile(ctx, rec); err != nil {
		_ = c.store.ReleaseUploadLock(ctx, hash, c.nodeID)
		return "", err
	}

	return storageID, nil
}

func (c *Controller) isPending(hash string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	expiry, ok := c.pending[hash]
	return ok && expiry.After(time.Now())
}

func (c *Controller) markPending(hash string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[hash] = time.Now().Add(c.pendingTTL)
}

func (c *Controller) clearPending(hash string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, hash)
}

func (c *Controller) sweepLoop(every time.Duration) {
	defer close(c.doneCh)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepOnce()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) sweepOnce() {
	now := time.Now()
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for hash, expiry := range c.pending {
		if expiry.Before(now) {
			delete(c.pending, hash)
		}
	}
}

// DataNode is the subset of registry.NodeInfo the weighted placement
// strategy needs.
type DataNode struct {
	Address   string
	FreeSpace int64
}

// ChooseDataNode picks a data service weighted by free space, falling
// back to a uniform choice when every candidate reports zero (or the
// registry has no fresher information yet).
func ChooseDataNode(nodes []DataNode, rng *rand.Rand) (DataNode, bool) {
	if len(nodes) == 0 {
		return DataNode{}, false
	}

	var total int64
	for _, n := range nodes {
		if n.FreeSpace > 0 {
			total += n.FreeSpace
		}
	}

	if total == 0 {
		return nodes[rng.Intn(len(nodes))], true
	}

	pick := rng.Int63n(total)
	var cumulative int64
	for _, n := range nodes {
		if n.FreeSpace <= 0 {
			continue
		}
		cumulative += n.FreeSpace
		if pick < cumulative {
			return n, true
		}
	}
	return nodes[len(nodes)-1], true
}
