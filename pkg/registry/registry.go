// Package registry implements the cluster membership directory: data
// and name services register themselves and push periodic heartbeats,
// and name services pull the current data-service set to place uploads
// against.
package registry

import (
	"sync"
	"time"

	"hashgrid/internal/logger"
)

// Role distinguishes the two kinds of node a Registry tracks.
type Role int

const (
	RoleData Role = iota
	RoleName
)

// NodeInfo is one registered node's last-known state.
type NodeInfo struct {
	Address       string
	FreeSpace     int64
	LastHeartbeat time.Time
}

func (n NodeInfo) expired(timeout time.Duration) bool {
	return time.Since(n.LastHeartbeat) > timeout
}

// Registry tracks the live data and name services in a cluster. A
// cluster typically runs more than one Registry for availability;
// each one is independently authoritative over only the heartbeats it
// has itself received, per the no-strong-consistency non-goal.
type Registry struct {
	timeout time.Duration

	dataMu sync.RWMutex
	data   map[string]NodeInfo

	nameMu sync.RWMutex
	name   map[string]NodeInfo

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(timeout time.Duration, sweepEvery time.Duration) *Registry {
	r := &Registry{
		timeout: timeout,
		data:    make(map[string]NodeInfo),
		name:    make(map[string]NodeInfo),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.sweepLoop(sweepEvery)
	return r
}

func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Register records address as a live node of the given role with the
// reported free space, or refreshes it if already present.
func (r *Registry) Register(role Role, address string, freeSpace int64) {
	r.heartbeat(role, address, freeSpace)
}

// Heartbeat refreshes address's last-seen time and free space. Nodes
// that have never registered are implicitly registered by their first
// heartbeat, matching the original registry's lenient behavior.
func (r *Registry) Heartbeat(role Role, address string, freeSpace int64) {
	r.heartbeat(role, address, freeSpace)
}

func (r *Registry) heartbeat(role Role, address string, freeSpace int64) {
	info := NodeInfo{Address: address, FreeSpace: freeSpace, LastHeartbeat: time.Now()}
	mu, m := r.tableFor(role)
	mu.Lock()
	m[address] = info
	mu.Unlock()
}

// List returns every node of the given role that hasn't yet expired.
// It also opportunistically evicts expired entries it encounters,
// the same way the original handlers pruned on every list request
// rather than waiting for the next sweep tick.
func (r *Registry) List(role Role) []NodeInfo {
	mu, m := r.tableFor(role)
	mu.Lock()
	defer mu.Unlock()

	out := make([]NodeInfo, 0, len(m))
	for addr, info := range m {
		if info.expired(r.timeout) {
			delete(m, addr)
			continue
		}
		out = append(out, info)
	}
	return out
}

func (r *Registry) tableFor(role Role) (*sync.RWMutex, map[string]NodeInfo) {
	if role == RoleData {
		return &r.dataMu, r.data
	}
	return &r.nameMu, r.name
}

func (r *Registry) sweepLoop(every time.Duration) {
	defer close(r.doneCh)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopCh:
			return
		}
	}
}

// sweepOnce evicts any node past its heartbeat timeout. It re-checks
// LastHeartbeat under the lock immediately before deleting so a
// heartbeat that lands concurrently with the sweep always wins.
func (r *Registry) sweepOnce() {
	for _, role := range []Role{RoleData, RoleName} {
		mu, m := r.tableFor(role)
		mu.Lock()
		now := time.Now()
		for addr, info := range m {
			if now.Sub(info.LastHeartbeat) > r.timeout {
				delete(m, addr)
				logger.Debug("registry: evicted %s (role=%d) after %s without a heartbeat", addr, role, r.timeout)
			}
		}
		mu.Unlock()
	}
}
