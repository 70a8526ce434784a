// Package discovery implements the push/pull client that data and name
// services use to stay visible to, and aware of, the registries in a
// cluster.
//
// Push broadcasts a heartbeat to every configured registry on a timer;
// a registry that is unreachable never blocks the others, and the push
// never blocks the caller past its own dial/write timeout. Pull (name
// services only) asks registries in order for the current data-service
// snapshot and keeps the first one that answers.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"hashgrid/internal/logger"
	"hashgrid/pkg/admission"
	"hashgrid/pkg/registry"
	"hashgrid/pkg/wire"
)

// FreeSpaceFunc reports the caller's current free space for inclusion
// in heartbeats; data services wire this to their blob store, name
// services report zero (they have no storage capacity of their own).
type FreeSpaceFunc func() int64

// Client pushes heartbeats for one local node to a set of registries
// and, when Role is RoleName, periodically pulls the data-service
// snapshot from whichever registry answers first.
type Client struct {
	role      registry.Role
	address   string
	token     string
	addresses []string
	dial      time.Duration
	freeSpace FreeSpaceFunc

	snapshot atomic.Value // []admission.DataNode

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(role registry.Role, address, token string, addresses []string, dialTimeout time.Duration, freeSpace FreeSpaceFunc) *Client {
	c := &Client{
		role:      role,
		address:   address,
		token:     token,
		addresses: addresses,
		dial:      dialTimeout,
		freeSpace: freeSpace,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	c.snapshot.Store([]admission.DataNode{})
	return c
}

// DataNodes returns the most recently pulled data-service snapshot.
// Only meaningful for a RoleName client.
func (c *Client) DataNodes() []admission.DataNode {
	return c.snapshot.Load().([]admission.DataNode)
}

// Start launches the push loop, and the pull loop if role is RoleName,
// at the intervals the original heartbeat design calls for: 5s for
// data services, 10s for name services (push and pull alike).
func (c *Client) Start(ctx context.Context) {
	pushEvery := 5 * time.Second
	if c.role == registry.RoleName {
		pushEvery = 10 * time.Second
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.loop(ctx, pushEvery, c.pushOnce)
	}()

	if c.role == registry.RoleName {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, 10*time.Second, c.pullOnce)
		}()
	}

	go func() {
		wg.Wait()
		close(c.doneCh)
	}()
}

func (c *Client) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Client) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pushOnce broadcasts one heartbeat to every registry concurrently.
// Failures are logged, not returned: one registry's outage must never
// delay or cancel the heartbeat to the others.
func (c *Client) pushOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range c.addresses {
		addr := addr
		g.Go(func() error {
			if err := c.sendHeartbeat(gctx, addr); err != nil {
				logger.Debug("discovery: heartbeat to %s failed: %v", addr, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) sendHeartbeat(ctx context.Context, registryAddr string) error {
	conn, err := net.DialTimeout("tcp", registryAddr, c.dial)
	if err != nil {
		return err
	}
	defer conn.Close()

	cmd := wire.CmdRegistryHeartbeat
	if c.role == registry.RoleName {
		cmd = wire.CmdRegistryHeartbeatNameNode
	}

	payload := fmt.Sprintf("%s|%d", c.address, c.freeSpace())
	enc := wire.NewEncoder(conn)
	if err := enc.WriteFrame(wire.Frame{Command: cmd, Token: c.token, Data: []byte(payload)}, 0, nil); err != nil {
		return err
	}

	dec := wire.NewDecoder(conn)
	_, _, err = dec.ReadFrame()
	return err
}

// pullOnce asks registries in order for the current data-node
// snapshot and keeps the first successful answer.
func (c *Client) pullOnce(ctx context.Context) {
	for _, addr := range c.addresses {
		nodes, err := c.fetchDataNodes(ctx, addr)
		if err != nil {
			logger.Debug("discovery: pull from %s failed: %v", addr, err)
			continue
		}
		c.snapshot.Store(nodes)
		return
	}
	logger.Warn("discovery: all registries unreachable, keeping stale snapshot")
}

func (c *Client) fetchDataNodes(ctx context.Context, registryAddr string) ([]admission.DataNode, error) {
	conn, err := net.DialTimeout("tcp", registryAddr, c.dial)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	if err := enc.WriteFrame(wire.Frame{Command: wire.CmdRegistryGetDataNodes, Token: c.token}, 0, nil); err != nil {
		return nil, err
	}

	dec := wire.NewDecoder(conn)
	frame, _, err := dec.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Command == wire.CmdError {
		return nil, fmt.Errorf("discovery: registry returned error: %s", string(frame.Data))
	}

	return parseDataNodes(frame.Data), nil
}

func parseDataNodes(data []byte) []admission.DataNode {
	entries := strings.Split(strings.TrimSpace(string(data)), ",")
	out := make([]admission.DataNode, 0, len(entries))
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 2)
		node := admission.DataNode{Address: parts[0]}
		if len(parts) == 2 {
			if fs, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				node.FreeSpace = fs
			}
		}
		out = append(out, node)
	}
	return out
}
