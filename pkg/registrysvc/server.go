// Package registrysvc wires the registry package's membership table up
// to the wire protocol: REGISTER/HEARTBEAT/GET_*_NODES for both data
// and name services.
package registrysvc

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"hashgrid/internal/logger"
	"hashgrid/internal/ratelimiter"
	"hashgrid/pkg/metrics"
	"hashgrid/pkg/registry"
	"hashgrid/pkg/wire"
)

type Server struct {
	port     int
	token    string
	reg      *registry.Registry
	metrics  *metrics.ClusterMetrics
	limiter  *ratelimiter.RateLimiter
	listener net.Listener
}

func New(port int, token string, reg *registry.Registry, limiter *ratelimiter.RateLimiter) *Server {
	return &Server{port: port, token: token, reg: reg, metrics: metrics.NewClusterMetrics(), limiter: limiter}
}

func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("registrysvc: listen: %w", err)
	}
	s.listener = ln
	logger.Info("registry service listening on :%d", s.port)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Debug("registrysvc: accept: %v", err)
				continue
			}
		}
		if !s.limiter.Allow() {
			conn.Close()
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	for {
		frame, stream, err := dec.ReadFrame()
		if err != nil {
			return
		}
		if _, err := io.Copy(io.Discard, stream); err != nil {
			return
		}

		if frame.Token != s.token {
			_ = enc.WriteFrame(wire.Frame{Command: wire.CmdError, Data: []byte("invalid token")}, 0, nil)
			return
		}

		reply := s.handle(frame)
		if err := enc.WriteFrame(reply, 0, nil); err != nil {
			return
		}
	}
}

func (s *Server) handle(frame *wire.Frame) wire.Frame {
	addr, freeSpace := parseHeartbeatPayload(frame.Data)

	switch frame.Command {
	case wire.CmdRegistryRegister:
		s.reg.Register(registry.RoleData, addr, freeSpace)
		return wire.Frame{Command: wire.CmdRegistryResponseRegister}

	case wire.CmdRegistryHeartbeat:
		s.reg.Heartbeat(registry.RoleData, addr, freeSpace)
		return wire.Frame{Command: wire.CmdRegistryResponseRegister}

	case wire.CmdRegistryRegisterNameNode:
		s.reg.Register(registry.RoleName, addr, freeSpace)
		return wire.Frame{Command: wire.CmdRegistryResponseRegisterName}

	case wire.CmdRegistryHeartbeatNameNode:
		s.reg.Heartbeat(registry.RoleName, addr, freeSpace)
		return wire.Frame{Command: wire.CmdRegistryResponseRegisterName}

	case wire.CmdRegistryGetDataNodes:
		nodes := s.reg.List(registry.RoleData)
		s.metrics.SetRegistryNodeCount("data", len(nodes))
		return wire.Frame{Command: wire.CmdRegistryResponseDataNodes, Data: encodeNodes(nodes)}

	case wire.CmdRegistryGetNameNodes:
		nodes := s.reg.List(registry.RoleName)
		s.metrics.SetRegistryNodeCount("name", len(nodes))
		return wire.Frame{Command: wire.CmdRegistryResponseNameNodes, Data: encodeNodes(nodes)}

	default:
		return wire.Frame{Command: wire.CmdError, Data: []byte("unknown command")}
	}
}

func parseHeartbeatPayload(data []byte) (addr string, freeSpace int64) {
	parts := strings.SplitN(string(data), "|", 2)
	addr = parts[0]
	if len(parts) == 2 {
		freeSpace, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return addr, freeSpace
}

func encodeNodes(nodes []registry.NodeInfo) []byte {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = fmt.Sprintf("%s|%d", n.Address, n.FreeSpace)
	}
	return []byte(strings.Join(parts, ","))
}
