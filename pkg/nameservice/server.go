// Package nameservice wires the admission controller and metadata
// store up to the wire protocol. It owns no business logic beyond
// dispatch: every decision is made by pkg/admission or pkg/metadata.
package nameservice

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"hashgrid/internal/logger"
	"hashgrid/internal/ratelimiter"
	"hashgrid/pkg/admission"
	"hashgrid/pkg/discovery"
	"hashgrid/pkg/metadata"
	"hashgrid/pkg/wire"
)

type Server struct {
	port    int
	token   string
	admctl  *admission.Controller
	store   metadata.Store
	nodes   *discovery.Client
	limiter *ratelimiter.RateLimiter

	rngMu sync.Mutex
	rng   *rand.Rand

	listener net.Listener
}

func New(port int, token string, admctl *admission.Controller, store metadata.Store, nodes *discovery.Client, limiter *ratelimiter.RateLimiter) *Server {
	return &Server{
		port:    port,
		token:   token,
		admctl:  admctl,
		store:   store,
		nodes:   nodes,
		limiter: limiter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("nameservice: listen: %w", err)
	}
	s.listener = ln
	logger.Info("name service listening on :%d", s.port)

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
				logger.Debug("nameservice: accept: %v", err)
				continue
			}
		}
		if !s.limiter.Allow() {
			conn.Close()
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
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

		reply := s.handle(ctx, frame)
		if err := enc.WriteFrame(reply, 0, nil); err != nil {
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, frame *wire.Frame) wire.Frame {
	switch frame.Command {
	case wire.CmdPreUpload:
		return s.handlePreUpload(ctx, string(frame.Data))
	case wire.CmdNameNodeRequestUploadLoc:
		return s.handleRequestUploadLoc(ctx, string(frame.Data))
	case wire.CmdNameNodeCommitFile:
		return s.handleCommitFile(ctx, frame.Data)
	case wire.CmdNameNodeRequestDownloadLoc:
		return s.handleRequestDownloadLoc(ctx, string(frame.Data))
	case wire.CmdCheckExistence:
		return s.handleCheckExistence(ctx, string(frame.Data))
	case wire.CmdNameNodeListLocationHashes:
		return s.handleListLocationHashes(ctx, string(frame.Data))
	default:
		return wire.Frame{Command: wire.CmdError, Data: []byte("unknown command")}
	}
}

func (s *Server) handlePreUpload(ctx context.Context, hash string) wire.Frame {
	decision, location, err := s.admctl.PreUpload(ctx, hash)
	if err != nil {
		return errFrame(err)
	}
	switch decision {
	case admission.DecisionExists:
		return wire.Frame{Command: wire.CmdResponseExist, Data: []byte(location)}
	case admission.DecisionWait:
		return wire.Frame{Command: wire.CmdResponseWait}
	default:
		return wire.Frame{Command: wire.CmdResponseAllow}
	}
}

func (s *Server) handleRequestUploadLoc(ctx context.Context, hash string) wire.Frame {
	candidates := s.nodes.DataNodes()
	node, ok := s.pickNode(candidates)
	if !ok {
		return wire.Frame{Command: wire.CmdError, Data: []byte("no data services available")}
	}
	return wire.Frame{Command: wire.CmdNameNodeResponseUploadLoc, Data: []byte(node.Address)}
}

func (s *Server) handleCommitFile(ctx context.Context, payload []byte) wire.Frame {
	filename, hash, location, err := splitCommitPayload(payload)
	if err != nil {
		return errFrame(err)
	}

	storageID, err := s.admctl.Commit(ctx, hash, filename, location)
	if err != nil {
		return errFrame(err)
	}
	return wire.Frame{Command: wire.CmdNameNodeResponseCommit, Data: []byte(storageID)}
}

func (s *Server) handleRequestDownloadLoc(ctx context.Context, storageIDOrHash string) wire.Frame {
	hash, err := s.store.QueryHashByStorageID(ctx, storageIDOrHash)
	if err != nil {
		if err != metadata.ErrNotFound {
			return errFrame(err)
		}
		// Legacy clients may pass the content hash directly instead of
		// a storageId; fall back to treating the input as a hash.
		hash = storageIDOrHash
	}

	rec, err := s.store.QueryByHash(ctx, hash)
	if err != nil {
		return errFrame(err)
	}
	return wire.Frame{Command: wire.CmdNameNodeResponseDownloadLoc, Data: []byte(rec.Filename + "|" + rec.Hash + "|" + rec.Location)}
}

func (s *Server) handleCheckExistence(ctx context.Context, hash string) wire.Frame {
	if _, err := s.store.QueryByHash(ctx, hash); err != nil {
		if err == metadata.ErrNotFound {
			return wire.Frame{Command: wire.CmdResponseNotExist}
		}
		return errFrame(err)
	}
	return wire.Frame{Command: wire.CmdResponseExist}
}

// handleListLocationHashes answers a data service's reconciliation GC
// scan with every hash this name service has committed at the given
// location. Used only by pkg/gc's collector, never by regular clients.
func (s *Server) handleListLocationHashes(ctx context.Context, location string) wire.Frame {
	records, err := s.store.Recover(ctx)
	if err != nil {
		return errFrame(err)
	}

	var b strings.Builder
	for _, rec := range records {
		if rec.Location == location {
			b.WriteString(rec.Hash)
			b.WriteByte('\n')
		}
	}
	return wire.Frame{Command: wire.CmdNameNodeResponseLocationHashes, Data: []byte(b.String())}
}

func (s *Server) pickNode(candidates []admission.DataNode) (admission.DataNode, bool) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return admission.ChooseDataNode(candidates, s.rng)
}

func splitCommitPayload(data []byte) (filename, hash, location string, err error) {
	parts := strings.SplitN(string(data), "|", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("nameservice: malformed commit payload")
	}
	return parts[0], parts[1], parts[2], nil
}

func errFrame(err error) wire.Frame {
	return wire.Frame{Command: wire.CmdError, Data: []byte(err.Error())}
}
