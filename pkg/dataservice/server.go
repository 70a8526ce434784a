// Package dataservice wires a blobstore.Store up to the wire
// protocol's UPLOAD/DOWNLOAD commands.
package dataservice

import (
	"context"
	"fmt"
	"io"
	"net"

	"hashgrid/internal/logger"
	"hashgrid/internal/ratelimiter"
	"hashgrid/pkg/blobstore"
	"hashgrid/pkg/metrics"
	"hashgrid/pkg/wire"
)

type Server struct {
	port     int
	token    string
	store    blobstore.Store
	metrics  *metrics.ClusterMetrics
	limiter  *ratelimiter.RateLimiter
	listener net.Listener
}

func New(port int, token string, store blobstore.Store, limiter *ratelimiter.RateLimiter) *Server {
	return &Server{port: port, token: token, store: store, metrics: metrics.NewClusterMetrics(), limiter: limiter}
}

func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("dataservice: listen: %w", err)
	}
	s.listener = ln
	logger.Info("data service listening on :%d", s.port)

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
				logger.Debug("dataservice: accept: %v", err)
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

		if frame.Token != s.token {
			_ = enc.WriteFrame(wire.Frame{Command: wire.CmdError, Data: []byte("invalid token")}, 0, nil)
			return
		}

		var reply wire.Frame
		var replyStreamLen int64
		var replyStream io.Reader
		closeAfter := false

		switch frame.Command {
		case wire.CmdUploadRequest:
			reply, closeAfter = s.handleUpload(ctx, frame, stream)
		case wire.CmdDownloadRequest:
			reply, replyStreamLen, replyStream = s.handleDownload(ctx, string(frame.Data))
		default:
			reply = wire.Frame{Command: wire.CmdError, Data: []byte("unknown command")}
			io.Copy(io.Discard, stream)
		}

		if err := enc.WriteFrame(reply, replyStreamLen, replyStream); err != nil {
			if rc, ok := replyStream.(io.Closer); ok {
				rc.Close()
			}
			return
		}
		if rc, ok := replyStream.(io.Closer); ok {
			rc.Close()
		}
		if closeAfter {
			return
		}
	}
}

// handleUpload stores the incoming stream under the hash the peer
// supplied in frame.Data. The uploaded stream is the encrypted blob;
// hash addresses its plaintext, so it is taken as given and validated,
// never recomputed from the stream. A malformed hash is rejected
// before anything is written and the connection is closed, matching
// the path-traversal hardening that depends on every stored hash
// having passed this check.
func (s *Server) handleUpload(ctx context.Context, frame *wire.Frame, stream io.Reader) (wire.Frame, bool) {
	hash := string(frame.Data)
	if err := blobstore.ValidateHash(hash); err != nil {
		io.Copy(io.Discard, stream)
		s.metrics.ObserveUpload(false, frame.StreamLen)
		return wire.Frame{Command: wire.CmdError, Data: []byte("non-conformant hash")}, true
	}

	err := s.store.Put(ctx, hash, frame.StreamLen, stream)
	s.metrics.ObserveUpload(err == nil, frame.StreamLen)
	if err != nil {
		// Put may fail before consuming the whole stream; discard the
		// rest so the next ReadFrame starts at a frame boundary.
		io.Copy(io.Discard, stream)
		return wire.Frame{Command: wire.CmdError, Data: []byte(err.Error())}, false
	}
	return wire.Frame{Command: wire.CmdUploadResponse, Data: []byte(hash)}, false
}

func (s *Server) handleDownload(ctx context.Context, hash string) (wire.Frame, int64, io.Reader) {
	r, size, err := s.store.Get(ctx, hash)
	s.metrics.ObserveDownload(err == nil)
	if err != nil {
		return wire.Frame{Command: wire.CmdError, Data: []byte(err.Error())}, 0, nil
	}
	return wire.Frame{Command: wire.CmdDownloadResponse, Data: []byte(hash)}, size, r
}
