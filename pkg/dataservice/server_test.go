package dataservice

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hashgrid/internal/ratelimiter"
	"hashgrid/pkg/blobstore"
	"hashgrid/pkg/wire"
)

func startTestServer(t *testing.T) string {
	return startServerWithLimiter(t, nil)
}

func startServerWithLimiter(t *testing.T, limiter *ratelimiter.RateLimiter) string {
	store, err := blobstore.NewFSStore([]string{t.TempDir()}, nil)
	require.NoError(t, err)

	srv := New(0, "secret", store, limiter)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if !srv.limiter.Allow() {
				conn.Close()
				continue
			}
			go srv.serveConn(context.Background(), conn)
		}
	}()

	return ln.Addr().String()
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	content := []byte("hello from a data service")
	wantHash := sha256.Sum256(content)
	hash := hex.EncodeToString(wantHash[:])

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	require.NoError(t, enc.WriteFrame(
		wire.Frame{Command: wire.CmdUploadRequest, Token: "secret", Data: []byte(hash)},
		int64(len(content)), bytes.NewReader(content),
	))

	dec := wire.NewDecoder(conn)
	reply, _, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.CmdUploadResponse, reply.Command)
	require.Equal(t, hash, string(reply.Data))

	conn2, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn2.Close()

	enc2 := wire.NewEncoder(conn2)
	require.NoError(t, enc2.WriteFrame(wire.Frame{Command: wire.CmdDownloadRequest, Token: "secret", Data: []byte(hash)}, 0, nil))

	dec2 := wire.NewDecoder(conn2)
	reply2, stream, err := dec2.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.CmdDownloadResponse, reply2.Command)
	require.EqualValues(t, len(content), reply2.StreamLen)

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDownloadMissingHashReturnsError(t *testing.T) {
	addr := startTestServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	require.NoError(t, enc.WriteFrame(wire.Frame{
		Command: wire.CmdDownloadRequest,
		Token:   "secret",
		Data:    []byte("0000000000000000000000000000000000000000000000000000000000000000")[:64],
	}, 0, nil))

	dec := wire.NewDecoder(conn)
	reply, _, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.CmdError, reply.Command)
}

func TestRateLimitRejectsConnectionsOverBurst(t *testing.T) {
	addr := startServerWithLimiter(t, ratelimiter.New(1, 1))

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.Close()

	time.Sleep(20 * time.Millisecond)

	conn2, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = conn2.Read(buf)
	require.Error(t, err, "server should close the over-burst connection without replying")
}

func TestUploadMalformedHashErrorsAndClosesConnection(t *testing.T) {
	addr := startTestServer(t)
	content := []byte("attacker payload")

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	require.NoError(t, enc.WriteFrame(
		wire.Frame{Command: wire.CmdUploadRequest, Token: "secret", Data: []byte("../secret")},
		int64(len(content)), bytes.NewReader(content),
	))

	dec := wire.NewDecoder(conn)
	reply, _, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.CmdError, reply.Command)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "server should close the connection after a malformed upload hash")
}

func TestWrongTokenClosesConnection(t *testing.T) {
	addr := startTestServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	require.NoError(t, enc.WriteFrame(wire.Frame{Command: wire.CmdDownloadRequest, Token: "wrong"}, 0, nil))

	dec := wire.NewDecoder(conn)
	reply, _, err := dec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.CmdError, reply.Command)
}
