package nameservice

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hashgrid/pkg/admission"
	"hashgrid/pkg/discovery"
	"hashgrid/pkg/metadata"
	"hashgrid/pkg/registry"
	"hashgrid/pkg/wire"
)

func startTestServer(t *testing.T) (*Server, string, metadata.Store) {
	store, err := metadata.OpenFileStore(filepath.Join(t.TempDir(), "metadata.log"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	admctl := admission.NewController(store, "name-a", time.Minute, time.Hour, time.Minute)
	t.Cleanup(admctl.Stop)

	nodes := discovery.New(registry.RoleName, "127.0.0.1:0", "secret", nil, time.Second, func() int64 { return 0 })

	srv := New(0, "secret", admctl, store, nodes, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(context.Background(), conn)
		}
	}()

	return srv, ln.Addr().String(), store
}

func roundTrip(t *testing.T, addr string, req wire.Frame) *wire.Frame {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	require.NoError(t, enc.WriteFrame(req, 0, nil))

	dec := wire.NewDecoder(conn)
	frame, _, err := dec.ReadFrame()
	require.NoError(t, err)
	return frame
}

func TestPreUploadThenCommitThenExists(t *testing.T) {
	_, addr, _ := startTestServer(t)
	hash := "deadbeef"

	reply := roundTrip(t, addr, wire.Frame{Command: wire.CmdPreUpload, Token: "secret", Data: []byte(hash)})
	require.Equal(t, wire.CmdResponseAllow, reply.Command)

	reply = roundTrip(t, addr, wire.Frame{
		Command: wire.CmdNameNodeCommitFile,
		Token:   "secret",
		Data:    []byte("report.pdf|" + hash + "|10.0.0.5:5369"),
	})
	require.Equal(t, wire.CmdNameNodeResponseCommit, reply.Command)
	require.NotEmpty(t, reply.Data)

	reply = roundTrip(t, addr, wire.Frame{Command: wire.CmdCheckExistence, Token: "secret", Data: []byte(hash)})
	require.Equal(t, wire.CmdResponseExist, reply.Command)

	reply = roundTrip(t, addr, wire.Frame{Command: wire.CmdPreUpload, Token: "secret", Data: []byte(hash)})
	require.Equal(t, wire.CmdResponseExist, reply.Command)
	require.Equal(t, "10.0.0.5:5369", string(reply.Data))
}

func TestCheckExistenceMissingHash(t *testing.T) {
	_, addr, _ := startTestServer(t)
	reply := roundTrip(t, addr, wire.Frame{Command: wire.CmdCheckExistence, Token: "secret", Data: []byte("nosuchhash")})
	require.Equal(t, wire.CmdResponseNotExist, reply.Command)
}

func TestRequestUploadLocWithNoDataNodesErrors(t *testing.T) {
	_, addr, _ := startTestServer(t)
	reply := roundTrip(t, addr, wire.Frame{Command: wire.CmdNameNodeRequestUploadLoc, Token: "secret", Data: []byte("deadbeef")})
	require.Equal(t, wire.CmdError, reply.Command)
}

func TestRequestDownloadLocByStorageID(t *testing.T) {
	_, addr, store := startTestServer(t)
	hash := "cafef00d"

	roundTrip(t, addr, wire.Frame{Command: wire.CmdPreUpload, Token: "secret", Data: []byte(hash)})
	commit := roundTrip(t, addr, wire.Frame{
		Command: wire.CmdNameNodeCommitFile,
		Token:   "secret",
		Data:    []byte("report.pdf|" + hash + "|10.0.0.5:5369"),
	})
	storageID := string(commit.Data)

	reply := roundTrip(t, addr, wire.Frame{Command: wire.CmdNameNodeRequestDownloadLoc, Token: "secret", Data: []byte(storageID)})
	require.Equal(t, wire.CmdNameNodeResponseDownloadLoc, reply.Command)
	require.Equal(t, "report.pdf|"+hash+"|10.0.0.5:5369", string(reply.Data))

	_ = store
}

func TestListLocationHashesFiltersByLocation(t *testing.T) {
	_, addr, _ := startTestServer(t)

	roundTrip(t, addr, wire.Frame{Command: wire.CmdPreUpload, Token: "secret", Data: []byte("hash-a")})
	roundTrip(t, addr, wire.Frame{
		Command: wire.CmdNameNodeCommitFile,
		Token:   "secret",
		Data:    []byte("a.bin|hash-a|10.0.0.5:5369"),
	})

	roundTrip(t, addr, wire.Frame{Command: wire.CmdPreUpload, Token: "secret", Data: []byte("hash-b")})
	roundTrip(t, addr, wire.Frame{
		Command: wire.CmdNameNodeCommitFile,
		Token:   "secret",
		Data:    []byte("b.bin|hash-b|10.0.0.6:5369"),
	})

	reply := roundTrip(t, addr, wire.Frame{
		Command: wire.CmdNameNodeListLocationHashes,
		Token:   "secret",
		Data:    []byte("10.0.0.5:5369"),
	})
	require.Equal(t, wire.CmdNameNodeResponseLocationHashes, reply.Command)
	require.Contains(t, string(reply.Data), "hash-a")
	require.NotContains(t, string(reply.Data), "hash-b")
}
