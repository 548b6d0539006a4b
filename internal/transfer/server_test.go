package transfer

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/cas"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, *cas.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := cas.Open(filepath.Join(root, "store"), 8, nil)
	require.NoError(t, err)

	srv := NewServer(store, nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, store
}

func TestFetchChunkRoundTrip(t *testing.T) {
	srv, store := startTestServer(t)

	root := t.TempDir()
	src := filepath.Join(root, "f.bin")
	require.NoError(t, os.WriteFile(src, []byte("transfer protocol test payload"), 0o600))
	manifest, err := store.StoreFile(src)
	require.NoError(t, err)

	data, err := FetchChunk(srv.Addr(), manifest.DataChunks[0].Hash, 2*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestFetchChunkUnknownHashReturnsError(t *testing.T) {
	srv, _ := startTestServer(t)

	_, err := FetchChunk(srv.Addr(), "0000", 2*time.Second)
	require.Error(t, err)
}

func TestFetchFileMetadataRoundTrip(t *testing.T) {
	srv, store := startTestServer(t)

	root := t.TempDir()
	src := filepath.Join(root, "f.bin")
	require.NoError(t, os.WriteFile(src, []byte("metadata round trip"), 0o600))
	manifest, err := store.StoreFile(src)
	require.NoError(t, err)

	resp, err := FetchFileMetadata(srv.Addr(), manifest.FileHash, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, manifest.FileHash, resp.Manifest.FileHash)
}

func TestFetchFileMetadataUnknownHash(t *testing.T) {
	srv, _ := startTestServer(t)

	_, err := FetchFileMetadata(srv.Addr(), "deadbeef", 2*time.Second)
	require.Error(t, err)
}

func TestConnectionStaysOpenAfterError(t *testing.T) {
	srv, store := startTestServer(t)

	root := t.TempDir()
	src := filepath.Join(root, "f.bin")
	require.NoError(t, os.WriteFile(src, []byte("stays open after error"), 0o600))
	manifest, err := store.StoreFile(src)
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)

	badReq, _ := json.Marshal(Request{Type: TypeGetFileMetadata, FileHash: "not-a-real-hash"})
	_, err = conn.Write(append(badReq, '\n'))
	require.NoError(t, err)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(line, &errResp))
	require.Equal(t, TypeError, errResp.Type)

	goodReq, _ := json.Marshal(Request{Type: TypeGetChunk, ChunkHash: manifest.DataChunks[0].Hash})
	_, err = conn.Write(append(goodReq, '\n'))
	require.NoError(t, err)
	line, err = reader.ReadBytes('\n')
	require.NoError(t, err)
	var header ChunkStartHeader
	require.NoError(t, json.Unmarshal(line, &header))
	require.Equal(t, TypeChunkStart, header.Type)
}
