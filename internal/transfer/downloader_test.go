package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/cas"
	"github.com/stretchr/testify/require"
)

func TestDownloaderFetchChunksSuccess(t *testing.T) {
	srv, store := startTestServer(t)

	root := t.TempDir()
	src := filepath.Join(root, "f.bin")
	require.NoError(t, os.WriteFile(src, []byte("downloader fetch chunks success"), 0o600))
	manifest, err := store.StoreFile(src)
	require.NoError(t, err)

	destStore, err := cas.Open(filepath.Join(root, "dest-store"), 8, nil)
	require.NoError(t, err)
	dl := NewDownloader(destStore, DefaultDownloaderConfig(), nil)

	peers := make(map[string][]string)
	for _, ref := range manifest.DataChunks {
		peers[ref.Hash] = []string{srv.Addr()}
	}

	results := dl.FetchChunks(context.Background(), peers)
	for _, ref := range manifest.DataChunks {
		require.NotNil(t, results[ref.Hash])
		require.True(t, destStore.HasChunk(ref.Hash))
	}
}

func TestDownloaderRetriesNextPeerOnFailure(t *testing.T) {
	srv, store := startTestServer(t)

	root := t.TempDir()
	src := filepath.Join(root, "f.bin")
	require.NoError(t, os.WriteFile(src, []byte("retry next peer on failure test"), 0o600))
	manifest, err := store.StoreFile(src)
	require.NoError(t, err)

	destStore, err := cas.Open(filepath.Join(root, "dest-store"), 8, nil)
	require.NoError(t, err)
	dl := NewDownloader(destStore, DefaultDownloaderConfig(), nil)

	peers := map[string][]string{
		manifest.DataChunks[0].Hash: {"127.0.0.1:1", srv.Addr()},
	}

	results := dl.FetchChunks(context.Background(), peers)
	require.NotNil(t, results[manifest.DataChunks[0].Hash])
}

func TestDownloaderAllPeersFailReturnsNil(t *testing.T) {
	root := t.TempDir()
	destStore, err := cas.Open(filepath.Join(root, "dest-store"), 8, nil)
	require.NoError(t, err)
	dl := NewDownloader(destStore, DownloaderConfig{MaxConcurrency: 2, PerConnectionTimeout: 300 * time.Millisecond, MaxRetriesPerChunk: 1}, nil)

	peers := map[string][]string{"somehash": {"127.0.0.1:1"}}
	results := dl.FetchChunks(context.Background(), peers)
	require.Nil(t, results["somehash"])
}

func TestDownloadFileRecoversMissingChunkFromParity(t *testing.T) {
	srv, store := startTestServer(t)

	root := t.TempDir()
	src := filepath.Join(root, "f.bin")
	require.NoError(t, os.WriteFile(src, []byte("download file recovers missing chunk ok"), 0o600))
	manifest, err := store.StoreFile(src)
	require.NoError(t, err)
	require.Greater(t, len(manifest.DataChunks), 1)

	destStore, err := cas.Open(filepath.Join(root, "dest-store"), 8, nil)
	require.NoError(t, err)
	dl := NewDownloader(destStore, DefaultDownloaderConfig(), nil)

	peers := make(map[string][]string)
	for i, ref := range manifest.DataChunks {
		if i == 0 {
			peers[ref.Hash] = []string{"127.0.0.1:1"} // unreachable: simulate a missing chunk
			continue
		}
		peers[ref.Hash] = []string{srv.Addr()}
	}
	peers[manifest.ParityChunks[0].Hash] = []string{srv.Addr()}

	out, err := dl.DownloadFile(context.Background(), manifest, peers)
	require.NoError(t, err)
	require.Equal(t, []byte("download file recovers missing chunk ok"), out)
}
