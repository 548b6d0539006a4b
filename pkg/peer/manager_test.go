package peer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/internal/dht"
	"github.com/Amuroboclub14/p2p-cas-research/pkg/cas"
	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
	"github.com/stretchr/testify/require"
)

func newTestDHTNode(t *testing.T) *dht.Node {
	t.Helper()
	id, err := nodeid.Generate(nil)
	require.NoError(t, err)

	n, err := dht.New(dht.Config{
		ID:         id,
		BindAddr:   "127.0.0.1:0",
		PublicIP:   "127.0.0.1",
		RPCTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	t.Cleanup(func() {
		cancel()
		n.Close()
	})
	return n
}

func bootstrapPair(t *testing.T, a, b *dht.Node) {
	t.Helper()
	ctx := context.Background()
	require.True(t, a.Bootstrap(ctx, []dht.Contact{{ID: b.ID(), Addr: b.LocalAddr()}}))
	require.True(t, b.Bootstrap(ctx, []dht.Contact{{ID: a.ID(), Addr: a.LocalAddr()}}))
}

func TestPublishAndFindChunkHolder(t *testing.T) {
	a := newTestDHTNode(t)
	b := newTestDHTNode(t)
	bootstrapPair(t, a, b)

	publisher := New(a, NodeDescriptor{NodeID: a.ID().String(), IP: "10.0.0.1", Port: 9701}, nil)
	resolver := New(b, NodeDescriptor{}, nil)

	ctx := context.Background()
	require.NoError(t, publisher.PublishChunkHolder(ctx, "aabbccdd"))

	holders, err := resolver.FindChunkHolder(ctx, "aabbccdd")
	require.NoError(t, err)
	require.Len(t, holders, 1)
	require.Equal(t, "10.0.0.1:9701", holders[0].Addr())
}

func TestFindHoldersBatchNeverErrors(t *testing.T) {
	a := newTestDHTNode(t)
	manager := New(a, NodeDescriptor{NodeID: a.ID().String()}, nil)

	results := manager.FindHolders(context.Background(), []string{"unknown1", "unknown2"})
	require.Len(t, results, 2)
	require.Empty(t, results["unknown1"])
	require.Empty(t, results["unknown2"])
}

func TestPublishAndResolveFileManifest(t *testing.T) {
	a := newTestDHTNode(t)
	b := newTestDHTNode(t)
	bootstrapPair(t, a, b)

	root := t.TempDir()
	store, err := cas.Open(filepath.Join(root, "store"), 8, nil)
	require.NoError(t, err)

	src := filepath.Join(root, "file.bin")
	require.NoError(t, os.WriteFile(src, []byte("manifest publish test content"), 0o600))
	manifest, err := store.StoreFile(src)
	require.NoError(t, err)

	publisher := New(a, NodeDescriptor{NodeID: a.ID().String(), IP: "10.0.0.2", Port: 9701}, nil)
	resolver := New(b, NodeDescriptor{}, nil)

	ctx := context.Background()
	require.NoError(t, publisher.PublishFileManifest(ctx, manifest))

	resolved, publisherDesc, err := resolver.ResolveFileManifest(ctx, manifest.FileHash)
	require.NoError(t, err)
	require.Equal(t, manifest.FileHash, resolved.FileHash)
	require.Equal(t, "10.0.0.2:9701", publisherDesc.Addr())
}

func TestResolveFileManifestNotFound(t *testing.T) {
	a := newTestDHTNode(t)
	manager := New(a, NodeDescriptor{}, nil)

	_, _, err := manager.ResolveFileManifest(context.Background(), "deadbeef")
	require.Error(t, err)
}

func TestRepublishLoopRepublishesManifests(t *testing.T) {
	a := newTestDHTNode(t)
	b := newTestDHTNode(t)
	bootstrapPair(t, a, b)

	root := t.TempDir()
	store, err := cas.Open(filepath.Join(root, "store"), 8, nil)
	require.NoError(t, err)
	src := filepath.Join(root, "file.bin")
	require.NoError(t, os.WriteFile(src, []byte("republish loop content"), 0o600))
	manifest, err := store.StoreFile(src)
	require.NoError(t, err)

	publisher := New(a, NodeDescriptor{NodeID: a.ID().String(), IP: "10.0.0.3", Port: 9701}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher.StartRepublishLoop(ctx, store, 20*time.Millisecond)
	defer publisher.StopRepublishLoop()

	time.Sleep(80 * time.Millisecond)

	resolver := New(b, NodeDescriptor{}, nil)
	resolved, _, err := resolver.ResolveFileManifest(context.Background(), manifest.FileHash)
	require.NoError(t, err)
	require.Equal(t, manifest.FileHash, resolved.FileHash)
}
