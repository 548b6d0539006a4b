package dht

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	id, err := nodeid.Generate(nil)
	require.NoError(t, err)

	n, err := New(Config{
		ID:         id,
		BindAddr:   "127.0.0.1:0",
		PublicIP:   "127.0.0.1",
		RPCTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	_, port, err := splitAddrForTest(n.LocalAddr())
	require.NoError(t, err)
	n.port = port

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	t.Cleanup(func() {
		cancel()
		n.Close()
	})
	return n
}

func splitAddrForTest(addr string) (string, uint16, error) {
	ip, port := splitAddr(addr)
	if port == 0 {
		return "", 0, fmt.Errorf("could not parse port from %s", addr)
	}
	return ip, port, nil
}

func contactOf(n *Node) Contact {
	return Contact{ID: n.ID(), Addr: n.LocalAddr()}
}

func TestPingRPCRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx := context.Background()
	require.True(t, a.pingRPC(ctx, b.LocalAddr()))
}

func TestStoreAndFindValueLocalHit(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx := context.Background()
	require.True(t, a.Bootstrap(ctx, []Contact{contactOf(b)}))
	require.True(t, b.Bootstrap(ctx, []Contact{contactOf(a)}))

	require.NoError(t, a.Set(ctx, "somekey", "somevalue"))

	value, found, err := b.Get(ctx, "somekey")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "somevalue", value)
}

func TestIterativeFindNodeDiscoversThirdNode(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	ctx := context.Background()
	// a knows b, b knows c: a must discover c through iterative FIND_NODE.
	require.True(t, a.Bootstrap(ctx, []Contact{contactOf(b)}))
	require.True(t, b.Bootstrap(ctx, []Contact{contactOf(c)}))

	found, err := a.iterativeFindNode(ctx, c.ID())
	require.NoError(t, err)

	var ids []string
	for _, f := range found {
		ids = append(ids, f.ID.String())
	}
	require.Contains(t, ids, c.ID().String())
}

func TestFindValueKeyResolutionHexVsHashed(t *testing.T) {
	hexKey := nodeid.ID{0x01, 0x02}.String()
	require.Equal(t, nodeid.ID{0x01, 0x02}, resolveTarget(hexKey))

	require.Equal(t, nodeid.HashKey("not-a-hex-id"), resolveTarget("not-a-hex-id"))
}

func TestPingRPCFailsAgainstDeadAddress(t *testing.T) {
	a := newTestNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.False(t, a.pingRPC(ctx, "127.0.0.1:1"))
}

func TestBootstrapLearnsRealIDFromPong(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx := context.Background()
	// a only knows b's address, not its ID (as when a CLI user passes
	// --bootstrap ip:port with no prior knowledge of the peer's identity).
	require.True(t, a.Bootstrap(ctx, []Contact{{Addr: b.LocalAddr()}}))

	require.True(t, a.routingTable.Contains(b.ID()))
	require.False(t, a.routingTable.Contains(nodeid.ID{}))
}

func TestBootstrapReturnsFalseWhenNoSeedResponds(t *testing.T) {
	a := newTestNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.False(t, a.Bootstrap(ctx, []Contact{{Addr: "127.0.0.1:1"}}))
}

func TestFindNodeRPCUpdatesRoutingTableFromResponse(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx := context.Background()
	_, err := a.findNodeRPC(ctx, b.LocalAddr(), b.ID())
	require.NoError(t, err)

	require.True(t, a.routingTable.Contains(b.ID()))
}

func TestSetIsIdempotentLastWriteWins(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx := context.Background()
	require.True(t, a.Bootstrap(ctx, []Contact{contactOf(b)}))
	require.True(t, b.Bootstrap(ctx, []Contact{contactOf(a)}))

	require.NoError(t, a.Set(ctx, "samekey", "v1"))
	require.NoError(t, a.Set(ctx, "samekey", "v2"))

	value, found, err := b.Get(ctx, "samekey")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", value)

	values, err := b.GetAll(ctx, "samekey")
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, values)
}

func TestAppendAccumulatesDistinctValues(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx := context.Background()
	require.True(t, a.Bootstrap(ctx, []Contact{contactOf(b)}))
	require.True(t, b.Bootstrap(ctx, []Contact{contactOf(a)}))

	require.NoError(t, a.Append(ctx, "holders", "peer1"))
	require.NoError(t, a.Append(ctx, "holders", "peer2"))
	require.NoError(t, a.Append(ctx, "holders", "peer1")) // re-announce, not a duplicate

	values, err := b.GetAll(ctx, "holders")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"peer1", "peer2"}, values)
}

func TestAppendBoundsHolderSetToMostRecent(t *testing.T) {
	s := newLocalStore()
	for i := 0; i < MaxHoldersPerKey+5; i++ {
		s.Put("holders", fmt.Sprintf("peer%d", i), ModeUnion)
	}

	values, ok := s.Get("holders")
	require.True(t, ok)
	require.Len(t, values, MaxHoldersPerKey)
	require.NotContains(t, values, "peer0")
	require.Contains(t, values, fmt.Sprintf("peer%d", MaxHoldersPerKey+4))
}
