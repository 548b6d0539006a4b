package dht

import (
	"testing"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
	"github.com/stretchr/testify/require"
)

func TestRoutingTableRejectsSelf(t *testing.T) {
	local, _ := nodeid.Generate([]byte("local"))
	rt := NewRoutingTable(local)

	inserted, _ := rt.Insert(&Contact{ID: local, Addr: "self"})
	require.False(t, inserted)
	require.Equal(t, 0, rt.Size())
}

func TestRoutingTableDistributesAcrossBuckets(t *testing.T) {
	local := nodeid.ID{}
	rt := NewRoutingTable(local)

	closeID := nodeid.ID{}
	closeID[nodeid.Size-1] = 0x01

	farID := nodeid.ID{}
	farID[0] = 0x80

	rt.Insert(&Contact{ID: closeID, Addr: "close"})
	rt.Insert(&Contact{ID: farID, Addr: "far"})

	require.Equal(t, 2, rt.Size())
	require.True(t, rt.Contains(closeID))
	require.True(t, rt.Contains(farID))
}

func TestRoutingTableClosestExpandsOutward(t *testing.T) {
	local := nodeid.ID{}
	rt := NewRoutingTable(local)

	for i := 1; i <= 5; i++ {
		id := nodeid.ID{}
		id[nodeid.Size-1] = byte(i)
		rt.Insert(&Contact{ID: id, Addr: "addr"})
	}

	closest := rt.Closest(local, 3)
	require.Len(t, closest, 3)
	require.True(t, nodeid.Less(nodeid.Distance(closest[0].ID, local), nodeid.Distance(closest[1].ID, local)))
	require.True(t, nodeid.Less(nodeid.Distance(closest[1].ID, local), nodeid.Distance(closest[2].ID, local)))
}
