package dht

import (
	"sort"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
)

// RoutingTable is the 160-bucket Kademlia routing table for one local
// node. Bucket i holds contacts whose XOR distance from the local ID has
// bit length i+1, so bucket 0 is the closest nonzero range.
type RoutingTable struct {
	localID nodeid.ID
	buckets [nodeid.NumBuckets]*Bucket
}

// NewRoutingTable creates an empty routing table for localID.
func NewRoutingTable(localID nodeid.ID) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket()
	}
	return rt
}

// Insert adds or refreshes a contact in its bucket. The local node is
// never inserted into its own table. Returns the same (inserted,
// pingCandidate) signal as Bucket.Insert.
func (rt *RoutingTable) Insert(c *Contact) (inserted bool, pingCandidate *Contact) {
	if c.ID == rt.localID {
		return false, nil
	}
	idx := nodeid.BucketIndex(rt.localID, c.ID)
	return rt.buckets[idx].Insert(c)
}

// Remove evicts a contact by ID.
func (rt *RoutingTable) Remove(id nodeid.ID) bool {
	if id == rt.localID {
		return false
	}
	idx := nodeid.BucketIndex(rt.localID, id)
	return rt.buckets[idx].Remove(id)
}

// Contains reports whether id is a live contact in the table.
func (rt *RoutingTable) Contains(id nodeid.ID) bool {
	if id == rt.localID {
		return false
	}
	idx := nodeid.BucketIndex(rt.localID, id)
	return rt.buckets[idx].Contains(id)
}

// Closest returns up to k contacts closest to target across the whole
// table, starting from target's own bucket and expanding outward until
// enough candidates have been gathered. Every contact in a bucket below
// target's is closer to target than any contact in a bucket above it, so
// the lower buckets are gathered (all together) before the upper ones.
func (rt *RoutingTable) Closest(target nodeid.ID, k int) []*Contact {
	targetBucket := 0
	if target != rt.localID {
		targetBucket = nodeid.BucketIndex(rt.localID, target)
	}

	candidates := rt.buckets[targetBucket].Contacts()
	if len(candidates) < k {
		for down := targetBucket - 1; down >= 0; down-- {
			candidates = append(candidates, rt.buckets[down].Contacts()...)
		}
	}
	for up := targetBucket + 1; len(candidates) < k && up < nodeid.NumBuckets; up++ {
		candidates = append(candidates, rt.buckets[up].Contacts()...)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return nodeid.Less(nodeid.Distance(candidates[i].ID, target), nodeid.Distance(candidates[j].ID, target))
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

// AllContacts returns every live contact in the table.
func (rt *RoutingTable) AllContacts() []*Contact {
	var out []*Contact
	for _, b := range rt.buckets {
		out = append(out, b.Contacts()...)
	}
	return out
}

// Size returns the total number of live contacts in the table.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		total += b.Len()
	}
	return total
}

// RemoveStale evicts every contact across all buckets that has not been
// seen within timeout, and returns the number evicted.
func (rt *RoutingTable) RemoveStale(timeout time.Duration) int {
	total := 0
	for _, b := range rt.buckets {
		total += b.RemoveStale(timeout)
	}
	return total
}
