package dht

import (
	"context"
	"sync"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
)

// lookupState is the per-lookup state machine named in the design:
// Seeded -> Probing -> {Converged | ValueFound | Exhausted}.
type lookupState int

const (
	stateSeeded lookupState = iota
	stateProbing
	stateConverged
	stateValueFound
	stateExhausted
)

func (s lookupState) String() string {
	switch s {
	case stateSeeded:
		return "Seeded"
	case stateProbing:
		return "Probing"
	case stateConverged:
		return "Converged"
	case stateValueFound:
		return "ValueFound"
	case stateExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

type lookupCandidate struct {
	contact *Contact
	queried bool
}

// iterativeFindNode runs the standard Kademlia iterative lookup for
// target: at each round it queries up to alpha not-yet-queried
// candidates closest to target, merges any newly discovered contacts
// into the candidate set, and stops when a round yields no previously
// unknown candidate (Converged) or the candidate set is exhausted.
func (n *Node) iterativeFindNode(ctx context.Context, target nodeid.ID) ([]*Contact, error) {
	candidates := newCandidateSet(target, n.routingTable.Closest(target, BucketSize))
	state := stateSeeded

	for {
		batch := candidates.nextBatch(n.alpha)
		if len(batch) == 0 {
			state = stateExhausted
			break
		}
		state = stateProbing

		results := n.queryBatch(ctx, batch, func(addr string) ([]FoundContact, error) {
			return n.findNodeRPC(ctx, addr, target)
		})

		progressed := false
		for _, found := range results {
			for _, fc := range found {
				id, err := nodeid.FromHex(fc.NodeID)
				if err != nil || id == n.id {
					continue
				}
				if candidates.add(&Contact{ID: id, Addr: fc.Addr()}) {
					progressed = true
				}
			}
		}

		if !progressed {
			state = stateConverged
			break
		}
	}

	if n.log != nil {
		n.log.Debugw("iterative FIND_NODE finished", "target", target.String(), "state", state)
	}
	return candidates.closest(BucketSize), nil
}

// iterativeFindValue mirrors iterativeFindNode, but stops as soon as any
// queried peer reports found: true.
func (n *Node) iterativeFindValue(ctx context.Context, target nodeid.ID, key string) (string, bool, error) {
	candidates := newCandidateSet(target, n.routingTable.Closest(target, BucketSize))

	for {
		batch := candidates.nextBatch(n.alpha)
		if len(batch) == 0 {
			return "", false, nil
		}

		type outcome struct {
			result *FindValueResult
			err    error
		}
		outcomes := make([]outcome, len(batch))
		var wg sync.WaitGroup
		for i, c := range batch {
			wg.Add(1)
			go func(i int, c *lookupCandidate) {
				defer wg.Done()
				res, err := n.findValueRPC(ctx, c.contact.Addr, key)
				outcomes[i] = outcome{result: res, err: err}
			}(i, c)
		}
		wg.Wait()

		progressed := false
		for _, o := range outcomes {
			if o.err != nil || o.result == nil {
				continue
			}
			if o.result.Found {
				return o.result.Value, true, nil
			}
			for _, fc := range o.result.Contacts {
				id, err := nodeid.FromHex(fc.NodeID)
				if err != nil || id == n.id {
					continue
				}
				if candidates.add(&Contact{ID: id, Addr: fc.Addr()}) {
					progressed = true
				}
			}
		}

		if !progressed {
			return "", false, nil
		}
	}
}

// queryBatch fans a lookup function out over batch concurrently and
// returns one result slot per candidate (nil on error).
func (n *Node) queryBatch(ctx context.Context, batch []*lookupCandidate, fn func(addr string) ([]FoundContact, error)) [][]FoundContact {
	results := make([][]FoundContact, len(batch))
	var wg sync.WaitGroup
	for i, c := range batch {
		wg.Add(1)
		go func(i int, c *lookupCandidate) {
			defer wg.Done()
			found, err := fn(c.contact.Addr)
			if err != nil {
				return
			}
			results[i] = found
		}(i, c)
	}
	wg.Wait()
	return results
}

// candidateSet tracks every contact discovered so far during one
// iterative lookup, ordered by distance to target, with a queried flag
// so each is probed at most once.
type candidateSet struct {
	mu     sync.Mutex
	target nodeid.ID
	byID   map[nodeid.ID]*lookupCandidate
}

func newCandidateSet(target nodeid.ID, seed []*Contact) *candidateSet {
	cs := &candidateSet{target: target, byID: make(map[nodeid.ID]*lookupCandidate)}
	for _, c := range seed {
		cs.byID[c.ID] = &lookupCandidate{contact: c}
	}
	return cs
}

// add inserts a newly discovered contact if not already known. Returns
// true if it was new.
func (cs *candidateSet) add(c *Contact) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.byID[c.ID]; ok {
		return false
	}
	cs.byID[c.ID] = &lookupCandidate{contact: c}
	return true
}

// nextBatch returns up to n not-yet-queried candidates, closest to
// target first, and marks them queried.
func (cs *candidateSet) nextBatch(n int) []*lookupCandidate {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	all := make([]*lookupCandidate, 0, len(cs.byID))
	for _, c := range cs.byID {
		if !c.queried {
			all = append(all, c)
		}
	}
	sortCandidatesByDistance(all, cs.target)

	if n > len(all) {
		n = len(all)
	}
	batch := all[:n]
	for _, c := range batch {
		c.queried = true
	}
	return batch
}

// closest returns up to k known contacts sorted by distance to target.
func (cs *candidateSet) closest(k int) []*Contact {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	all := make([]*lookupCandidate, 0, len(cs.byID))
	for _, c := range cs.byID {
		all = append(all, c)
	}
	sortCandidatesByDistance(all, cs.target)

	if k > len(all) {
		k = len(all)
	}
	out := make([]*Contact, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].contact
	}
	return out
}

func sortCandidatesByDistance(cands []*lookupCandidate, target nodeid.ID) {
	for i := 1; i < len(cands); i++ {
		j := i
		for j > 0 && nodeid.Less(
			nodeid.Distance(cands[j].contact.ID, target),
			nodeid.Distance(cands[j-1].contact.ID, target),
		) {
			cands[j], cands[j-1] = cands[j-1], cands[j]
			j--
		}
	}
}
