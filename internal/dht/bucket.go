package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
)

// BucketSize is k: the maximum number of contacts held per bucket, and the
// width of a FIND_NODE/FIND_VALUE result set.
const BucketSize = 20

// Bucket is one k-bucket: an LRU-ordered list of live contacts (most
// recently seen at the tail) plus a replacement cache used when the
// bucket is full and a ping to its least-recently-seen contact succeeds.
type Bucket struct {
	mu sync.RWMutex

	contacts []*Contact
	maxSize  int

	replacements    []*Contact
	maxReplacements int
}

// NewBucket creates an empty k-bucket of the default size.
func NewBucket() *Bucket {
	return &Bucket{
		contacts:        make([]*Contact, 0, BucketSize),
		maxSize:         BucketSize,
		replacements:    make([]*Contact, 0, BucketSize),
		maxReplacements: BucketSize,
	}
}

// Insert adds or refreshes a contact. If the contact is already present
// it is moved to the tail (most recently seen). If the bucket has room
// the contact is appended. If the bucket is full, the contact is placed
// in the replacement cache and Insert returns false along with the
// current head (the least-recently-seen contact, a ping candidate).
func (b *Bucket) Insert(c *Contact) (inserted bool, pingCandidate *Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts[i] = c
			b.moveToTail(i)
			return true, nil
		}
	}

	if len(b.contacts) < b.maxSize {
		b.contacts = append(b.contacts, c)
		return true, nil
	}

	b.addReplacement(c)
	return false, b.contacts[0]
}

// Remove evicts a contact by ID and promotes the oldest replacement
// to fill the gap, if any. Returns true if a contact was removed.
func (b *Bucket) Remove(id nodeid.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.contacts {
		if c.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.promoteReplacement()
			return true
		}
	}

	for i, c := range b.replacements {
		if c.ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether id is currently a live contact in this bucket.
func (b *Bucket) Contains(id nodeid.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.contacts {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Contacts returns a snapshot of every live contact in the bucket.
func (b *Bucket) Contacts() []*Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Contact, len(b.contacts))
	for i, c := range b.contacts {
		out[i] = c.Copy()
	}
	return out
}

// Len returns the number of live contacts in the bucket.
func (b *Bucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.contacts)
}

// IsFull reports whether the bucket has reached BucketSize contacts.
func (b *Bucket) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.contacts) >= b.maxSize
}

// Closest returns up to k contacts from this bucket sorted by XOR
// distance to target, closest first.
func (b *Bucket) Closest(target nodeid.ID, k int) []*Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	contacts := make([]*Contact, len(b.contacts))
	for i, c := range b.contacts {
		contacts[i] = c.Copy()
	}

	sort.Slice(contacts, func(i, j int) bool {
		return nodeid.Less(nodeid.Distance(contacts[i].ID, target), nodeid.Distance(contacts[j].ID, target))
	})

	if k > len(contacts) {
		k = len(contacts)
	}
	return contacts[:k]
}

// RemoveStale evicts every contact that has not been seen within timeout,
// promoting replacements to fill the resulting gaps, and returns the
// number of contacts evicted.
func (b *Bucket) RemoveStale(timeout time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	i := 0
	for i < len(b.contacts) {
		if b.contacts[i].IsStale(timeout) {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			removed++
			continue
		}
		i++
	}

	for promote := removed; promote > 0 && len(b.replacements) > 0 && len(b.contacts) < b.maxSize; promote-- {
		b.promoteReplacement()
	}
	return removed
}

func (b *Bucket) moveToTail(i int) {
	if i == len(b.contacts)-1 {
		return
	}
	c := b.contacts[i]
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	b.contacts = append(b.contacts, c)
}

func (b *Bucket) addReplacement(c *Contact) {
	for i, existing := range b.replacements {
		if existing.ID == c.ID {
			b.replacements[i] = c
			return
		}
	}
	if len(b.replacements) < b.maxReplacements {
		b.replacements = append(b.replacements, c)
		return
	}
	copy(b.replacements, b.replacements[1:])
	b.replacements[len(b.replacements)-1] = c
}

func (b *Bucket) promoteReplacement() {
	if len(b.replacements) == 0 || len(b.contacts) >= b.maxSize {
		return
	}
	c := b.replacements[0]
	b.replacements = b.replacements[1:]
	b.contacts = append(b.contacts, c)
}
