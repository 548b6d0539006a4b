// Package nodeid implements the 160-bit Kademlia identifier space and its
// XOR distance metric.
package nodeid

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// Size is the length of a NodeID in bytes (160 bits).
const Size = 20

// NumBuckets is the number of k-buckets in a routing table: one per
// possible bit position of the XOR distance.
const NumBuckets = Size * 8

// ID is a 160-bit Kademlia node identifier.
type ID [Size]byte

// Generate derives an ID from seed via SHA-1, or from fresh randomness
// when seed is empty. SHA-1 is used here purely as a 160-bit hash
// function over arbitrary input, not for any authentication purpose.
func Generate(seed []byte) (ID, error) {
	var id ID
	if len(seed) > 0 {
		sum := sha1.Sum(seed)
		copy(id[:], sum[:])
		return id, nil
	}

	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return ID{}, fmt.Errorf("nodeid: generate random seed: %w", err)
	}
	sum := sha1.Sum(buf)
	copy(id[:], sum[:])
	return id, nil
}

// FromHex parses a 40-character lowercase hex string into an ID.
func FromHex(s string) (ID, error) {
	var id ID
	if len(s) != Size*2 {
		return id, fmt.Errorf("nodeid: invalid hex length %d, want %d", len(s), Size*2)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("nodeid: decode hex: %w", err)
	}
	copy(id[:], decoded)
	return id, nil
}

// HashKey hashes an arbitrary key string with SHA-1 to obtain a 160-bit
// target ID, used by FIND_VALUE when the key is not itself a 40-char hex ID.
func HashKey(key string) ID {
	var id ID
	sum := sha1.Sum([]byte(key))
	copy(id[:], sum[:])
	return id
}

// String returns the lowercase hex representation of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether every bit of the ID is zero.
func (id ID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether two IDs are identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Distance returns the XOR distance between two IDs, interpreted as an
// unsigned big-endian integer of Size bytes.
func Distance(a, b ID) ID {
	var d ID
	for i := 0; i < Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is numerically less than b when both are
// interpreted as unsigned big-endian integers.
func Less(a, b ID) bool {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// BitLen returns the position of the highest set bit plus one (the
// number of bits required to represent the distance), or 0 if the
// distance is zero.
func BitLen(d ID) int {
	for i := 0; i < Size; i++ {
		if d[i] != 0 {
			return (Size-i-1)*8 + bits.Len8(d[i])
		}
	}
	return 0
}

// BucketIndex returns bucket_index(local, remote): bit_length(distance)-1,
// where bucket 0 is the closest nonzero range. It is undefined (and this
// function returns -1) when local == remote, since the local node is
// never inserted into its own routing table.
func BucketIndex(local, remote ID) int {
	d := Distance(local, remote)
	bl := BitLen(d)
	if bl == 0 {
		return -1
	}
	return bl - 1
}
