// Package cas implements the content-addressed chunk store: fixed-size
// chunking, SHA-256 content hashing, single-parity XOR erasure coding,
// and the JSON manifest index that ties a file hash back to its chunks.
package cas

import "time"

// DefaultChunkSize is the chunk boundary used when a caller does not
// request a specific size.
const DefaultChunkSize = 65536

// ParityCount is the number of parity chunks produced per file (m=1).
const ParityCount = 1

// ChunkRef identifies one stored chunk by its content hash and position.
type ChunkRef struct {
	Hash  string `json:"hash"`
	Index int    `json:"index"`
	Size  int    `json:"size"`
}

// Manifest is the persisted record of a stored file: its identity, the
// chunking parameters it was stored under, and the ordered list of data
// and parity chunk references needed to reconstruct it.
type Manifest struct {
	FileHash     string     `json:"file_hash"`
	OriginalName string     `json:"original_name"`
	Size         int64      `json:"size"`
	ChunkSize    int        `json:"chunk_size"`
	K            int        `json:"k"`
	M            int        `json:"m"`
	DataChunks   []ChunkRef `json:"data_chunks"`
	ParityChunks []ChunkRef `json:"parity_chunks"`
	StoredAt     time.Time  `json:"stored_at"`
	LastAccessed time.Time  `json:"last_accessed"`
}

// TotalChunks returns the number of data plus parity chunks.
func (m *Manifest) TotalChunks() int {
	return len(m.DataChunks) + len(m.ParityChunks)
}
