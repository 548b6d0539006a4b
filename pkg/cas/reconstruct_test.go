package cas

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdoptChunkRejectsHashMismatch(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "store"), 8, nil)
	require.NoError(t, err)

	err = store.AdoptChunk("deadbeef", []byte("not matching"))
	require.Error(t, err)
	require.True(t, IsIntegrityCheckFailed(err))
}

func TestReconstructFromFetchedWithMissingDataChunk(t *testing.T) {
	a := []byte("aaaa")
	b := []byte("bbbb")
	c := []byte("cccc")
	parity := computeParity([][]byte{a, b, c})

	manifest := &Manifest{
		FileHash: "f",
		DataChunks: []ChunkRef{
			{Hash: hashBytes(a), Index: 0, Size: len(a)},
			{Hash: hashBytes(b), Index: 1, Size: len(b)},
			{Hash: hashBytes(c), Index: 2, Size: len(c)},
		},
		ParityChunks: []ChunkRef{{Hash: hashBytes(parity), Index: 0, Size: len(parity)}},
	}

	fetched := map[string][]byte{
		hashBytes(a):      a,
		hashBytes(c):      c,
		hashBytes(parity): parity,
	}

	out, err := Reconstruct(manifest, fetched)
	require.NoError(t, err)
	require.Equal(t, []byte("aaaabbbbcccc"), out)
}

func TestReconstructFailsWithTwoMissingChunks(t *testing.T) {
	manifest := &Manifest{
		FileHash: "f",
		DataChunks: []ChunkRef{
			{Hash: "h1", Index: 0, Size: 4},
			{Hash: hashBytes([]byte("bbbb")), Index: 1, Size: 4},
			{Hash: "h3", Index: 2, Size: 4},
		},
		ParityChunks: []ChunkRef{{Hash: "hp", Index: 0, Size: 4}},
	}
	fetched := map[string][]byte{hashBytes([]byte("bbbb")): []byte("bbbb")}

	_, err := Reconstruct(manifest, fetched)
	require.Error(t, err)
	require.True(t, IsInsufficientRedundancy(err))
}
