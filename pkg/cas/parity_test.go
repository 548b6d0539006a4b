package cas

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeParityEvenLengths(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}
	b := []byte{0x0f, 0x0f, 0x0f}
	parity := computeParity([][]byte{a, b})
	require.Equal(t, []byte{0x0e, 0x0d, 0x0c}, parity)
}

func TestComputeParityZeroPadsShorterChunks(t *testing.T) {
	a := []byte{0xff, 0xff, 0xff, 0xff}
	b := []byte{0x0f}
	parity := computeParity([][]byte{a, b})
	require.Len(t, parity, 4)
	require.Equal(t, byte(0xf0), parity[0])
	require.Equal(t, byte(0xff), parity[1])
}

func TestRecoverMissingReconstructsOriginal(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03, 0x04}
	b := []byte{0xaa, 0xbb}
	c := []byte{0x10, 0x20, 0x30}
	parity := computeParity([][]byte{a, b, c})

	recovered := recoverMissing([][]byte{a, c}, parity, len(b))
	require.Equal(t, b, recovered)

	recoveredA := recoverMissing([][]byte{b, c}, parity, len(a))
	require.Equal(t, a, recoveredA)
}
