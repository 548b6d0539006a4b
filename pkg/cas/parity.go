package cas

// computeParity XORs every data chunk together, zero-padding each one up
// to the length of the longest chunk, and returns a single parity chunk
// of that length. This is the m=1 erasure code: XORing the parity chunk
// back in against any k-1 surviving data chunks recovers the missing one.
func computeParity(chunks [][]byte) []byte {
	maxLen := 0
	for _, c := range chunks {
		if len(c) > maxLen {
			maxLen = len(c)
		}
	}

	parity := make([]byte, maxLen)
	for _, c := range chunks {
		for i, b := range c {
			parity[i] ^= b
		}
	}
	return parity
}

// recoverMissing reconstructs a single missing chunk given the other
// surviving data chunks, the parity chunk, and the original length the
// missing chunk must be truncated back to (since chunks may have been
// zero-padded to maxLen when parity was computed).
func recoverMissing(survivors [][]byte, parity []byte, missingLen int) []byte {
	recovered := make([]byte, len(parity))
	copy(recovered, parity)
	for _, c := range survivors {
		for i, b := range c {
			recovered[i] ^= b
		}
	}
	return recovered[:missingLen]
}
