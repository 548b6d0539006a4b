package cas

import "fmt"

// AdoptChunk writes a chunk a caller fetched from the network (rather
// than split from a local file) into the store under its content hash,
// after verifying the hash matches. This is how a successful download
// makes the local node a future holder of that chunk.
func (s *Store) AdoptChunk(hash string, data []byte) error {
	if hashBytes(data) != hash {
		return newError(CodeIntegrityCheckFailed, fmt.Sprintf("adopted chunk does not match hash %s", hash), nil)
	}
	return s.writeChunk(hash, data)
}

// Reconstruct assembles a file's bytes from a manifest and a map of
// chunk hash to fetched bytes (nil for hashes that were not obtained).
// At most one data chunk may be missing; it is recovered from the
// parity chunk, which must itself be present in fetched.
func Reconstruct(manifest *Manifest, fetched map[string][]byte) ([]byte, error) {
	data := make([][]byte, len(manifest.DataChunks))
	missing := -1

	for _, ref := range manifest.DataChunks {
		buf, ok := fetched[ref.Hash]
		if !ok || buf == nil {
			if missing != -1 {
				return nil, newError(CodeInsufficientRedundancy,
					fmt.Sprintf("more than one missing chunk for %s", manifest.FileHash), nil)
			}
			missing = ref.Index
			continue
		}
		if hashBytes(buf) != ref.Hash {
			return nil, newError(CodeIntegrityCheckFailed,
				fmt.Sprintf("chunk %d of %s fails hash verification", ref.Index, manifest.FileHash), nil)
		}
		data[ref.Index] = buf
	}

	if missing != -1 {
		if len(manifest.ParityChunks) == 0 {
			return nil, newError(CodeMissingParity,
				fmt.Sprintf("chunk %d missing and no parity recorded for %s", missing, manifest.FileHash), nil)
		}
		parityRef := manifest.ParityChunks[0]
		parity, ok := fetched[parityRef.Hash]
		if !ok || parity == nil {
			return nil, newError(CodeMissingParity,
				fmt.Sprintf("parity chunk unavailable to recover chunk %d of %s", missing, manifest.FileHash), nil)
		}

		survivors := make([][]byte, 0, len(data)-1)
		for i, d := range data {
			if i == missing {
				continue
			}
			survivors = append(survivors, d)
		}
		data[missing] = recoverMissing(survivors, parity, manifest.DataChunks[missing].Size)
	}

	total := 0
	for _, d := range data {
		total += len(d)
	}
	out := make([]byte, 0, total)
	for _, d := range data {
		out = append(out, d...)
	}
	return out, nil
}
