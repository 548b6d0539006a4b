package cas

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Store is the chunk store rooted at a storage directory: a chunk blob
// directory plus the JSON manifest index.
type Store struct {
	dir       string
	chunkSize int
	idx       *index
	log       *zap.SugaredLogger
}

// Open opens (creating if necessary) a chunk store rooted at dir, using
// chunkSize as the default split size for new files.
func Open(dir string, chunkSize int, log *zap.SugaredLogger) (*Store, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o700); err != nil {
		return nil, newError(CodeIOFailure, "create chunk directory", err)
	}

	idx, err := loadIndex(dir)
	if err != nil {
		return nil, err
	}

	return &Store{dir: dir, chunkSize: chunkSize, idx: idx, log: log}, nil
}

func (s *Store) chunkPath(hash string) string {
	return filepath.Join(s.dir, "chunks", hash)
}

func (s *Store) quarantinePath(hash string) string {
	return filepath.Join(s.dir, "quarantine", hash)
}

// quarantine moves a chunk that failed hash verification out of the
// chunks directory so later retrievals treat it as missing (and, if
// redundancy allows, recover it from parity) instead of repeatedly
// serving corrupt bytes.
func (s *Store) quarantine(hash string) {
	if err := os.MkdirAll(filepath.Join(s.dir, "quarantine"), 0o700); err != nil {
		if s.log != nil {
			s.log.Warnw("failed to create quarantine directory", "error", err)
		}
		return
	}
	if err := os.Rename(s.chunkPath(hash), s.quarantinePath(hash)); err != nil {
		if s.log != nil {
			s.log.Warnw("failed to quarantine corrupt chunk", "hash", hash, "error", err)
		}
	}
}

// StoreFile splits the file at path into chunks, computes one XOR parity
// chunk, writes every chunk under its content hash, and records a
// manifest under the whole-file hash. Re-storing a file whose hash is
// already indexed is a no-op that returns the existing manifest.
func (s *Store) StoreFile(path string) (*Manifest, error) {
	chunks, fileHash, size, err := splitFile(path, s.chunkSize)
	if err != nil {
		return nil, err
	}

	if existing, ok := s.idx.get(fileHash); ok {
		return existing, nil
	}

	dataRefs := make([]ChunkRef, len(chunks))
	rawChunks := make([][]byte, len(chunks))
	for i, c := range chunks {
		if err := s.writeChunk(c.Hash, c.Data); err != nil {
			return nil, err
		}
		dataRefs[i] = ChunkRef{Hash: c.Hash, Index: i, Size: len(c.Data)}
		rawChunks[i] = c.Data
	}

	var parityRefs []ChunkRef
	if len(rawChunks) > 0 {
		parity := computeParity(rawChunks)
		parityHash := hashBytes(parity)
		if err := s.writeChunk(parityHash, parity); err != nil {
			return nil, err
		}
		parityRefs = []ChunkRef{{Hash: parityHash, Index: 0, Size: len(parity)}}
	}

	now := time.Now().UTC()
	manifest := &Manifest{
		FileHash:     fileHash,
		OriginalName: filepath.Base(path),
		Size:         size,
		ChunkSize:    s.chunkSize,
		K:            len(dataRefs),
		M:            ParityCount,
		DataChunks:   dataRefs,
		ParityChunks: parityRefs,
		StoredAt:     now,
		LastAccessed: now,
	}

	if err := s.idx.put(manifest); err != nil {
		return nil, err
	}
	if s.log != nil {
		s.log.Infow("stored file", "file_hash", fileHash, "chunks", len(dataRefs))
	}
	return manifest, nil
}

func (s *Store) writeChunk(hash string, data []byte) error {
	path := s.chunkPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return newError(CodeIOFailure, fmt.Sprintf("write chunk %s", hash), err)
	}
	return nil
}

// Manifest returns the manifest for fileHash, if stored.
func (s *Store) Manifest(fileHash string) (*Manifest, error) {
	m, ok := s.idx.get(fileHash)
	if !ok {
		return nil, newError(CodeNotFound, fmt.Sprintf("no manifest for %s", fileHash), nil)
	}
	return m, nil
}

// ListManifests returns every manifest currently indexed.
func (s *Store) ListManifests() []*Manifest {
	return s.idx.list()
}

// HasChunk reports whether a chunk with the given hash is present locally.
func (s *Store) HasChunk(hash string) bool {
	_, err := os.Stat(s.chunkPath(hash))
	return err == nil
}

// ReadChunk reads a single chunk's raw bytes by content hash.
func (s *Store) ReadChunk(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(CodeNotFound, fmt.Sprintf("chunk %s not found", hash), err)
		}
		return nil, newError(CodeIOFailure, fmt.Sprintf("read chunk %s", hash), err)
	}
	return data, nil
}

// RetrieveFile reconstructs the file identified by fileHash into outPath.
// At most one data chunk may be missing locally; it is recovered from the
// parity chunk and the surviving data chunks. Writes are staged to a
// temp file and atomically renamed into place so a failed retrieval
// never leaves a partial file at outPath.
func (s *Store) RetrieveFile(fileHash, outPath string) error {
	manifest, err := s.Manifest(fileHash)
	if err != nil {
		return err
	}

	data := make([][]byte, len(manifest.DataChunks))
	missing := -1
	for _, ref := range manifest.DataChunks {
		if !s.HasChunk(ref.Hash) {
			if missing != -1 {
				return newError(CodeInsufficientRedundancy,
					fmt.Sprintf("more than one missing chunk for %s", fileHash), nil)
			}
			missing = ref.Index
			continue
		}
		buf, err := s.ReadChunk(ref.Hash)
		if err != nil {
			return err
		}
		data[ref.Index] = buf
	}

	if missing != -1 {
		if len(manifest.ParityChunks) == 0 {
			return newError(CodeMissingParity,
				fmt.Sprintf("chunk %d missing and no parity recorded for %s", missing, fileHash), nil)
		}
		parityRef := manifest.ParityChunks[0]
		if !s.HasChunk(parityRef.Hash) {
			return newError(CodeMissingParity,
				fmt.Sprintf("parity chunk unavailable to recover chunk %d of %s", missing, fileHash), nil)
		}
		parity, err := s.ReadChunk(parityRef.Hash)
		if err != nil {
			return err
		}

		survivors := make([][]byte, 0, len(data)-1)
		for i, d := range data {
			if i == missing {
				continue
			}
			survivors = append(survivors, d)
		}
		missingLen := manifest.DataChunks[missing].Size
		data[missing] = recoverMissing(survivors, parity, missingLen)
		if s.log != nil {
			s.log.Warnw("recovered chunk from parity", "file_hash", fileHash, "chunk_index", missing)
		}
	}

	if err := s.writeReconstructed(outPath, data, manifest); err != nil {
		return err
	}

	manifest.LastAccessed = time.Now().UTC()
	return s.idx.put(manifest)
}

func (s *Store) writeReconstructed(outPath string, data [][]byte, manifest *Manifest) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
		return newError(CodeIOFailure, "create output directory", err)
	}

	tmpPath := outPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return newError(CodeIOFailure, "create temp output file", err)
	}

	for i, chunk := range data {
		hash := hashBytes(chunk)
		if hash != manifest.DataChunks[i].Hash {
			f.Close()
			os.Remove(tmpPath)
			s.quarantine(manifest.DataChunks[i].Hash)
			return newError(CodeIntegrityCheckFailed,
				fmt.Sprintf("chunk %d hash mismatch: got %s want %s", i, hash, manifest.DataChunks[i].Hash), nil)
		}
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return newError(CodeIOFailure, "write reconstructed file", err)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return newError(CodeIOFailure, "close temp output file", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return newError(CodeIOFailure, "rename temp output file into place", err)
	}
	return nil
}

// VerifyIntegrity re-hashes every locally-present data chunk of fileHash
// without reconstructing the file. It fails on a hash mismatch, or when
// the missing data chunks cannot be recovered (more than one missing, or
// one missing with no parity recorded). Parity chunks are neither
// re-hashed nor checked for presence, and a single missing data chunk
// with parity recorded is not reported.
func (s *Store) VerifyIntegrity(fileHash string) error {
	manifest, err := s.Manifest(fileHash)
	if err != nil {
		return err
	}

	missingCount := 0
	for _, ref := range manifest.DataChunks {
		if !s.HasChunk(ref.Hash) {
			missingCount++
			continue
		}
		buf, err := s.ReadChunk(ref.Hash)
		if err != nil {
			return err
		}
		if hashBytes(buf) != ref.Hash {
			s.quarantine(ref.Hash)
			return newError(CodeIntegrityCheckFailed,
				fmt.Sprintf("chunk %d of %s fails hash verification", ref.Index, fileHash), nil)
		}
	}

	if missingCount > 1 {
		return newError(CodeInsufficientRedundancy,
			fmt.Sprintf("%d chunks missing for %s, at most 1 recoverable", missingCount, fileHash), nil)
	}
	if missingCount == 1 && len(manifest.ParityChunks) == 0 {
		return newError(CodeMissingParity, fmt.Sprintf("1 chunk missing and no parity for %s", fileHash), nil)
	}
	return nil
}
