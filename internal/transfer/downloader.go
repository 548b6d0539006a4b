package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/cas"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DownloaderConfig tunes the parallel downloader.
type DownloaderConfig struct {
	MaxConcurrency       int
	PerConnectionTimeout time.Duration
	MaxRetriesPerChunk   int
}

// DefaultDownloaderConfig returns the spec's defaults: 5 concurrent
// connections, a 30s per-connection timeout, and up to 3 retries per
// chunk.
func DefaultDownloaderConfig() DownloaderConfig {
	return DownloaderConfig{
		MaxConcurrency:       5,
		PerConnectionTimeout: 30 * time.Second,
		MaxRetriesPerChunk:   3,
	}
}

// Downloader fetches a file's chunks from a peer set, verifying each
// against its content hash, and hands successfully fetched chunks to a
// local cas.Store both so the caller can reconstruct the file and so
// this node becomes a future holder.
type Downloader struct {
	store *cas.Store
	cfg   DownloaderConfig
	log   *zap.SugaredLogger
}

// NewDownloader creates a Downloader backed by store.
func NewDownloader(store *cas.Store, cfg DownloaderConfig, log *zap.SugaredLogger) *Downloader {
	return &Downloader{store: store, cfg: cfg, log: log}
}

// chunkResult is one chunk's outcome: either Data is set (success) or
// Err explains why every candidate peer failed.
type chunkResult struct {
	hash string
	data []byte
	err  error
}

// FetchChunks fetches every hash in chunkPeers concurrently, bounded by
// the configured semaphore, retrying against the next candidate peer on
// failure up to min(MaxRetriesPerChunk, len(candidates)) attempts.
// Successful chunks are written into the local store as they complete.
func (d *Downloader) FetchChunks(ctx context.Context, chunkPeers map[string][]string) map[string][]byte {
	sem := semaphore.NewWeighted(int64(d.maxConcurrency()))
	results := make(chan chunkResult, len(chunkPeers))

	for hash, peers := range chunkPeers {
		hash, peers := hash, peers
		if err := sem.Acquire(ctx, 1); err != nil {
			results <- chunkResult{hash: hash, err: err}
			continue
		}
		go func() {
			defer sem.Release(1)
			data, err := d.fetchOne(ctx, hash, peers)
			results <- chunkResult{hash: hash, data: data, err: err}
		}()
	}

	out := make(map[string][]byte, len(chunkPeers))
	for range chunkPeers {
		r := <-results
		if r.err != nil {
			if d.log != nil {
				d.log.Warnw("chunk fetch failed", "chunk_hash", r.hash, "error", r.err)
			}
			out[r.hash] = nil
			continue
		}
		out[r.hash] = r.data
	}
	return out
}

func (d *Downloader) fetchOne(ctx context.Context, hash string, peers []string) ([]byte, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("transfer: no candidate peers for chunk %s", hash)
	}

	attempts := d.cfg.MaxRetriesPerChunk
	if attempts > len(peers) {
		attempts = len(peers)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		data, err := FetchChunk(peers[i], hash, d.cfg.PerConnectionTimeout)
		if err == nil {
			if writeErr := d.store.AdoptChunk(hash, data); writeErr != nil && d.log != nil {
				d.log.Debugw("failed to adopt downloaded chunk into local store", "chunk_hash", hash, "error", writeErr)
			}
			return data, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transfer: all %d attempt(s) failed for chunk %s: %w", attempts, hash, lastErr)
}

func (d *Downloader) maxConcurrency() int {
	if d.cfg.MaxConcurrency > 0 {
		return d.cfg.MaxConcurrency
	}
	return DefaultDownloaderConfig().MaxConcurrency
}

// DownloadFile runs the full per-file control flow: fetch every data
// chunk in parallel from its candidate peers; if exactly one is missing,
// fetch the parity chunk too; reconstruct and return the file bytes.
// chunkPeers must contain an entry for every data AND parity chunk hash
// named in manifest, each mapping to that chunk's candidate peer
// addresses in priority order.
func (d *Downloader) DownloadFile(ctx context.Context, manifest *cas.Manifest, chunkPeers map[string][]string) ([]byte, error) {
	dataPeers := make(map[string][]string, len(manifest.DataChunks))
	for _, ref := range manifest.DataChunks {
		dataPeers[ref.Hash] = chunkPeers[ref.Hash]
	}

	fetched := d.FetchChunks(ctx, dataPeers)

	missing := 0
	for _, ref := range manifest.DataChunks {
		if fetched[ref.Hash] == nil {
			missing++
		}
	}

	if missing == 1 && len(manifest.ParityChunks) > 0 {
		parityRef := manifest.ParityChunks[0]
		parityResult := d.FetchChunks(ctx, map[string][]string{parityRef.Hash: chunkPeers[parityRef.Hash]})
		fetched[parityRef.Hash] = parityResult[parityRef.Hash]
	}

	return cas.Reconstruct(manifest, fetched)
}
