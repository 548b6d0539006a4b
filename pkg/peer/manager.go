// Package peer sits above the DHT overlay and gives the rest of the node
// a domain-shaped API: publish/resolve chunk holders and file manifests,
// instead of raw get/set on opaque keys.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/internal/dht"
	"github.com/Amuroboclub14/p2p-cas-research/pkg/cas"
	"go.uber.org/zap"
)

const fileManifestKeyPrefix = "file_manifest:"

// NodeDescriptor identifies a chunk holder by its DHT node ID and the
// TCP address its chunk-transfer server listens on (distinct from its
// DHT UDP port).
type NodeDescriptor struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
}

// Addr returns the "ip:port" dial address for this holder's
// chunk-transfer server.
func (d NodeDescriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.IP, d.Port)
}

// manifestEnvelope is the DHT-stored payload for a published manifest:
// the manifest itself plus the publishing node, so a resolver also
// learns a holder to ask for the file's chunks.
type manifestEnvelope struct {
	Manifest  *cas.Manifest  `json:"manifest"`
	Publisher NodeDescriptor `json:"publisher"`
}

// Manager publishes and resolves chunk-holder and file-manifest records
// over a DHT node.
type Manager struct {
	node *dht.Node
	self NodeDescriptor
	log  *zap.SugaredLogger

	stopRepublish context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a Manager bound to node, advertising self as the
// chunk-transfer endpoint for anything this manager publishes.
func New(node *dht.Node, self NodeDescriptor, log *zap.SugaredLogger) *Manager {
	return &Manager{node: node, self: self, log: log}
}

// PublishChunkHolder announces that this node holds chunkHash.
func (m *Manager) PublishChunkHolder(ctx context.Context, chunkHash string) error {
	data, err := json.Marshal(m.self)
	if err != nil {
		return fmt.Errorf("peer: encode holder descriptor: %w", err)
	}
	return m.node.Append(ctx, chunkHash, string(data))
}

// FindChunkHolder resolves every known holder of chunkHash. The DHT
// accumulates one STORE per publisher under the same key (set-union, not
// overwrite), so a node that has heard from several publishers returns
// all of them; a node that hasn't yet returns whatever its single
// network FIND_VALUE hit supplies.
func (m *Manager) FindChunkHolder(ctx context.Context, chunkHash string) ([]NodeDescriptor, error) {
	values, err := m.node.GetAll(ctx, chunkHash)
	if err != nil {
		return nil, err
	}

	holders := make([]NodeDescriptor, 0, len(values))
	for _, value := range values {
		var desc NodeDescriptor
		if err := json.Unmarshal([]byte(value), &desc); err != nil {
			return nil, fmt.Errorf("peer: decode holder descriptor for %s: %w", chunkHash, err)
		}
		holders = append(holders, desc)
	}
	return holders, nil
}

// FindHolders resolves holders for a batch of chunk hashes concurrently.
// A failed or empty lookup maps to an empty slice rather than an error,
// since a caller downloading many chunks should not abort the whole
// batch over one unresolvable hash.
func (m *Manager) FindHolders(ctx context.Context, chunkHashes []string) map[string][]NodeDescriptor {
	results := make(map[string][]NodeDescriptor, len(chunkHashes))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, hash := range chunkHashes {
		wg.Add(1)
		go func(hash string) {
			defer wg.Done()
			holders, err := m.FindChunkHolder(ctx, hash)
			if err != nil && m.log != nil {
				m.log.Debugw("chunk holder lookup failed", "chunk_hash", hash, "error", err)
			}
			mu.Lock()
			results[hash] = holders
			mu.Unlock()
		}(hash)
	}
	wg.Wait()
	return results
}

// PublishFileManifest announces this node's manifest for a stored file.
func (m *Manager) PublishFileManifest(ctx context.Context, manifest *cas.Manifest) error {
	envelope := manifestEnvelope{Manifest: manifest, Publisher: m.self}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("peer: encode manifest envelope: %w", err)
	}
	return m.node.Set(ctx, fileManifestKeyPrefix+manifest.FileHash, string(data))
}

// ResolveFileManifest looks up the manifest published for fileHash, along
// with a holder to fetch its chunks from.
func (m *Manager) ResolveFileManifest(ctx context.Context, fileHash string) (*cas.Manifest, NodeDescriptor, error) {
	value, found, err := m.node.Get(ctx, fileManifestKeyPrefix+fileHash)
	if err != nil {
		return nil, NodeDescriptor{}, err
	}
	if !found {
		return nil, NodeDescriptor{}, fmt.Errorf("peer: no manifest published for %s", fileHash)
	}

	var envelope manifestEnvelope
	if err := json.Unmarshal([]byte(value), &envelope); err != nil {
		return nil, NodeDescriptor{}, fmt.Errorf("peer: decode manifest envelope for %s: %w", fileHash, err)
	}
	return envelope.Manifest, envelope.Publisher, nil
}

// StartRepublishLoop periodically re-publishes every manifest in store
// and a holder record for each of its data and parity chunks (skipped
// for a manifest whose own republish failed), since the DHT
// applies no TTL enforcement of its own (spec's advisory-only republish
// model). Callers that don't want background republishing simply never
// call this.
func (m *Manager) StartRepublishLoop(ctx context.Context, store *cas.Store, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	m.stopRepublish = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.republishAll(ctx, store)
			}
		}
	}()
}

// StopRepublishLoop stops a previously started republish loop.
func (m *Manager) StopRepublishLoop() {
	if m.stopRepublish != nil {
		m.stopRepublish()
	}
	m.wg.Wait()
}

func (m *Manager) republishAll(ctx context.Context, store *cas.Store) {
	for _, manifest := range store.ListManifests() {
		if err := m.PublishFileManifest(ctx, manifest); err != nil {
			if m.log != nil {
				m.log.Warnw("republish manifest failed", "file_hash", manifest.FileHash, "error", err)
			}
			continue
		}
		for _, ref := range manifest.DataChunks {
			if err := m.PublishChunkHolder(ctx, ref.Hash); err != nil && m.log != nil {
				m.log.Debugw("republish chunk holder failed", "chunk_hash", ref.Hash, "error", err)
			}
		}
		for _, ref := range manifest.ParityChunks {
			if err := m.PublishChunkHolder(ctx, ref.Hash); err != nil && m.log != nil {
				m.log.Debugw("republish parity holder failed", "chunk_hash", ref.Hash, "error", err)
			}
		}
	}
}
