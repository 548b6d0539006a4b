package dht

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
	"go.uber.org/zap"
)

// Alpha is the default concurrency parameter for iterative lookups.
const Alpha = 3

// Node is a single DHT participant: its identity, routing table, local
// value store, and the UDP transport it speaks PING/STORE/FIND_NODE/
// FIND_VALUE over.
type Node struct {
	id   nodeid.ID
	ip   string
	port uint16

	routingTable *RoutingTable
	store        *localStore
	transport    *Transport

	alpha      int
	rpcTimeout time.Duration
	log        *zap.SugaredLogger

	mu sync.Mutex
}

// Config configures a new Node.
type Config struct {
	ID         nodeid.ID
	BindAddr   string // "ip:port" to bind the UDP socket on
	PublicIP   string // IP advertised to peers (may differ from BindAddr's)
	PublicPort uint16
	Alpha      int
	RPCTimeout time.Duration
	Logger     *zap.SugaredLogger
}

// New creates and binds a Node. Call Start to begin serving requests.
func New(cfg Config) (*Node, error) {
	alpha := cfg.Alpha
	if alpha <= 0 {
		alpha = Alpha
	}
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	n := &Node{
		id:           cfg.ID,
		ip:           cfg.PublicIP,
		port:         cfg.PublicPort,
		routingTable: NewRoutingTable(cfg.ID),
		store:        newLocalStore(),
		alpha:        alpha,
		rpcTimeout:   timeout,
		log:          cfg.Logger,
	}

	transport, err := NewTransport(cfg.BindAddr, n.selfInfo, n.handleRequest, cfg.Logger)
	if err != nil {
		return nil, err
	}
	n.transport = transport
	return n, nil
}

// Start begins the transport's receive loop.
func (n *Node) Start(ctx context.Context) {
	n.transport.Start(ctx)
}

// Close shuts down the transport.
func (n *Node) Close() error {
	return n.transport.Close()
}

// ID returns the node's own identifier.
func (n *Node) ID() nodeid.ID {
	return n.id
}

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() string {
	return n.transport.LocalAddr()
}

// RoutingTableSize returns the number of contacts currently known.
func (n *Node) RoutingTableSize() int {
	return n.routingTable.Size()
}

func (n *Node) selfInfo() SenderInfo {
	return SenderInfo{NodeID: n.id.String(), IP: n.ip, Port: n.port}
}

// observe refreshes from's routing-table entry, pinging the bucket's
// oldest contact when the bucket is full so a genuinely dead entry gets
// evicted in favor of the node we just heard from.
func (n *Node) observe(from SenderInfo) {
	if from.NodeID == "" {
		return
	}
	id, err := nodeid.FromHex(from.NodeID)
	if err != nil || id == n.id {
		return
	}

	contact := &Contact{ID: id, Addr: from.Addr(), LastSeen: time.Now()}
	inserted, pingCandidate := n.routingTable.Insert(contact)
	if inserted || pingCandidate == nil {
		return
	}

	go func(candidate *Contact, fresh *Contact) {
		ctx, cancel := context.WithTimeout(context.Background(), n.rpcTimeout)
		defer cancel()
		if !n.pingRPC(ctx, candidate.Addr) {
			n.routingTable.Remove(candidate.ID)
			n.routingTable.Insert(fresh)
		}
	}(pingCandidate, contact)
}

// resolveTarget implements the FIND_VALUE key-interpretation rule: a
// 40-character hex string is treated directly as a 160-bit target ID;
// any other key is hashed with SHA-1 to obtain one.
func resolveTarget(key string) nodeid.ID {
	if id, err := nodeid.FromHex(key); err == nil {
		return id
	}
	return nodeid.HashKey(key)
}

func splitAddr(addr string) (ip string, port uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	p, _ := strconv.Atoi(portStr)
	return host, uint16(p)
}

// Bootstrap sends PING to every seed's address; the routing table learns
// each responding node's real ID from its PONG (observe, called inside
// pingRPC, does the insertion), not from any ID the caller may have
// supplied. Once at least one seed has responded, an iterative FIND_NODE
// on the local ID populates nearby buckets. Returns true iff at least one
// seed responded, matching the bootstrap contract exactly.
func (n *Node) Bootstrap(ctx context.Context, seeds []Contact) bool {
	responded := false
	for _, s := range seeds {
		if n.pingRPC(ctx, s.Addr) {
			responded = true
		}
	}
	if !responded {
		return false
	}

	if _, err := n.iterativeFindNode(ctx, n.id); err != nil && n.log != nil {
		n.log.Debugw("post-bootstrap FIND_NODE failed", "error", err)
	}
	return true
}

// Set publishes value under key with last-write-wins semantics: it
// stores locally (replacing anything previously stored under key) and
// finds the K nodes closest to key's target ID and sends each a STORE.
// This is the right call for generic keys and file manifests, where a
// republish with updated contents must actually supersede the old one.
func (n *Node) Set(ctx context.Context, key, value string) error {
	return n.publish(ctx, key, value, ModeOverwrite)
}

// Append publishes value under key with set-union semantics: repeated
// calls from different publishers all remain retrievable, bounded to
// MaxHoldersPerKey entries. This is for chunk-holder keys, where a key
// legitimately has many simultaneous holders, not one.
func (n *Node) Append(ctx context.Context, key, value string) error {
	return n.publish(ctx, key, value, ModeUnion)
}

func (n *Node) publish(ctx context.Context, key, value, mode string) error {
	target := resolveTarget(key)
	n.store.Put(key, value, mode)

	contacts, err := n.iterativeFindNode(ctx, target)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, c := range contacts {
		wg.Add(1)
		go func(c *Contact) {
			defer wg.Done()
			if err := n.storeRPC(ctx, c.Addr, key, value, mode); err != nil && n.log != nil {
				n.log.Debugw("STORE failed", "peer", c.Addr, "error", err)
			}
		}(c)
	}
	wg.Wait()
	return nil
}

// Get resolves key: a local hit is returned immediately, otherwise an
// iterative FIND_VALUE lookup is run against the network. For a
// ModeUnion key with several accumulated holders, this returns only the
// most recently stored one; use GetAll to retrieve the full set.
func (n *Node) Get(ctx context.Context, key string) (string, bool, error) {
	if values, ok := n.store.Get(key); ok && len(values) > 0 {
		return values[len(values)-1], true, nil
	}

	target := resolveTarget(key)
	value, found, err := n.iterativeFindValue(ctx, target, key)
	if err != nil {
		return "", false, err
	}
	if found {
		n.store.Put(key, value, ModeOverwrite)
	}
	return value, found, nil
}

// GetAll returns every locally-accumulated value stored under key (the
// full holder set built up by repeated STOREs), falling back to a single
// network FIND_VALUE hit when nothing is cached locally yet. This is how
// a set-union STORE policy surfaces a multi-holder result despite the
// wire FIND_VALUE response carrying only one value per reply.
func (n *Node) GetAll(ctx context.Context, key string) ([]string, error) {
	if values, ok := n.store.Get(key); ok && len(values) > 0 {
		return values, nil
	}

	value, found, err := n.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return []string{value}, nil
}
