package dht

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
	"lukechampine.com/blake3"
)

// MaxMessageSize is the largest encoded message this implementation will
// send or accept over UDP.
const MaxMessageSize = 65535

// RPC names carried in Message.RPC.
const (
	RPCPing      = "PING"
	RPCStore     = "STORE"
	RPCFindNode  = "FIND_NODE"
	RPCFindValue = "FIND_VALUE"
)

// Message types: a request expects a matching response correlated by
// MsgID; a response carries the result payload back to the requester.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
)

// Message is the JSON envelope exchanged between DHT nodes over UDP.
type Message struct {
	MsgID   string          `json:"msg_id"`
	Type    string          `json:"type"`
	RPC     string          `json:"rpc"`
	Sender  SenderInfo      `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SenderInfo identifies the node that sent a message, so the recipient
// can add it to its routing table.
type SenderInfo struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
}

// Addr returns the "ip:port" dial address for this sender.
func (s SenderInfo) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// PingPayload carries no fields; PING only exercises liveness.
type PingPayload struct{}

// Store modes carried in StorePayload.Mode, telling the receiving
// node's localStore how to combine a STORE with whatever it already
// holds for that key. ModeUnion is for chunk-holder keys, where
// multiple publishers must all remain retrievable; an empty or
// unrecognized mode is treated as ModeOverwrite, matching ordinary
// last-write-wins key/value semantics.
const (
	ModeOverwrite = "overwrite"
	ModeUnion     = "union"
)

// StorePayload is the body of a STORE request: a key, its value, and
// the accumulation mode to store it under.
type StorePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Mode  string `json:"mode,omitempty"`
}

// FindNodePayload is the body of a FIND_NODE request.
type FindNodePayload struct {
	Target string `json:"target"`
}

// FindValuePayload is the body of a FIND_VALUE request.
type FindValuePayload struct {
	Key string `json:"key"`
}

// FoundContact is a single contact entry returned by FIND_NODE, or by
// FIND_VALUE when the key was not found locally.
type FoundContact struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
}

// Addr returns the "ip:port" dial address for this contact.
func (c FoundContact) Addr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// FindNodeResult is the payload of a FIND_NODE response.
type FindNodeResult struct {
	Contacts []FoundContact `json:"contacts"`
}

// FindValueResult is the payload of a FIND_VALUE response: either Value
// is set (the key was found locally) or Contacts is (it was not, and the
// caller should continue the lookup against the returned contacts).
type FindValueResult struct {
	Value    string         `json:"value,omitempty"`
	Found    bool           `json:"found"`
	Contacts []FoundContact `json:"contacts,omitempty"`
}

var msgCounter uint64

// shortID derives an 8-character non-cryptographic fingerprint of a
// NodeID for use in human-readable correlation IDs. BLAKE3 is used here
// purely as a fast fingerprint; it has no bearing on the NodeID/chunk-hash
// invariants, which stay SHA-1/SHA-256 per the wire format.
func shortID(id nodeid.ID) string {
	sum := blake3.Sum256(id[:])
	return hex.EncodeToString(sum[:4])
}

// newMsgID builds a correlation ID for an outgoing request: the sending
// node's short fingerprint, a monotonic local counter, and four bytes of
// randomness, joined with hyphens so collisions across restarts are
// vanishingly unlikely without requiring any persisted state.
func newMsgID(local nodeid.ID) (string, error) {
	n := atomic.AddUint64(&msgCounter, 1)

	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("dht: generate msg_id randomness: %w", err)
	}

	return fmt.Sprintf("%s-%d-%s", shortID(local), n, hex.EncodeToString(buf)), nil
}
