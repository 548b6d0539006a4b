package dht

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Amuroboclub14/p2p-cas-research/pkg/nodeid"
)

func (n *Node) newRequest(rpc string, payload interface{}) (*Message, error) {
	id, err := newMsgID(n.id)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dht: encode %s payload: %w", rpc, err)
	}
	return &Message{
		MsgID:   id,
		Type:    TypeRequest,
		RPC:     rpc,
		Sender:  n.selfInfo(),
		Payload: raw,
	}, nil
}

// pingRPC sends PING to addr and reports whether a response arrived in
// time. A successful PONG's sender is fed back through observe, which is
// how a node learns a peer's true ID from an address alone (bootstrap's
// whole purpose) as well as how an initiator-only node populates its
// routing table at all, since only the request path was updating it
// before.
func (n *Node) pingRPC(ctx context.Context, addr string) bool {
	req, err := n.newRequest(RPCPing, PingPayload{})
	if err != nil {
		return false
	}
	resp, err := n.transport.Request(ctx, addr, req, n.rpcTimeout)
	if err != nil {
		return false
	}
	n.observe(resp.Sender)
	return true
}

// storeRPC sends STORE(key, value, mode) to addr.
func (n *Node) storeRPC(ctx context.Context, addr, key, value, mode string) error {
	req, err := n.newRequest(RPCStore, StorePayload{Key: key, Value: value, Mode: mode})
	if err != nil {
		return err
	}
	resp, err := n.transport.Request(ctx, addr, req, n.rpcTimeout)
	if err != nil {
		return err
	}
	n.observe(resp.Sender)
	return nil
}

// findNodeRPC sends FIND_NODE(target) to addr and returns the contacts
// the remote peer knows closest to target.
func (n *Node) findNodeRPC(ctx context.Context, addr string, target nodeid.ID) ([]FoundContact, error) {
	req, err := n.newRequest(RPCFindNode, FindNodePayload{Target: target.String()})
	if err != nil {
		return nil, err
	}
	resp, err := n.transport.Request(ctx, addr, req, n.rpcTimeout)
	if err != nil {
		return nil, err
	}
	n.observe(resp.Sender)
	var result FindNodeResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("dht: decode FIND_NODE response from %s: %w", addr, err)
	}
	return result.Contacts, nil
}

// findValueRPC sends FIND_VALUE(key) to addr.
func (n *Node) findValueRPC(ctx context.Context, addr, key string) (*FindValueResult, error) {
	req, err := n.newRequest(RPCFindValue, FindValuePayload{Key: key})
	if err != nil {
		return nil, err
	}
	resp, err := n.transport.Request(ctx, addr, req, n.rpcTimeout)
	if err != nil {
		return nil, err
	}
	n.observe(resp.Sender)
	var result FindValueResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("dht: decode FIND_VALUE response from %s: %w", addr, err)
	}
	return &result, nil
}

// handleRequest is the server-side RPC dispatcher, wired into the
// transport as its Handler. Every inbound request first refreshes the
// sender's routing-table entry, matching Kademlia's "every message is a
// chance to learn about a peer" rule.
func (n *Node) handleRequest(from SenderInfo, msg *Message) (json.RawMessage, error) {
	n.observe(from)

	switch msg.RPC {
	case RPCPing:
		return json.Marshal(struct{}{})

	case RPCStore:
		var p StorePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("dht: decode STORE payload: %w", err)
		}
		n.store.Put(p.Key, p.Value, p.Mode)
		return json.Marshal(struct{}{})

	case RPCFindNode:
		var p FindNodePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("dht: decode FIND_NODE payload: %w", err)
		}
		target, err := nodeid.FromHex(p.Target)
		if err != nil {
			return nil, fmt.Errorf("dht: invalid FIND_NODE target: %w", err)
		}
		contacts := n.routingTable.Closest(target, BucketSize)
		return json.Marshal(FindNodeResult{Contacts: toFoundContacts(contacts, from.NodeID)})

	case RPCFindValue:
		var p FindValuePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("dht: decode FIND_VALUE payload: %w", err)
		}
		if values, ok := n.store.Get(p.Key); ok && len(values) > 0 {
			return json.Marshal(FindValueResult{Found: true, Value: values[len(values)-1]})
		}
		target := resolveTarget(p.Key)
		contacts := n.routingTable.Closest(target, BucketSize)
		return json.Marshal(FindValueResult{Found: false, Contacts: toFoundContacts(contacts, from.NodeID)})

	default:
		return nil, fmt.Errorf("dht: unknown rpc %q", msg.RPC)
	}
}

func toFoundContacts(contacts []*Contact, excludeHex string) []FoundContact {
	out := make([]FoundContact, 0, len(contacts))
	for _, c := range contacts {
		if c.ID.String() == excludeHex {
			continue
		}
		ip, port := splitAddr(c.Addr)
		out = append(out, FoundContact{NodeID: c.ID.String(), IP: ip, Port: port})
	}
	return out
}
