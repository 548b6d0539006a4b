package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes an inbound REQUEST message and returns the payload
// to send back in the matching RESPONSE.
type Handler func(from SenderInfo, msg *Message) (json.RawMessage, error)

// Transport is the UDP socket a node's DHT speaks over: it frames
// messages as JSON, correlates RESPONSEs to pending REQUESTs by MsgID,
// and dispatches inbound REQUESTs to a Handler.
type Transport struct {
	conn *net.UDPConn
	log  *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]chan *Message

	selfInfo func() SenderInfo
	handler  Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport binds a UDP socket at addr ("ip:port"). selfInfo is called
// to stamp this node's own identity onto every outgoing RESPONSE, so the
// requester's observe() on the response path learns who actually answered
// (as opposed to merely echoing the request's own sender back at it).
func NewTransport(addr string, selfInfo func() SenderInfo, handler Handler, log *zap.SugaredLogger) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dht: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dht: listen %s: %w", addr, err)
	}

	return &Transport{
		conn:     conn,
		log:      log,
		pending:  make(map[string]chan *Message),
		selfInfo: selfInfo,
		handler:  handler,
	}, nil
}

// LocalAddr returns the address the socket is bound to.
func (t *Transport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Start launches the receive loop. It returns once the loop goroutine has
// been spawned; call Close to stop it.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.receiveLoop(ctx)
}

// Close stops the receive loop and closes the socket.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) receiveLoop(ctx context.Context) {
	defer t.wg.Done()

	buf := make([]byte, MaxMessageSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			if t.log != nil {
				t.log.Warnw("udp read error", "error", err)
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			if t.log != nil {
				t.log.Debugw("dropping malformed message", "from", raddr.String(), "error", err)
			}
			continue
		}

		t.dispatch(raddr, &msg)
	}
}

func (t *Transport) dispatch(raddr *net.UDPAddr, msg *Message) {
	switch msg.Type {
	case TypeResponse:
		t.mu.Lock()
		ch, ok := t.pending[msg.MsgID]
		if ok {
			delete(t.pending, msg.MsgID)
		}
		t.mu.Unlock()
		if ok {
			ch <- msg
		}
	case TypeRequest:
		if t.handler == nil {
			return
		}
		result, err := t.handler(msg.Sender, msg)
		if err != nil {
			if t.log != nil {
				t.log.Debugw("handler error", "rpc", msg.RPC, "error", err)
			}
			return
		}
		resp := &Message{
			MsgID:   msg.MsgID,
			Type:    TypeResponse,
			RPC:     msg.RPC,
			Sender:  t.selfInfo(),
			Payload: result,
		}
		t.send(raddr, resp)
	}
}

func (t *Transport) send(addr *net.UDPAddr, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		if t.log != nil {
			t.log.Warnw("failed to encode message", "error", err)
		}
		return
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		if t.log != nil {
			t.log.Warnw("failed to send message", "addr", addr.String(), "error", err)
		}
	}
}

// Request sends msg to addr and blocks until the matching RESPONSE
// arrives or timeout elapses.
func (t *Transport) Request(ctx context.Context, addr string, msg *Message, timeout time.Duration) (*Message, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dht: resolve %s: %w", addr, err)
	}

	ch := make(chan *Message, 1)
	t.mu.Lock()
	t.pending[msg.MsgID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.MsgID)
		t.mu.Unlock()
	}()

	t.send(udpAddr, msg)

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("dht: request %s to %s timed out after %s", msg.RPC, addr, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
