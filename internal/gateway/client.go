package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// RemoteClient is the operator/node side of the gateway protocol, used by
// the CLI client command and by node hosts.
type RemoteClient struct {
	conn *websocket.Conn

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan *protocol.ResponseFrame

	events chan *protocol.EventFrame
	done   chan struct{}

	// lastSeq detects event gaps after reconnects.
	lastSeq atomic.Uint64

	// OnRequest serves server-initiated requests (node hosts). Nil peers
	// reject them.
	OnRequest func(method string, params json.RawMessage) (interface{}, *protocol.ErrorShape)
}

// DialOptions configures Dial.
type DialOptions struct {
	Token        string
	DeviceID     string
	Role         string
	NodeID       string
	Commands     []string
	Capabilities []string
}

// Dial connects, completes the connect handshake, and starts the read
// loop.
func Dial(ctx context.Context, url string, opts DialOptions) (*RemoteClient, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &RemoteClient{
		conn:    conn,
		pending: make(map[string]chan *protocol.ResponseFrame),
		events:  make(chan *protocol.EventFrame, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	_, err = c.Call(ctx, protocol.MethodConnect, connectParams{
		DeviceID:     opts.DeviceID,
		Role:         opts.Role,
		NodeID:       opts.NodeID,
		Commands:     opts.Commands,
		Capabilities: opts.Capabilities,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect handshake: %w", err)
	}
	return c, nil
}

func (c *RemoteClient) readLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			close(c.events)
			return
		}

		var probe struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if json.Unmarshal(data, &probe) != nil {
			continue
		}

		switch probe.Type {
		case "res":
			var res protocol.ResponseFrame
			if json.Unmarshal(data, &res) != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[res.ID]
			delete(c.pending, res.ID)
			c.mu.Unlock()
			if ok {
				ch <- &res
			}

		case "event":
			var ev protocol.EventFrame
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			c.lastSeq.Store(ev.Seq)
			select {
			case c.events <- &ev:
			default: // slow consumer drops events; seq exposes the gap
			}

		case "req":
			var req protocol.RequestFrame
			if json.Unmarshal(data, &req) != nil {
				continue
			}
			go c.serveRequest(ctx, &req)
		}
	}
}

func (c *RemoteClient) serveRequest(ctx context.Context, req *protocol.RequestFrame) {
	var res *protocol.ResponseFrame
	if c.OnRequest == nil {
		res = protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.ErrMethodNotFound, "peer serves no requests"))
	} else {
		payload, errShape := c.OnRequest(req.Method, req.Params)
		if errShape != nil {
			res = protocol.NewErrorResponse(req.ID, errShape)
		} else {
			raw, err := json.Marshal(payload)
			if err != nil {
				res = protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.ErrInternal, err.Error()))
			} else {
				res = protocol.NewResponse(req.ID, raw)
			}
		}
	}
	data, _ := json.Marshal(res)
	c.conn.Write(ctx, websocket.MessageText, data)
}

// Call performs one RPC round trip.
func (c *RemoteClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("c-%d", c.nextID.Add(1))
	ch := make(chan *protocol.ResponseFrame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(protocol.NewRequest(id, method, raw))
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	case res := <-ch:
		if !res.OK {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return res.Payload, nil
	}
}

// Events exposes the push stream. Closed when the connection dies.
func (c *RemoteClient) Events() <-chan *protocol.EventFrame { return c.events }

// LastSeq returns the last observed event sequence number.
func (c *RemoteClient) LastSeq() uint64 { return c.lastSeq.Load() }

// Close tears the connection down.
func (c *RemoteClient) Close() {
	c.conn.Close(websocket.StatusNormalClosure, "bye")
}
