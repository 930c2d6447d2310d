package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	invokeTimeout  = 60 * time.Second
	maxFrameBytes  = 4 << 20
)

// Client is one connected gateway peer: an operator UI/CLI or a node host.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	writeMu sync.Mutex
	seq     atomic.Uint64

	// Populated by the connect handshake.
	mu          sync.Mutex
	connected   bool
	deviceID    string
	role        string // "operator" | "node"
	nodeID      string
	displayName string
	commands    []string
	caps        map[string]bool

	// Server-initiated invokes awaiting node responses.
	pendingInvokes sync.Map // frame id → chan *protocol.ResponseFrame
}

// NewClient wraps an accepted websocket connection.
func NewClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  srv,
		caps: map[string]bool{},
	}
}

// Run reads frames until the connection dies.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	// Responses to server-initiated invokes route back to the waiter.
	var probe struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.writeResponse(protocol.NewErrorResponse("", protocol.NewError(protocol.ErrInvalidRequest, "malformed frame")))
		return
	}

	if probe.Type == "res" {
		if ch, ok := c.pendingInvokes.Load(probe.ID); ok {
			var res protocol.ResponseFrame
			if err := json.Unmarshal(data, &res); err == nil {
				ch.(chan *protocol.ResponseFrame) <- &res
			}
		}
		return
	}

	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
		c.writeResponse(protocol.NewErrorResponse(probe.ID, protocol.NewError(protocol.ErrInvalidRequest, "malformed request frame")))
		return
	}

	payload, errShape := c.srv.router.Dispatch(ctx, c, &req)
	if errShape != nil {
		c.writeResponse(protocol.NewErrorResponse(req.ID, errShape))
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.writeResponse(protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.ErrInternal, err.Error())))
		return
	}
	c.writeResponse(protocol.NewResponse(req.ID, raw))
}

// Invoke sends a server-initiated request to this peer (a node host) and
// waits for its response.
func (c *Client) Invoke(ctx context.Context, method string, params interface{}) (json.RawMessage, *protocol.ErrorShape) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	id := uuid.NewString()
	ch := make(chan *protocol.ResponseFrame, 1)
	c.pendingInvokes.Store(id, ch)
	defer c.pendingInvokes.Delete(id)

	if err := c.writeJSON(protocol.NewRequest(id, method, raw)); err != nil {
		return nil, protocol.NewError(protocol.ErrUnavailable, "node write failed: "+err.Error())
	}

	select {
	case <-ctx.Done():
		return nil, protocol.NewError(protocol.ErrTimeout, "node invoke cancelled")
	case <-time.After(invokeTimeout):
		return nil, protocol.NewError(protocol.ErrTimeout, "node invoke timed out")
	case res := <-ch:
		if !res.OK {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, protocol.NewError(protocol.ErrInternal, "node returned failure without error")
		}
		return res.Payload, nil
	}
}

// SendEvent pushes an event frame with the connection's next sequence
// number. Seq is strictly monotone per connection.
func (c *Client) SendEvent(name string, payload interface{}) {
	ev := protocol.NewEvent(name, payload)
	ev.Seq = c.seq.Add(1)
	if err := c.writeJSON(ev); err != nil {
		slog.Debug("event write failed", "client", c.id, "event", name, "error", err)
	}
}

func (c *Client) writeResponse(res *protocol.ResponseFrame) {
	if err := c.writeJSON(res); err != nil {
		slog.Debug("response write failed", "client", c.id, "error", err)
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Close tears the connection down.
func (c *Client) Close() {
	c.conn.Close()
}

// HasCap reports a granted capability.
func (c *Client) HasCap(cap string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps[cap]
}

// approvalCaller converts the connection identity for the approvals ledger.
func (c *Client) approvalCaller() approvalCaller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return approvalCaller{connID: c.id, deviceID: c.deviceID, hasApprovals: c.caps[protocol.CapOperatorApprovals]}
}

type approvalCaller struct {
	connID       string
	deviceID     string
	hasApprovals bool
}

// connectParams is the connect handshake payload.
type connectParams struct {
	DeviceID     string   `json:"deviceId,omitempty"`
	Role         string   `json:"role,omitempty"` // "operator" (default) | "node"
	NodeID       string   `json:"nodeId,omitempty"`
	DisplayName  string   `json:"displayName,omitempty"`
	Commands     []string `json:"commands,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// handleConnect is the hello: it fixes the peer's identity and grants
// capabilities. Node peers get exactly the node capability.
func (c *Client) handleConnect(params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p connectParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewError(protocol.ErrInvalidRequest, "bad connect params: "+err.Error())
		}
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "already connected")
	}
	c.connected = true
	c.deviceID = p.DeviceID
	c.displayName = p.DisplayName

	switch p.Role {
	case "node":
		c.role = "node"
		c.nodeID = p.NodeID
		if c.nodeID == "" {
			c.nodeID = c.id
		}
		c.commands = p.Commands
		c.caps = map[string]bool{protocol.CapNode: true}
	default:
		c.role = "operator"
		c.caps = map[string]bool{protocol.CapOperatorRead: true}
		for _, cap := range p.Capabilities {
			switch cap {
			case protocol.CapOperatorWrite, protocol.CapOperatorApprovals, protocol.CapOperatorConfig:
				c.caps[cap] = true
			}
		}
	}
	role, nodeID := c.role, c.nodeID
	caps := make([]string, 0, len(c.caps))
	for cap := range c.caps {
		caps = append(caps, cap)
	}
	c.mu.Unlock()

	if role == "node" {
		c.srv.registerNode(c)
		c.srv.Broadcast(protocol.EventNodeConnected, map[string]interface{}{"nodeId": nodeID})
	}
	return map[string]interface{}{
		"protocol":     protocol.ProtocolVersion,
		"connId":       c.id,
		"role":         role,
		"capabilities": caps,
	}, nil
}

func (c *Client) describeNode() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]interface{}{
		"nodeId":    c.nodeID,
		"connected": true,
		"commands":  append([]string(nil), c.commands...),
	}
	if c.displayName != "" {
		out["displayName"] = c.displayName
	}
	return out
}

func (c *Client) String() string {
	return fmt.Sprintf("client(%s role=%s)", c.id, c.role)
}
