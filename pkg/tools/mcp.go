package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"
)

// SendPayload delivers a JSON-RPC payload to the client inside an mcp
// control message.
type SendPayload func(ctx context.Context, payload json.RawMessage) error

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// MCP speaks JSON-RPC 2.0 with the client's tool host over the session
// socket. Remote tools discovered at initialization are registered into
// the dispatcher and invoked via tools/call.
type MCP struct {
	disp *Dispatcher
	send SendPayload

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	tools   []string
}

// NewMCP returns an MCP client that relays payloads through send.
func NewMCP(disp *Dispatcher, send SendPayload) *MCP {
	return &MCP{
		disp:    disp,
		send:    send,
		pending: make(map[int64]chan *rpcResponse),
	}
}

// HandlePayload routes an inbound mcp payload. Responses complete their
// pending call; anything else is logged and dropped.
func (c *MCP) HandlePayload(payload json.RawMessage) {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.ID == 0 {
		slog.Warn("mcp: unroutable payload", "payload", string(payload), "err", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		slog.Warn("mcp: response for unknown id", "id", resp.ID)
		return
	}
	ch <- &resp
}

// call performs one JSON-RPC round trip.
func (c *MCP) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(&rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, payload); err != nil {
		return nil, fmt.Errorf("mcp: send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("mcp: %s: %w", method, ctx.Err())
	}
}

// remoteTool mirrors one entry of a tools/list result.
type remoteTool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// Initialize performs the MCP handshake and registers the remote tools
// with the dispatcher.
func (c *MCP) Initialize(ctx context.Context) error {
	if _, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
	}); err != nil {
		return err
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var list struct {
		Tools []remoteTool `json:"tools"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return fmt.Errorf("mcp: tools/list result: %w", err)
	}

	for _, rt := range list.Tools {
		name := rt.Name
		t := &Tool{
			Name:        name,
			Description: rt.Description,
			Schema:      rt.InputSchema,
			Invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
				return c.CallTool(ctx, name, args)
			},
		}
		if err := c.disp.Register(t); err != nil {
			return err
		}
		c.mu.Lock()
		c.tools = append(c.tools, name)
		c.mu.Unlock()
	}
	slog.Info("mcp: initialized", "tools", len(list.Tools))
	return nil
}

// CallTool invokes one remote tool and returns its content.
func (c *MCP) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		var a any
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		params["arguments"] = a
	}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		// Not the standard shape; hand the raw result back.
		return json.RawMessage(result), nil
	}
	var texts []string
	for _, part := range out.Content {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	joined := ""
	for i, t := range texts {
		if i > 0 {
			joined += "\n"
		}
		joined += t
	}
	if out.IsError {
		return nil, fmt.Errorf("mcp: tool %s: %s", name, joined)
	}
	return joined, nil
}

// Close fails all pending calls and unregisters the remote tools.
func (c *MCP) Close() {
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &rpcResponse{ID: id, Error: &rpcError{Code: -32000, Message: "session closed"}}
	}
	tools := c.tools
	c.tools = nil
	c.mu.Unlock()
	for _, name := range tools {
		c.disp.Remove(name)
	}
}
