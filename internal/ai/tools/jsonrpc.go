package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rcourtman/netdiag/internal/config"
)

// Providers on the jsonrpc transport answer MCP methods over plain HTTP
// POST, one JSON-RPC message per request, with no session stream.

const protocolVersion = "2025-06-18"

const maxRPCResponseBytes = 8 << 20

type jsonrpcConnection struct {
	url    string
	client *http.Client
	nextID atomic.Int64
}

func dialJSONRPC(ctx context.Context, info *mcp.Implementation, cfg config.ProviderConfig) (Connection, error) {
	conn := &jsonrpcConnection{url: cfg.URL, client: &http.Client{}}
	params := &mcp.InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    &mcp.ClientCapabilities{},
		ClientInfo:      info,
	}
	var res mcp.InitializeResult
	if err := conn.call(ctx, "initialize", params, &res); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", cfg.Name, err)
	}
	if err := conn.notify(ctx, "notifications/initialized", &mcp.InitializedParams{}); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", cfg.Name, err)
	}
	return conn, nil
}

func (c *jsonrpcConnection) call(ctx context.Context, method string, params, result any) error {
	id, err := jsonrpc.MakeID(float64(c.nextID.Add(1)))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	status, data, err := c.post(ctx, &jsonrpc.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", method, status, strings.TrimSpace(string(data)))
	}

	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return fmt.Errorf("%s: provider sent a request instead of a response", method)
	}
	if resp.ID != id {
		return fmt.Errorf("%s: response id %v does not match request id %v", method, resp.ID.Raw(), id.Raw())
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

// notify sends a message without an ID. Providers may acknowledge it with
// 200, 202 or 204 and any body is ignored.
func (c *jsonrpcConnection) notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	status, data, err := c.post(ctx, &jsonrpc.Request{Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("%s: HTTP %d: %s", method, status, strings.TrimSpace(string(data)))
	}
}

func (c *jsonrpcConnection) post(ctx context.Context, msg jsonrpc.Message) (int, []byte, error) {
	body, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *jsonrpcConnection) ListTools(ctx context.Context) ([]RemoteTool, error) {
	var out []RemoteTool
	params := &mcp.ListToolsParams{}
	for {
		var res mcp.ListToolsResult
		if err := c.call(ctx, "tools/list", params, &res); err != nil {
			return nil, err
		}
		var err error
		if out, err = appendRemoteTools(out, &res); err != nil {
			return nil, err
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (c *jsonrpcConnection) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res mcp.CallToolResult
	err := c.call(ctx, "tools/call", &mcp.CallToolParams{Name: name, Arguments: args}, &res)

	// A protocol error on tools/call (unknown tool, bad params) is still an
	// answer from the provider, so it goes back to the model as a failed call.
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return &CallResult{Text: rpcErr.Message, IsError: true, Code: strconv.FormatInt(rpcErr.Code, 10)}, nil
	}
	if err != nil {
		return nil, err
	}
	return callResultFrom(&res), nil
}

// Close releases idle HTTP connections; there is no session to end.
func (c *jsonrpcConnection) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
