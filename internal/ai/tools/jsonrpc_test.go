package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/netdiag/internal/config"
)

type gatewayProvider struct {
	mu       sync.Mutex
	methods  []string
	pageSize int
}

func (p *gatewayProvider) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.methods...)
}

func (p *gatewayProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		http.Error(w, "expected a request", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.methods = append(p.methods, req.Method)
	p.mu.Unlock()

	if !req.IsCall() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var (
		result any
		rpcErr *jsonrpc.Error
	)
	switch req.Method {
	case "initialize":
		result = &mcp.InitializeResult{ProtocolVersion: protocolVersion, ServerInfo: &mcp.Implementation{Name: "gw", Version: "1"}}
	case "tools/list":
		var params mcp.ListToolsParams
		_ = json.Unmarshal(req.Params, &params)
		all := []*mcp.Tool{
			{Name: "gateway_info", Description: "Default gateway", InputSchema: map[string]any{"type": "object"}},
			{Name: "arp_table", Description: "Neighbour cache", InputSchema: map[string]any{"type": "object"}},
		}
		if params.Cursor == "" && p.pageSize > 0 {
			result = &mcp.ListToolsResult{Tools: all[:p.pageSize], NextCursor: "page2"}
		} else if params.Cursor == "page2" {
			result = &mcp.ListToolsResult{Tools: all[p.pageSize:]}
		} else {
			result = &mcp.ListToolsResult{Tools: all}
		}
	case "tools/call":
		var params mcp.CallToolParamsRaw
		_ = json.Unmarshal(req.Params, &params)
		switch params.Name {
		case "gateway_info":
			result = &mcp.CallToolResult{
				Content:           []mcp.Content{&mcp.TextContent{Text: "gateway 192.168.1.1"}},
				StructuredContent: map[string]any{"gateway": "192.168.1.1"},
			}
		case "arp_table":
			result = &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "arp: permission denied"}}, IsError: true}
		default:
			rpcErr = &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "unknown tool " + params.Name}
		}
	default:
		rpcErr = &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found"}
	}

	resp := &jsonrpc.Response{ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Result = raw
	}
	out, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func dialGateway(t *testing.T, provider *gatewayProvider) Connection {
	t.Helper()
	server := httptest.NewServer(provider)
	t.Cleanup(server.Close)

	cfg := config.ProviderConfig{Name: "gw", Transport: config.TransportJSONRPC, URL: server.URL}
	conn, err := TransportDialer{}.Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestJSONRPCTransport(t *testing.T) {
	provider := &gatewayProvider{}
	conn := dialGateway(t, provider)

	tools, err := conn.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "gateway_info", tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(tools[0].InputSchema))

	res, err := conn.CallTool(context.Background(), "gateway_info", nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "gateway 192.168.1.1", res.Text)
	assert.JSONEq(t, `{"gateway":"192.168.1.1"}`, string(res.Structured))

	res, err = conn.CallTool(context.Background(), "arp_table", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "arp: permission denied", res.Text)

	res, err = conn.CallTool(context.Background(), "missing", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "-32602", res.Code)
	assert.Equal(t, "unknown tool missing", res.Text)
}

func TestJSONRPCHandshakeSendsInitializedNotification(t *testing.T) {
	provider := &gatewayProvider{}
	dialGateway(t, provider)

	assert.Equal(t, []string{"initialize", "notifications/initialized"}, provider.seen())
}

func TestJSONRPCListToolsFollowsCursor(t *testing.T) {
	provider := &gatewayProvider{pageSize: 1}
	conn := dialGateway(t, provider)

	tools, err := conn.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "gateway_info", tools[0].Name)
	assert.Equal(t, "arp_table", tools[1].Name)
	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list", "tools/list"}, provider.seen())
}

func TestJSONRPCDialFailsOnHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway offline", http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := config.ProviderConfig{Name: "gw", Transport: config.TransportJSONRPC, URL: server.URL}
	_, err := TransportDialer{}.Dial(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestTransportDialerRejectsUnknownTransport(t *testing.T) {
	_, err := TransportDialer{}.Dial(context.Background(), config.ProviderConfig{Name: "x", Transport: "carrier-pigeon"})
	assert.Error(t, err)
}
