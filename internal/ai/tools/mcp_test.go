package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/netdiag/internal/config"
)

type echoInput struct {
	Host string `json:"host" jsonschema:"host to resolve"`
}

type echoOutput struct {
	Host      string   `json:"host"`
	Addresses []string `json:"addresses"`
}

func newEchoServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "test-dns", Version: "0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "lookup", Description: "Resolve a host"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, echoOutput, error) {
			if in.Host == "nxdomain.example" {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: "no such host"}},
				}, echoOutput{}, nil
			}
			return nil, echoOutput{Host: in.Host, Addresses: []string{"93.184.216.34"}}, nil
		})
	return server
}

// inMemoryDialer connects each provider to a fresh in-process MCP server.
func inMemoryDialer(t *testing.T, server *mcp.Server) Dialer {
	return DialFunc(func(ctx context.Context, cfg config.ProviderConfig) (Connection, error) {
		serverTransport, clientTransport := mcp.NewInMemoryTransports()
		ss, err := server.Connect(ctx, serverTransport, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })

		client := mcp.NewClient(&mcp.Implementation{Name: "netdiag-test", Version: "0"}, nil)
		cs, err := client.Connect(ctx, clientTransport, nil)
		if err != nil {
			return nil, fmt.Errorf("client connect: %w", err)
		}
		return NewSessionConnection(cs), nil
	})
}

func TestRegistryOverMCPSession(t *testing.T) {
	ctx := context.Background()
	reg := ConnectAll(ctx, []config.ProviderConfig{stdio("dns")}, Options{Dialer: inMemoryDialer(t, newEchoServer())})
	defer reg.CloseAll()

	d, ok := reg.Lookup("dns_lookup")
	require.True(t, ok, "capabilities: %v", reg.Descriptors())
	assert.Equal(t, "Resolve a host", d.Description)
	assert.Contains(t, d.InputSchema()["properties"], "host")

	res, err := reg.Invoke(ctx, "dns_lookup", map[string]any{"host": "example.com"})
	require.NoError(t, err)
	assert.Contains(t, res.Content(), "93.184.216.34")
	assert.JSONEq(t, `{"host":"example.com","addresses":["93.184.216.34"]}`, string(res.Structured))

	_, err = reg.Invoke(ctx, "dns_lookup", map[string]any{"host": "nxdomain.example"})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindProvider, te.Kind)
	assert.Contains(t, te.Message, "no such host")

	_, err = reg.Invoke(ctx, "dns_lookup", map[string]any{"hostname": "example.com"})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindValidation, te.Kind)
}
