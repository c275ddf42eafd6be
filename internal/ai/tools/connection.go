package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rcourtman/netdiag/internal/config"
)

// RemoteTool is one operation as listed by a provider.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CallResult is a provider's answer to a tool call.
type CallResult struct {
	Text       string          // concatenated text content
	Structured json.RawMessage // structured content, if the provider sent any
	IsError    bool
	Code       string
}

// Connection is an open session with one tool provider. Implementations
// must honour ctx cancellation on every call.
type Connection interface {
	ListTools(ctx context.Context) ([]RemoteTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	Close() error
}

// Dialer opens a Connection to a configured provider.
type Dialer interface {
	Dial(ctx context.Context, cfg config.ProviderConfig) (Connection, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, cfg config.ProviderConfig) (Connection, error)

func (f DialFunc) Dial(ctx context.Context, cfg config.ProviderConfig) (Connection, error) {
	return f(ctx, cfg)
}

// TransportDialer dials providers by their configured transport.
type TransportDialer struct {
	ClientName    string
	ClientVersion string
}

// Dial implements Dialer.
func (d TransportDialer) Dial(ctx context.Context, cfg config.ProviderConfig) (Connection, error) {
	switch cfg.Transport {
	case config.TransportStdio, config.TransportStreamable, config.TransportSSE:
		return dialMCP(ctx, d.clientInfo(), cfg)
	case config.TransportJSONRPC:
		return dialJSONRPC(ctx, d.clientInfo(), cfg)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func (d TransportDialer) clientInfo() *mcp.Implementation {
	info := &mcp.Implementation{Name: d.ClientName, Version: d.ClientVersion}
	if info.Name == "" {
		info.Name = "netdiag"
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}
