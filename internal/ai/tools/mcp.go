package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/netdiag/internal/config"
)

// sdkConnection adapts an MCP client session to Connection.
type sdkConnection struct {
	session *mcp.ClientSession
}

// NewSessionConnection wraps an already established MCP client session.
func NewSessionConnection(session *mcp.ClientSession) Connection {
	return &sdkConnection{session: session}
}

func dialMCP(ctx context.Context, info *mcp.Implementation, cfg config.ProviderConfig) (Connection, error) {
	var transport mcp.Transport
	switch cfg.Transport {
	case config.TransportStdio:
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = append(os.Environ(), envList(cfg.Env)...)
		cmd.Stderr = log.With().Str("provider", cfg.Name).Str("stream", "stderr").Logger()
		transport = &mcp.CommandTransport{Command: cmd}
	case config.TransportStreamable:
		transport = &mcp.StreamableClientTransport{Endpoint: cfg.URL}
	case config.TransportSSE:
		transport = &mcp.SSEClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("transport %q is not an MCP transport", cfg.Transport)
	}

	client := mcp.NewClient(info, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s over %s: %w", cfg.Name, cfg.Transport, err)
	}
	return &sdkConnection{session: session}, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (c *sdkConnection) ListTools(ctx context.Context) ([]RemoteTool, error) {
	var out []RemoteTool
	params := &mcp.ListToolsParams{}
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		if out, err = appendRemoteTools(out, res); err != nil {
			return nil, err
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (c *sdkConnection) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return callResultFrom(res), nil
}

// appendRemoteTools converts one page of a tools/list reply.
func appendRemoteTools(out []RemoteTool, res *mcp.ListToolsResult) ([]RemoteTool, error) {
	for _, t := range res.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: encode input schema: %w", t.Name, err)
		}
		out = append(out, RemoteTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out, nil
}

func callResultFrom(res *mcp.CallToolResult) *CallResult {
	out := &CallResult{IsError: res.IsError}
	var text []string
	for _, content := range res.Content {
		switch v := content.(type) {
		case *mcp.TextContent:
			text = append(text, v.Text)
		case *mcp.ImageContent:
			text = append(text, fmt.Sprintf("[image %s, %d bytes]", v.MIMEType, len(v.Data)))
		default:
			if raw, err := json.Marshal(v); err == nil {
				text = append(text, string(raw))
			}
		}
	}
	out.Text = strings.Join(text, "\n")
	if res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			out.Structured = raw
		}
	}
	return out
}

func (c *sdkConnection) Close() error {
	return c.session.Close()
}
