// Package netprobe implements the bundled diagnostics provider: an MCP
// server exposing ping, connectivity_check, dns_lookup and list_interfaces.
package netprobe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	probing "github.com/prometheus-community/pro-bing"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v4/net"
)

const (
	defaultPingCount   = 4
	maxPingCount       = 20
	defaultTimeoutSecs = 10
	maxTimeoutSecs     = 60
	dnsRefreshInterval = 5 * time.Minute
)

// Resolver is the subset of *dnscache.Resolver the probes use.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Prober runs the probes. The function fields are replaced in tests.
type Prober struct {
	Resolver   Resolver
	Ping       func(ctx context.Context, host string, count int, timeout time.Duration) (*PingOutput, error)
	Interfaces func(ctx context.Context) ([]Interface, error)
	// Transport is used by connectivity_check; defaults to one dialing through Resolver.
	Transport http.RoundTripper

	stopOnce sync.Once
	stop     chan struct{}
}

// NewProber returns a Prober backed by a caching resolver that is refreshed
// in the background until Close.
func NewProber() *Prober {
	resolver := &dnscache.Resolver{}
	p := &Prober{
		Resolver:   resolver,
		Ping:       runPing,
		Interfaces: listInterfaces,
		stop:       make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(dnsRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			case <-p.stop:
				return
			}
		}
	}()
	return p
}

// Close stops the background refresh.
func (p *Prober) Close() {
	if p.stop == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
}

// NewServer builds the MCP server exposing every probe.
func NewServer(p *Prober, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "netdiag-provider", Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ping",
		Description: "Send ICMP echo requests to a host and report loss and round-trip times",
	}, p.handlePing)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "connectivity_check",
		Description: "Fetch a URL over HTTP(S) and report status code, DNS/connect timing and errors",
	}, p.handleConnectivity)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "dns_lookup",
		Description: "Resolve a hostname to its IP addresses",
	}, p.handleDNSLookup)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_interfaces",
		Description: "List local network interfaces with their addresses and flags",
	}, p.handleInterfaces)

	return server
}

// toolFailure reports a probe failure to the caller as a tool error
// rather than a protocol error.
func toolFailure(format string, args ...interface{}) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

func clampTimeout(secs int) time.Duration {
	if secs <= 0 {
		secs = defaultTimeoutSecs
	}
	if secs > maxTimeoutSecs {
		secs = maxTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

// PingInput is the ping tool's arguments.
type PingInput struct {
	Host           string `json:"host" jsonschema:"hostname or IP address to ping"`
	Count          int    `json:"count,omitempty" jsonschema:"number of echo requests, default 4, at most 20"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"overall timeout in seconds, default 10"`
}

// PingOutput summarizes a ping run.
type PingOutput struct {
	Host        string  `json:"host"`
	Address     string  `json:"address"`
	Sent        int     `json:"packets_sent"`
	Received    int     `json:"packets_received"`
	LossPercent float64 `json:"loss_percent"`
	MinMs       float64 `json:"min_ms"`
	AvgMs       float64 `json:"avg_ms"`
	MaxMs       float64 `json:"max_ms"`
	StdDevMs    float64 `json:"stddev_ms"`
}

func (p *Prober) handlePing(ctx context.Context, _ *mcp.CallToolRequest, in PingInput) (*mcp.CallToolResult, PingOutput, error) {
	host := strings.TrimSpace(in.Host)
	if host == "" {
		return toolFailure("host is required"), PingOutput{}, nil
	}
	count := in.Count
	if count <= 0 {
		count = defaultPingCount
	}
	if count > maxPingCount {
		count = maxPingCount
	}

	out, err := p.Ping(ctx, host, count, clampTimeout(in.TimeoutSeconds))
	if err != nil {
		log.Debug().Err(err).Str("host", host).Msg("Ping failed")
		return toolFailure("ping %s: %v", host, err), PingOutput{}, nil
	}
	return nil, *out, nil
}

// runPing uses unprivileged UDP echo so no root or capabilities are needed.
func runPing(ctx context.Context, host string, count int, timeout time.Duration) (*PingOutput, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return nil, err
	}
	pinger.SetPrivileged(false)
	pinger.Count = count
	pinger.Timeout = timeout

	if err := pinger.RunWithContext(ctx); err != nil {
		return nil, err
	}
	stats := pinger.Statistics()
	return &PingOutput{
		Host:        host,
		Address:     stats.IPAddr.String(),
		Sent:        stats.PacketsSent,
		Received:    stats.PacketsRecv,
		LossPercent: stats.PacketLoss,
		MinMs:       ms(stats.MinRtt),
		AvgMs:       ms(stats.AvgRtt),
		MaxMs:       ms(stats.MaxRtt),
		StdDevMs:    ms(stats.StdDevRtt),
	}, nil
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// ConnectivityInput is the connectivity_check tool's arguments.
type ConnectivityInput struct {
	URL            string `json:"url" jsonschema:"http or https URL to fetch"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"request timeout in seconds, default 10"`
}

// ConnectivityOutput reports one HTTP fetch.
type ConnectivityOutput struct {
	URL        string   `json:"url"`
	Reachable  bool     `json:"reachable"`
	StatusCode int      `json:"status_code,omitempty"`
	DNSMs      float64  `json:"dns_ms"`
	TotalMs    float64  `json:"total_ms"`
	Addresses  []string `json:"addresses,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func (p *Prober) handleConnectivity(ctx context.Context, _ *mcp.CallToolRequest, in ConnectivityInput) (*mcp.CallToolResult, ConnectivityOutput, error) {
	target := strings.TrimSpace(in.URL)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return toolFailure("url must start with http:// or https://"), ConnectivityOutput{}, nil
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return toolFailure("invalid url: %v", err), ConnectivityOutput{}, nil
	}

	timeout := clampTimeout(in.TimeoutSeconds)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := ConnectivityOutput{URL: target}

	// Resolve first so DNS failures are reported separately from HTTP ones.
	dnsStart := time.Now()
	addrs, err := p.Resolver.LookupHost(ctx, req.URL.Hostname())
	out.DNSMs = ms(time.Since(dnsStart))
	if err != nil {
		out.Error = fmt.Sprintf("dns: %v", err)
		return nil, out, nil
	}
	out.Addresses = addrs

	client := &http.Client{
		Transport: p.transport(),
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	start := time.Now()
	resp, err := client.Do(req.WithContext(ctx))
	out.TotalMs = ms(time.Since(start)) + out.DNSMs
	if err != nil {
		out.Error = err.Error()
		return nil, out, nil
	}
	resp.Body.Close()

	out.Reachable = true
	out.StatusCode = resp.StatusCode
	return nil, out, nil
}

func (p *Prober) transport() http.RoundTripper {
	if p.Transport != nil {
		return p.Transport
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			ips, err := p.Resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
	}
}

// DNSInput is the dns_lookup tool's arguments.
type DNSInput struct {
	Host string `json:"host" jsonschema:"hostname to resolve"`
}

// DNSOutput lists resolved addresses.
type DNSOutput struct {
	Host      string   `json:"host"`
	Addresses []string `json:"addresses"`
	LatencyMs float64  `json:"latency_ms"`
}

func (p *Prober) handleDNSLookup(ctx context.Context, _ *mcp.CallToolRequest, in DNSInput) (*mcp.CallToolResult, DNSOutput, error) {
	host := strings.TrimSpace(in.Host)
	if host == "" {
		return toolFailure("host is required"), DNSOutput{}, nil
	}
	start := time.Now()
	addrs, err := p.Resolver.LookupHost(ctx, host)
	if err != nil {
		return toolFailure("resolve %s: %v", host, err), DNSOutput{}, nil
	}
	return nil, DNSOutput{Host: host, Addresses: addrs, LatencyMs: ms(time.Since(start))}, nil
}

// InterfacesInput takes no arguments.
type InterfacesInput struct{}

// Interface is one local network interface.
type Interface struct {
	Name         string   `json:"name"`
	MTU          int      `json:"mtu"`
	HardwareAddr string   `json:"hardware_addr,omitempty"`
	Flags        []string `json:"flags"`
	Addresses    []string `json:"addresses"`
}

// InterfacesOutput lists local interfaces.
type InterfacesOutput struct {
	Interfaces []Interface `json:"interfaces"`
}

func (p *Prober) handleInterfaces(ctx context.Context, _ *mcp.CallToolRequest, _ InterfacesInput) (*mcp.CallToolResult, InterfacesOutput, error) {
	ifaces, err := p.Interfaces(ctx)
	if err != nil {
		return toolFailure("list interfaces: %v", err), InterfacesOutput{}, nil
	}
	return nil, InterfacesOutput{Interfaces: ifaces}, nil
}

func listInterfaces(ctx context.Context) ([]Interface, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(stats))
	for _, s := range stats {
		iface := Interface{
			Name:         s.Name,
			MTU:          s.MTU,
			HardwareAddr: s.HardwareAddr,
			Flags:        s.Flags,
			Addresses:    make([]string, 0, len(s.Addrs)),
		}
		if iface.Flags == nil {
			iface.Flags = []string{}
		}
		for _, a := range s.Addrs {
			iface.Addresses = append(iface.Addresses, a.Addr)
		}
		out = append(out, iface)
	}
	return out, nil
}
