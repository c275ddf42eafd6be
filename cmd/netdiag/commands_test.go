package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/netdiag/internal/ai/tools"
	"github.com/rcourtman/netdiag/internal/config"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	output, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "netdiag 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
}

func newCaptureServer(t *testing.T, status int, reply string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		seen = append(seen, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestCaptureStartCmd(t *testing.T) {
	srv, seen := newCaptureServer(t, http.StatusOK, `{"sessionId":"s-1","status":"pending"}`)

	output, err := runCommand(t, "capture", "start", "sina.com", "--duration", "30", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, output, `"sessionId": "s-1"`)

	require.Len(t, *seen, 1)
	got := (*seen)[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/capture/start", got.Path)
	assert.Equal(t, "sina.com", got.Body["target"])
	assert.EqualValues(t, 30, got.Body["duration"])
	assert.Equal(t, "auto", got.Body["mode"])
}

func TestCaptureStatusCmd(t *testing.T) {
	srv, seen := newCaptureServer(t, http.StatusOK, `{"sessionId":"","status":"idle"}`)

	_, err := runCommand(t, "capture", "status", "--server", srv.URL)
	require.NoError(t, err)
	_, err = runCommand(t, "capture", "status", "s 1", "--server", srv.URL)
	require.NoError(t, err)

	require.Len(t, *seen, 2)
	assert.Empty(t, (*seen)[0].Query)
	assert.Equal(t, "sessionId=s+1", (*seen)[1].Query)
}

func TestCaptureStopCmdReportsServerError(t *testing.T) {
	srv, seen := newCaptureServer(t, http.StatusNotFound,
		`{"error":"stop_capture s-9: capture session not found","code":"session_not_found","status":404}`)

	_, err := runCommand(t, "capture", "stop", "s-9", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_not_found")
	assert.Contains(t, err.Error(), "HTTP 404")

	require.Len(t, *seen, 1)
	assert.Equal(t, "s-9", (*seen)[0].Body["sessionId"])
}

type listOnlyConn struct{ tools []tools.RemoteTool }

func (c *listOnlyConn) ListTools(ctx context.Context) ([]tools.RemoteTool, error) { return c.tools, nil }

func (c *listOnlyConn) CallTool(ctx context.Context, name string, args map[string]any) (*tools.CallResult, error) {
	return nil, errors.New("not used")
}

func (c *listOnlyConn) Close() error { return nil }

func TestListProviders(t *testing.T) {
	catalog := config.NewCatalog([]config.ProviderConfig{
		{Name: "net", Transport: config.TransportStdio, Command: "netdiag-provider"},
		{Name: "gone", Transport: config.TransportStdio, Command: "gone"},
	})
	dialer := tools.DialFunc(func(ctx context.Context, cfg config.ProviderConfig) (tools.Connection, error) {
		if cfg.Name == "net" {
			return &listOnlyConn{tools: []tools.RemoteTool{{
				Name:        "ping",
				Description: "Ping a host",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"host":{"type":"string"}}}`),
			}}}, nil
		}
		return nil, errors.New("executable not found")
	})

	var out bytes.Buffer
	err := listProviders(context.Background(), &out, config.Default(t.TempDir()), catalog, dialer, false)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "net")
	assert.Contains(t, out.String(), "connected")
	assert.Contains(t, out.String(), "unavailable")
	assert.Contains(t, out.String(), "net_ping")

	out.Reset()
	err = listProviders(context.Background(), &out, config.Default(t.TempDir()), catalog, dialer, true)
	require.NoError(t, err)
	var caps map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &caps))
	assert.Equal(t, []interface{}{"net_ping"}, caps["tools"])
}

func TestLoadCatalogMissingFile(t *testing.T) {
	cfg := config.Default(t.TempDir())
	catalog, err := loadCatalog(cfg)
	require.NoError(t, err)
	assert.Empty(t, catalog.Providers())
}

func TestNewMetricsServerDisabledWithoutAddr(t *testing.T) {
	cfg := config.Default(t.TempDir())
	assert.Nil(t, newMetricsServer(cfg))

	// Optional listeners are passed to shutdown unconditionally.
	shutdownServer(context.Background(), "metrics", nil)
}

func TestMetricsServerServesAndShutsDown(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.MetricsAddr = "127.0.0.1:0"

	srv := newMetricsServer(cfg)
	require.NotNil(t, srv)
	assert.Equal(t, metricsWriteTimeout, srv.WriteTimeout)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	stopped := make(chan struct{})
	go func() {
		serveMetrics(srv)
		close(stopped)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		shutdownServer(ctx, "metrics", srv)
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
