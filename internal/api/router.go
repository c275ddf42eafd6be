package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rcourtman/netdiag/internal/ai/chat"
	"github.com/rcourtman/netdiag/internal/ai/summary"
	"github.com/rcourtman/netdiag/internal/capture"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

// Diagnoser runs diagnostic conversations.
type Diagnoser interface {
	Diagnose(ctx context.Context, req chat.DiagnoseRequest, callback chat.StreamCallback) (*chat.RunResult, error)
	Capabilities(ctx context.Context) chat.CapabilitiesData
}

// CaptureManager is the capture session surface used by the handlers.
type CaptureManager interface {
	Start(ctx context.Context, req capture.StartRequest) (*capture.Session, error)
	Status(ctx context.Context, sessionID string) (*capture.Session, error)
	Stop(ctx context.Context, sessionID string) (*capture.Session, error)
	Result(ctx context.Context, sessionID string) (*capture.Session, error)
	History(ctx context.Context, limit int) ([]capture.Session, error)
}

// Summarizer turns a finished capture into analysis text.
type Summarizer interface {
	Summarize(ctx context.Context, sess *capture.Session) (*summary.Summary, error)
}

// Deps wires the router.
type Deps struct {
	Diagnoser  Diagnoser
	Capture    CaptureManager
	Summarizer Summarizer
	Limiter    *RateLimiter // optional

	Version string
	// WatchInterval is how often /api/capture/watch pushes status.
	WatchInterval time.Duration
	// Heartbeat is the SSE keep-alive period for /api/diagnose.
	Heartbeat time.Duration
}

// Router serves the orchestrator API.
type Router struct {
	deps    Deps
	mux     *http.ServeMux
	handler http.Handler
	started time.Time
}

// NewRouter registers every route.
func NewRouter(deps Deps) *Router {
	if deps.WatchInterval <= 0 {
		deps.WatchInterval = time.Second
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 5 * time.Second
	}
	r := &Router{
		deps:    deps,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	r.setupRoutes()
	r.handler = Instrument(r.mux)
	return r
}

func (r *Router) setupRoutes() {
	limit := r.deps.Limiter.Middleware

	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /api/providers", r.handleProviders)
	r.mux.HandleFunc("POST /api/diagnose", limit(r.handleDiagnose))
	r.mux.HandleFunc("POST /api/capture/start", limit(r.handleCaptureStart))
	r.mux.HandleFunc("GET /api/capture/status", r.handleCaptureStatus)
	r.mux.HandleFunc("POST /api/capture/stop", r.handleCaptureStop)
	r.mux.HandleFunc("POST /api/capture/analyze", r.handleCaptureAnalyze)
	r.mux.HandleFunc("GET /api/capture/history", r.handleCaptureHistory)
	r.mux.HandleFunc("GET /api/capture/watch", r.handleCaptureWatch)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"version": r.deps.Version,
		"uptime":  int(time.Since(r.started).Seconds()),
	})
}

func (r *Router) handleProviders(w http.ResponseWriter, req *http.Request) {
	if r.deps.Diagnoser == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "Diagnostics are not configured")
		return
	}
	writeJSON(w, r.deps.Diagnoser.Capabilities(req.Context()))
}

// writeDiagError maps the error taxonomy onto HTTP status codes.
func writeDiagError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, diagerrors.ErrInvalidInput):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, diagerrors.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, diagerrors.ErrSessionNotReady):
		status, code = http.StatusConflict, "session_not_ready"
	case errors.Is(err, diagerrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, diagerrors.ErrUnreachable):
		status, code = http.StatusBadGateway, "provider_unreachable"
	case diagerrors.TypeOf(err) == diagerrors.ErrorTypeToolInvocation:
		status, code = http.StatusBadGateway, "tool_invocation"
	}
	writeError(w, status, code, err.Error())
}
