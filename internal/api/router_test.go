package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/netdiag/internal/ai/chat"
	"github.com/rcourtman/netdiag/internal/ai/summary"
	"github.com/rcourtman/netdiag/internal/capture"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

type fakeDiagnoser struct {
	events []chat.StreamEvent
	err    error
	delay  time.Duration
}

func (f *fakeDiagnoser) Diagnose(ctx context.Context, req chat.DiagnoseRequest, callback chat.StreamCallback) (*chat.RunResult, error) {
	for _, ev := range f.events {
		callback(ev)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &chat.RunResult{Rounds: 1}, nil
}

func (f *fakeDiagnoser) Capabilities(ctx context.Context) chat.CapabilitiesData {
	return chat.CapabilitiesData{Tools: []string{"net_ping"}, Providers: []string{"net"}}
}

type fakeCapture struct {
	mu       sync.Mutex
	sessions map[string]*capture.Session
	polls    int
	// finishAfter marks a session completed after this many status polls.
	finishAfter int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{sessions: make(map[string]*capture.Session)}
}

func (f *fakeCapture) Start(ctx context.Context, req capture.StartRequest) (*capture.Session, error) {
	if req.Target == "" {
		return nil, diagerrors.New(diagerrors.ErrorTypeValidation, "start_capture", "",
			fmt.Errorf("%w: target is required", diagerrors.ErrInvalidInput))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("s-%d", len(f.sessions)+1)
	sess := &capture.Session{SessionID: id, Target: req.Target, Status: capture.StatusPending}
	f.sessions[id] = sess
	out := *sess
	return &out, nil
}

func (f *fakeCapture) Status(ctx context.Context, sessionID string) (*capture.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == "" {
		idle := capture.IdleSession()
		return &idle, nil
	}
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, diagerrors.NewSessionNotFound("capture_status", sessionID)
	}
	f.polls++
	if f.finishAfter > 0 && f.polls >= f.finishAfter {
		sess.Status = capture.StatusCompleted
	} else if sess.Status == capture.StatusPending {
		sess.Status = capture.StatusRunning
	}
	out := *sess
	return &out, nil
}

func (f *fakeCapture) Stop(ctx context.Context, sessionID string) (*capture.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, diagerrors.NewSessionNotFound("stop_capture", sessionID)
	}
	if !sess.Status.IsTerminal() {
		sess.Status = capture.StatusStopped
	}
	out := *sess
	return &out, nil
}

func (f *fakeCapture) Result(ctx context.Context, sessionID string) (*capture.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, diagerrors.NewSessionNotFound("capture_result", sessionID)
	}
	out := *sess
	if out.Status.HasResult() {
		out.Analysis = &capture.Analysis{Protocols: map[string]int64{"TCP": 800, "DNS": 42}}
	}
	return &out, nil
}

func (f *fakeCapture) History(ctx context.Context, limit int) ([]capture.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []capture.Session{}
	for _, s := range f.sessions {
		if s.Status.IsTerminal() && len(out) < limit {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, sess *capture.Session) (*summary.Summary, error) {
	return &summary.Summary{SessionID: sess.SessionID, Text: "Traffic to the target looks healthy."}, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeCapture, *fakeDiagnoser) {
	t.Helper()
	capt := newFakeCapture()
	diag := &fakeDiagnoser{}
	r := NewRouter(Deps{
		Diagnoser:     diag,
		Capture:       capt,
		Summarizer:    fakeSummarizer{},
		Version:       "test",
		WatchInterval: 10 * time.Millisecond,
	})
	return r, capt, diag
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestProviders(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/providers", "")

	require.Equal(t, http.StatusOK, rec.Code)
	caps := decode[chat.CapabilitiesData](t, rec)
	assert.Equal(t, []string{"net_ping"}, caps.Tools)
}

func TestRequestIDIsPropagated(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestCaptureStartAndStatus(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/capture/start", `{"target":"sina.com","duration":30,"mode":"auto"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[capture.Session](t, rec)
	assert.Equal(t, "s-1", started.SessionID)
	assert.Equal(t, capture.StatusPending, started.Status)

	rec = doJSON(t, r, http.MethodGet, "/api/capture/status?sessionId=s-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, capture.StatusRunning, decode[capture.Session](t, rec).Status)
}

func TestCaptureStartValidation(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/capture/start", `{"duration":30}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decode[ErrorBody](t, rec)
	assert.Equal(t, "validation", apiErr.Code)
	assert.NotEmpty(t, apiErr.RequestID)

	rec = doJSON(t, r, http.MethodPost, "/api/capture/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaptureStatusNeverNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/capture/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, capture.StatusIdle, decode[capture.Session](t, rec).Status)

	rec = doJSON(t, r, http.MethodGet, "/api/capture/status?sessionId=missing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[capture.Session](t, rec)
	assert.Equal(t, capture.StatusIdle, sess.Status)
	assert.Equal(t, "missing", sess.SessionID)
	assert.NotEmpty(t, sess.Error)
}

func TestCaptureStop(t *testing.T) {
	r, _, _ := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/api/capture/start", `{"target":"sina.com"}`)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, r, http.MethodPost, "/api/capture/stop", `{"sessionId":"s-1"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, capture.StatusStopped, decode[capture.Session](t, rec).Status)
	}

	rec := doJSON(t, r, http.MethodPost, "/api/capture/stop", `{"sessionId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session_not_found", decode[ErrorBody](t, rec).Code)
}

func TestCaptureAnalyze(t *testing.T) {
	r, capt, _ := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/api/capture/start", `{"target":"sina.com"}`)

	rec := doJSON(t, r, http.MethodPost, "/api/capture/analyze", `{"sessionId":"s-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	notReady := decode[analyzeResponse](t, rec)
	assert.False(t, notReady.Ready)
	assert.Empty(t, notReady.AnalysisText)

	capt.mu.Lock()
	capt.sessions["s-1"].Status = capture.StatusCompleted
	capt.mu.Unlock()

	rec = doJSON(t, r, http.MethodPost, "/api/capture/analyze", `{"sessionId":"s-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[analyzeResponse](t, rec)
	assert.True(t, ready.Ready)
	assert.Equal(t, "Traffic to the target looks healthy.", ready.AnalysisText)

	rec = doJSON(t, r, http.MethodPost, "/api/capture/analyze", `{"sessionId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaptureHistory(t *testing.T) {
	r, capt, _ := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/api/capture/start", `{"target":"a.example"}`)
	doJSON(t, r, http.MethodPost, "/api/capture/start", `{"target":"b.example"}`)
	capt.mu.Lock()
	capt.sessions["s-1"].Status = capture.StatusCompleted
	capt.sessions["s-2"].Status = capture.StatusFailed
	capt.mu.Unlock()

	rec := doJSON(t, r, http.MethodGet, "/api/capture/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]capture.Session](t, rec)
	assert.Len(t, body["sessions"], 1)

	rec = doJSON(t, r, http.MethodGet, "/api/capture/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func readSSE(t *testing.T, body string) []chat.StreamEvent {
	t.Helper()
	var events []chat.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev chat.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []chat.StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestDiagnoseStreamsUntilDone(t *testing.T) {
	r, _, diag := newTestRouter(t)
	diag.events = []chat.StreamEvent{
		{Type: chat.EventContent, Data: mustJSON(chat.ContentData{Text: "Checking"})},
		{Type: chat.EventToolStart, Data: mustJSON(chat.ToolStartData{ID: "c1", Name: "net_ping"})},
		{Type: chat.EventToolEnd, Data: mustJSON(chat.ToolEndData{ID: "c1", Name: "net_ping", Success: true})},
		{Type: chat.EventDone, Data: mustJSON(chat.DoneData{Rounds: 2})},
	}

	rec := doJSON(t, r, http.MethodPost, "/api/diagnose", `{"messages":[{"role":"user","content":"why is sina.com slow?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := readSSE(t, rec.Body.String())
	assert.Equal(t, []string{"content", "tool_start", "tool_end", "done"}, eventTypes(events))
}

func TestDiagnoseFailureStillTerminates(t *testing.T) {
	r, _, diag := newTestRouter(t)
	diag.err = diagerrors.NewModelError("chat", errors.New("upstream 500"))

	rec := doJSON(t, r, http.MethodPost, "/api/diagnose", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := readSSE(t, rec.Body.String())
	require.Equal(t, []string{"error", "done"}, eventTypes(events))
	var errData chat.ErrorData
	require.NoError(t, json.Unmarshal(events[0].Data, &errData))
	assert.Contains(t, errData.Message, "upstream 500")
}

// streamSink is a ResponseWriter that records every frame and counts writes
// that arrive after the handler has returned.
type streamSink struct {
	mu       sync.Mutex
	header   http.Header
	frames   []string
	returned bool
	late     int
}

func (s *streamSink) Header() http.Header { return s.header }

func (s *streamSink) WriteHeader(int) {}

func (s *streamSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.returned {
		s.late++
	}
	s.frames = append(s.frames, string(p))
	return len(p), nil
}

func (s *streamSink) Flush() {}

func (s *streamSink) finish() {
	s.mu.Lock()
	s.returned = true
	s.mu.Unlock()
}

func TestDiagnoseHeartbeatStopsBeforeHandlerReturns(t *testing.T) {
	r := NewRouter(Deps{
		Diagnoser: &fakeDiagnoser{delay: 2 * time.Millisecond},
		Capture:   newFakeCapture(),
		Heartbeat: time.Microsecond,
	})

	sinks := make([]*streamSink, 0, 300)
	for i := 0; i < 300; i++ {
		sink := &streamSink{header: http.Header{}}
		req := httptest.NewRequest(http.MethodPost, "/api/diagnose", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		r.ServeHTTP(sink, req)
		sink.finish()
		sinks = append(sinks, sink)
	}
	time.Sleep(20 * time.Millisecond)

	for i, sink := range sinks {
		sink.mu.Lock()
		late := sink.late
		last := sink.frames[len(sink.frames)-1]
		sink.mu.Unlock()
		require.Zero(t, late, "request %d: writes after the handler returned", i)
		require.True(t, strings.HasPrefix(last, `data: {"type":"done"`), "request %d: last frame %q", i, last)
	}
}

func TestDiagnoseRejectsEmptyRequest(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/diagnose", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/diagnose", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimitedRoutes(t *testing.T) {
	r := NewRouter(Deps{
		Diagnoser: &fakeDiagnoser{},
		Capture:   newFakeCapture(),
		Limiter:   NewRateLimiter(0.001, 1),
	})
	t.Cleanup(r.deps.Limiter.Stop)

	rec := doJSON(t, r, http.MethodPost, "/api/capture/start", `{"target":"sina.com"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/capture/start", `{"target":"sina.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Status polling is not limited.
	rec = doJSON(t, r, http.MethodGet, "/api/capture/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPanicIsRecovered(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decode[ErrorBody](t, rec).Code)
}

func TestInstrumentEchoesRequestID(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusConflict, "not_ready", "capture still running")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/capture/result", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	body := decode[ErrorBody](t, rec)
	assert.Equal(t, http.StatusConflict, body.Status)
	assert.Equal(t, "req-42", body.RequestID)
	assert.NotEmpty(t, body.Time)
}

func TestPanicAfterStreamingStartedKeepsStream(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {}\n\n"))
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/diagnose", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: {}\n\n", rec.Body.String(), "no error document is appended to a started stream")
}

func TestWriteDiagErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", diagerrors.New(diagerrors.ErrorTypeValidation, "op", "", diagerrors.ErrInvalidInput), http.StatusBadRequest},
		{"not found", diagerrors.NewSessionNotFound("op", "s-9"), http.StatusNotFound},
		{"not ready", diagerrors.New(diagerrors.ErrorTypeSessionNotReady, "op", "s-1", diagerrors.ErrSessionNotReady), http.StatusConflict},
		{"timeout", diagerrors.New(diagerrors.ErrorTypeTimeout, "op", "capture", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unreachable", diagerrors.New(diagerrors.ErrorTypeProviderUnreachable, "op", "capture", errors.New("refused")), http.StatusBadGateway},
		{"tool", diagerrors.New(diagerrors.ErrorTypeToolInvocation, "op", "capture", errors.New("bad reply")), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDiagError(rec, tt.err)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCaptureWatch(t *testing.T) {
	r, capt, _ := newTestRouter(t)
	capt.finishAfter = 3
	doJSON(t, r, http.MethodPost, "/api/capture/start", `{"target":"sina.com"}`)

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/capture/watch?sessionId=s-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var statuses []capture.Status
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg watchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		require.Equal(t, "status", msg.Type)
		statuses = append(statuses, msg.Session.Status)
	}

	require.Len(t, statuses, 3)
	assert.Equal(t, capture.StatusRunning, statuses[0])
	assert.Equal(t, capture.StatusCompleted, statuses[2])
}
