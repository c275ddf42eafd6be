package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rcourtman/netdiag/internal/ai/chat"
	"github.com/rcourtman/netdiag/internal/logging"
)

const maxDiagnoseBody = 1 << 20

// sseWriter serializes event frames and heartbeats onto one response.
type sseWriter struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	rc           *http.ResponseController
	disconnected bool
	sawError     bool
	sawDone      bool
}

func (s *sseWriter) write(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return
	}
	_ = s.rc.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := s.w.Write(frame); err != nil {
		s.disconnected = true
		return
	}
	_ = s.rc.Flush()
}

func (s *sseWriter) event(event chat.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	switch event.Type {
	case chat.EventError:
		s.sawError = true
	case chat.EventDone:
		s.sawDone = true
	}
	s.mu.Unlock()

	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	s.write(frame)
}

func (r *Router) handleDiagnose(w http.ResponseWriter, req *http.Request) {
	if r.deps.Diagnoser == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "Diagnostics are not configured")
		return
	}

	var body chat.DiagnoseRequest
	dec := json.NewDecoder(io.LimitReader(req.Body, maxDiagnoseBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "messages must not be empty")
		return
	}

	ctx := req.Context()
	logger := logging.FromContext(ctx)
	logger.Info().Int("messages", len(body.Messages)).Msg("Diagnose request received")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.SetReadDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Error().Err(err).Msg("Streaming not supported by response writer")
		return
	}

	sse := &sseWriter{w: w, rc: rc}

	heartbeatDone := make(chan struct{})
	var heartbeat sync.WaitGroup
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		ticker := time.NewTicker(r.deps.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sse.write([]byte(": heartbeat\n\n"))
			case <-heartbeatDone:
				return
			}
		}
	}()

	// The request context ends the run when the client disconnects.
	result, err := r.deps.Diagnoser.Diagnose(ctx, body, sse.event)
	close(heartbeatDone)
	// No heartbeat may land after the final frames or after the handler returns.
	heartbeat.Wait()

	sse.mu.Lock()
	sawError, sawDone := sse.sawError, sse.sawDone
	sse.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			logger.Info().Err(err).Msg("Diagnose request cancelled by client")
		}
		if !sawError {
			sse.event(chat.StreamEvent{Type: chat.EventError, Data: mustJSON(chat.ErrorData{Message: err.Error()})})
		}
	}
	if !sawDone {
		done := chat.DoneData{RequestID: logging.RequestID(ctx)}
		if result != nil {
			done.Rounds = result.Rounds
			done.InputTokens = result.InputTokens
			done.OutputTokens = result.OutputTokens
		}
		sse.event(chat.StreamEvent{Type: chat.EventDone, Data: mustJSON(done)})
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
