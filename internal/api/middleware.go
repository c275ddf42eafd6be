package api

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/netdiag/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// ErrorBody is the JSON document every failed request gets back.
type ErrorBody struct {
	Message   string `json:"error"`
	Code      string `json:"code,omitempty"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Time      string `json:"time"`
}

func (e *ErrorBody) Error() string {
	return e.Message
}

// Instrument wraps the API mux. Each request gets an id (the caller's
// X-Request-ID when present), a metrics sample and a log line when it
// fails. A handler panic becomes a 500 if nothing was sent yet.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), strings.TrimSpace(r.Header.Get(requestIDHeader)))
		r = r.WithContext(ctx)
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		route := routeLabel(r.URL.Path)
		started := time.Now()

		defer func() {
			logger := logging.FromContext(ctx).With().
				Str("method", r.Method).
				Str("route", route).
				Logger()

			if p := recover(); p != nil {
				logger.Error().
					Interface("panic", p).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				if !rec.wroteHeader {
					writeError(rec, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
				} else {
					rec.status = http.StatusInternalServerError
				}
			}

			recordAPIRequest(r.Method, route, rec.status, time.Since(started))
			logFailure(logger, rec.status)
		}()

		next.ServeHTTP(rec, r)
	})
}

func logFailure(logger zerolog.Logger, status int) {
	switch {
	case status >= http.StatusInternalServerError:
		logger.Warn().Int("status", status).Msg("Request failed")
	case status >= http.StatusBadRequest:
		logger.Debug().Int("status", status).Msg("Request rejected")
	}
}

// writeError sends an ErrorBody carrying the request id already set on w.
func writeError(w http.ResponseWriter, status int, code, message string) {
	body := ErrorBody{
		Message:   message,
		Code:      code,
		Status:    status,
		RequestID: w.Header().Get(requestIDHeader),
		Time:      time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Str("code", code).Msg("Client went away before the error body was sent")
	}
}

// writeJSON encodes v before touching w so an encoding failure can still
// become a 500.
func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msgf("Cannot encode %T response", v)
		writeError(w, http.StatusInternalServerError, "encode_failed", "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// statusRecorder remembers the status sent through it. Streaming and
// websocket handlers reach the connection through Unwrap.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.wroteHeader {
		return
	}
	s.status = status
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	return s.ResponseWriter.Write(b)
}

// Flush is called by code that type-asserts http.Flusher.
func (s *statusRecorder) Flush() {
	_ = http.NewResponseController(s.ResponseWriter).Flush()
}

// Hijack hands the connection to the websocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(s.ResponseWriter).Hijack()
	if err == nil {
		s.status = http.StatusSwitchingProtocols
		s.wroteHeader = true
	}
	return conn, rw, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
