package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/netdiag/internal/capture"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

const (
	maxCaptureBody      = 64 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

// analyzeResponse is either the analysis or a not-ready marker.
type analyzeResponse struct {
	SessionID    string         `json:"sessionId"`
	Ready        bool           `json:"ready"`
	Status       capture.Status `json:"status"`
	AnalysisText string         `json:"analysisText,omitempty"`
	Degraded     bool           `json:"degraded,omitempty"`
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxCaptureBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (r *Router) handleCaptureStart(w http.ResponseWriter, req *http.Request) {
	var body capture.StartRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	sess, err := r.deps.Capture.Start(req.Context(), body)
	if err != nil {
		log.Warn().Err(err).Str("target", body.Target).Msg("Failed to start capture")
		writeDiagError(w, err)
		return
	}
	writeJSON(w, sess)
}

// handleCaptureStatus never answers 404: an unknown session id yields the
// idle shape carrying the id and an explanation.
func (r *Router) handleCaptureStatus(w http.ResponseWriter, req *http.Request) {
	sessionID := strings.TrimSpace(req.URL.Query().Get("sessionId"))

	sess, err := r.deps.Capture.Status(req.Context(), sessionID)
	if err != nil {
		if errors.Is(err, diagerrors.ErrSessionNotFound) {
			idle := capture.IdleSession()
			idle.SessionID = sessionID
			idle.Error = "capture session not found"
			writeJSON(w, idle)
			return
		}
		writeDiagError(w, err)
		return
	}
	writeJSON(w, sess)
}

func (r *Router) handleCaptureStop(w http.ResponseWriter, req *http.Request) {
	var body sessionRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	sess, err := r.deps.Capture.Stop(req.Context(), body.SessionID)
	if err != nil {
		writeDiagError(w, err)
		return
	}
	writeJSON(w, sess)
}

func (r *Router) handleCaptureAnalyze(w http.ResponseWriter, req *http.Request) {
	var body sessionRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	ctx := req.Context()
	sess, err := r.deps.Capture.Result(ctx, body.SessionID)
	if err != nil {
		writeDiagError(w, err)
		return
	}

	resp := analyzeResponse{SessionID: sess.SessionID, Status: sess.Status}
	if !sess.Status.HasResult() || sess.Analysis == nil || r.deps.Summarizer == nil {
		writeJSON(w, resp)
		return
	}

	sum, err := r.deps.Summarizer.Summarize(ctx, sess)
	if err != nil {
		if errors.Is(err, diagerrors.ErrSessionNotReady) {
			writeJSON(w, resp)
			return
		}
		writeDiagError(w, err)
		return
	}
	resp.Ready = true
	resp.AnalysisText = sum.Text
	resp.Degraded = sum.Degraded
	writeJSON(w, resp)
}

func (r *Router) handleCaptureHistory(w http.ResponseWriter, req *http.Request) {
	limit := defaultHistoryLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	sessions, err := r.deps.Capture.History(req.Context(), limit)
	if err != nil {
		writeDiagError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"sessions": sessions})
}
