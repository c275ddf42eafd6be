package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/netdiag/internal/capture"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		// Same-host browsers only.
		return strings.HasSuffix(origin, "://"+r.Host)
	},
}

const watchWriteWait = 10 * time.Second

// watchMessage is pushed to /api/capture/watch clients.
type watchMessage struct {
	Type    string           `json:"type"` // "status" or "error"
	Session *capture.Session `json:"session,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// handleCaptureWatch pushes the session status until it reaches a terminal
// state or the client goes away.
func (r *Router) handleCaptureWatch(w http.ResponseWriter, req *http.Request) {
	sessionID := strings.TrimSpace(req.URL.Query().Get("sessionId"))

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade capture watch connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	// Reader only detects the close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(r.deps.WatchInterval)
	defer ticker.Stop()

	for {
		msg, done := r.watchSnapshot(ctx, sessionID)
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("Capture watch client gone")
			return
		}
		if done {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "capture finished"),
				time.Now().Add(watchWriteWait))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchSnapshot returns the next message and whether watching should end.
func (r *Router) watchSnapshot(ctx context.Context, sessionID string) (watchMessage, bool) {
	sess, err := r.deps.Capture.Status(ctx, sessionID)
	if err != nil {
		return watchMessage{Type: "error", Error: err.Error()}, true
	}
	// Nothing to follow once idle or finished.
	finished := sess.Status == capture.StatusIdle || sess.Status.IsTerminal()
	return watchMessage{Type: "status", Session: sess}, finished
}
