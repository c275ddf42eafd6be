// Package capture manages long-running packet capture sessions backed by
// the packet capture tool provider.
package capture

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Status is the lifecycle state of a capture session.
type Status string

const (
	StatusIdle      Status = "idle" // no session has been started
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// rank orders states so updates only move forward.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusStopped, StatusFailed:
		return 3
	default:
		return 0
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s.rank() == 3
}

// HasResult reports whether a capture in this state has analyzable data.
func (s Status) HasResult() bool {
	return s == StatusCompleted || s == StatusStopped
}

// parseProviderStatus maps the provider's vocabulary onto Status.
func parseProviderStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "starting", "queued":
		return StatusPending, true
	case "running", "capturing", "in_progress":
		return StatusRunning, true
	case "completed", "complete", "done", "finished":
		return StatusCompleted, true
	case "stopped", "cancelled", "canceled", "aborted":
		return StatusStopped, true
	case "failed", "error":
		return StatusFailed, true
	default:
		return "", false
	}
}

// Session is a snapshot of a capture session.
type Session struct {
	SessionID        string     `json:"sessionId"`
	Target           string     `json:"target,omitempty"`
	Mode             string     `json:"mode,omitempty"`
	DurationSeconds  int        `json:"durationSeconds,omitempty"`
	Interface        string     `json:"interface,omitempty"`
	Status           Status     `json:"status"`
	StartTime        *time.Time `json:"startTime,omitempty"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	PacketsCaptured  int64      `json:"packetsCaptured"`
	ElapsedSeconds   int        `json:"elapsedSeconds"`
	RemainingSeconds int        `json:"remainingSeconds"`
	Analysis         *Analysis  `json:"analysis,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// IdleSession is returned when nothing has been started yet.
func IdleSession() Session {
	return Session{Status: StatusIdle}
}

// withTiming returns a copy with elapsed and remaining seconds computed at now.
func (s Session) withTiming(now time.Time) Session {
	if s.StartTime == nil {
		return s
	}
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	elapsed := int(math.Floor(end.Sub(*s.StartTime).Seconds()))
	if elapsed < 0 {
		elapsed = 0
	}
	s.ElapsedSeconds = elapsed

	s.RemainingSeconds = 0
	if !s.Status.IsTerminal() && s.DurationSeconds > elapsed {
		s.RemainingSeconds = s.DurationSeconds - elapsed
	}
	return s
}

// Analysis is the structured result of a finished capture.
type Analysis struct {
	Protocols   map[string]int64 `json:"protocols,omitempty"`
	Connections []Connection     `json:"connections,omitempty"`
	DNS         []DNSQuery       `json:"dns,omitempty"`
	Problems    []Problem        `json:"problems,omitempty"`
	Raw         json.RawMessage  `json:"raw,omitempty"`
}

// Connection is one flow observed during the capture.
type Connection struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Protocol    string `json:"protocol,omitempty"`
	Packets     int64  `json:"packets,omitempty"`
	Bytes       int64  `json:"bytes,omitempty"`
	State       string `json:"state,omitempty"`
}

// DNSQuery is one DNS lookup observed during the capture.
type DNSQuery struct {
	Name      string   `json:"name"`
	Type      string   `json:"type,omitempty"`
	Answers   []string `json:"answers,omitempty"`
	RCode     string   `json:"rcode,omitempty"`
	LatencyMs float64  `json:"latency_ms,omitempty"`
}

// Problem is an issue the provider detected in the traffic.
type Problem struct {
	Severity    string `json:"severity,omitempty"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}
