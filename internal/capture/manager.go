package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

const (
	DefaultDurationSeconds = 30
	MaxDurationSeconds     = 3600
	DefaultMode            = "auto"

	defaultRetainedSessions = 100
)

// StartRequest describes a capture to start.
type StartRequest struct {
	Target          string `json:"target"`
	DurationSeconds int    `json:"duration"`
	Mode            string `json:"mode"`
	Interface       string `json:"interface,omitempty"`
}

func (r *StartRequest) normalize() error {
	r.Target = strings.TrimSpace(r.Target)
	if r.Target == "" {
		return fmt.Errorf("%w: target is required", diagerrors.ErrInvalidInput)
	}
	if r.DurationSeconds == 0 {
		r.DurationSeconds = DefaultDurationSeconds
	}
	if r.DurationSeconds < 1 || r.DurationSeconds > MaxDurationSeconds {
		return fmt.Errorf("%w: duration must be between 1 and %d seconds", diagerrors.ErrInvalidInput, MaxDurationSeconds)
	}
	r.Mode = strings.TrimSpace(r.Mode)
	if r.Mode == "" {
		r.Mode = DefaultMode
	}
	return nil
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Caller  Caller
	History HistoryStore // optional
	// Retain bounds how many sessions stay addressable in memory.
	Retain int
}

// Manager owns capture sessions. The provider runs the capture; the
// manager adds session identity, timing and latest-session resolution.
type Manager struct {
	caller  Caller
	history HistoryStore
	metrics *CaptureMetrics
	now     func() time.Time
	retain  int

	mu             sync.Mutex
	sessions       map[string]*Session
	order          []string // start order, oldest first
	latest         string
	latestByTarget map[string]string
	recorded       map[string]bool
}

// NewManager creates a capture session manager.
func NewManager(cfg ManagerConfig) *Manager {
	retain := cfg.Retain
	if retain <= 0 {
		retain = defaultRetainedSessions
	}
	return &Manager{
		caller:         cfg.Caller,
		history:        cfg.History,
		metrics:        GetCaptureMetrics(),
		now:            time.Now,
		retain:         retain,
		sessions:       make(map[string]*Session),
		latestByTarget: make(map[string]string),
		recorded:       make(map[string]bool),
	}
}

// Start asks the provider to begin a capture and records the new session
// as the latest one, both overall and for its target.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if err := req.normalize(); err != nil {
		return nil, diagerrors.New(diagerrors.ErrorTypeValidation, "start_capture", req.Target, err)
	}

	args := map[string]any{
		"target":   req.Target,
		"duration": req.DurationSeconds,
		"mode":     req.Mode,
	}
	if req.Interface != "" {
		args["interface"] = req.Interface
	}

	res, err := m.caller.Call(ctx, OpStart, args)
	if err != nil {
		return nil, err
	}
	ps, err := decodeProviderSession(OpStart, res)
	if err != nil {
		return nil, diagerrors.New(diagerrors.ErrorTypeToolInvocation, "start_capture", req.Target, err)
	}
	if ps.SessionID == "" {
		return nil, diagerrors.New(diagerrors.ErrorTypeToolInvocation, "start_capture", req.Target, errors.New("provider did not return a session id"))
	}

	start := m.now()
	sess := &Session{
		SessionID:       ps.SessionID,
		Target:          req.Target,
		Mode:            req.Mode,
		DurationSeconds: req.DurationSeconds,
		Interface:       req.Interface,
		Status:          StatusPending,
		StartTime:       &start,
	}
	m.mu.Lock()
	m.track(sess)
	m.applyLocked(sess, ps)
	out := sess.withTiming(m.now())
	m.mu.Unlock()

	m.metrics.RecordStart(req.Mode)
	log.Info().
		Str("session_id", sess.SessionID).
		Str("target", req.Target).
		Str("mode", req.Mode).
		Int("duration", req.DurationSeconds).
		Msg("Capture session started")

	m.recordIfTerminal(ctx, &out)
	return &out, nil
}

// Status refreshes a session from the provider. An empty id resolves to
// the most recently started session; with no sessions at all the idle
// shape is returned.
func (m *Manager) Status(ctx context.Context, sessionID string) (*Session, error) {
	id, ok := m.resolveID(sessionID)
	if !ok {
		idle := IdleSession()
		return &idle, nil
	}
	return m.refresh(ctx, id, "capture_status")
}

// Stop ends a pending or running session. Stopping a terminal session is
// a no-op that still succeeds.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*Session, error) {
	id, ok := m.resolveID(sessionID)
	if !ok {
		return nil, diagerrors.NewSessionNotFound("stop_capture", sessionID)
	}

	sess, known := m.snapshot(id)
	if !known {
		adopted, err := m.refresh(ctx, id, "stop_capture")
		if err != nil {
			return nil, err
		}
		sess = *adopted
	}
	if sess.Status.IsTerminal() {
		return &sess, nil
	}

	res, err := m.caller.Call(ctx, OpStop, map[string]any{"session_id": id})
	if err != nil {
		return nil, err
	}
	ps, err := decodeProviderSession(OpStop, res)
	if err != nil {
		return nil, diagerrors.New(diagerrors.ErrorTypeToolInvocation, "stop_capture", id, err)
	}
	if !terminalStatus(ps.Status) {
		ps.Status = string(StatusStopped)
	}

	out, err := m.update(id, ps)
	if err != nil {
		return nil, err
	}
	log.Info().Str("session_id", id).Str("status", string(out.Status)).Msg("Capture session stopped")
	m.recordIfTerminal(ctx, out)
	return out, nil
}

// Result returns the session with its analysis once the capture has
// finished. For a session that is still running the analysis is unset.
func (m *Manager) Result(ctx context.Context, sessionID string) (*Session, error) {
	id, ok := m.resolveID(sessionID)
	if !ok {
		return nil, diagerrors.NewSessionNotFound("capture_result", sessionID)
	}

	sess, known := m.snapshot(id)
	if !known || !sess.Status.IsTerminal() {
		refreshed, err := m.refresh(ctx, id, "capture_result")
		if err != nil {
			return nil, err
		}
		sess = *refreshed
	}
	if !sess.Status.HasResult() || sess.Analysis != nil {
		return &sess, nil
	}

	res, err := m.caller.Call(ctx, OpResult, map[string]any{"session_id": id})
	if err != nil {
		return nil, err
	}
	ps, err := decodeProviderSession(OpResult, res)
	if err != nil {
		return nil, diagerrors.New(diagerrors.ErrorTypeToolInvocation, "capture_result", id, err)
	}
	analysis, err := decodeAnalysis(res, ps)
	if err != nil {
		return nil, diagerrors.New(diagerrors.ErrorTypeToolInvocation, "capture_result", id, err)
	}

	m.mu.Lock()
	stored := m.sessions[id]
	if stored != nil {
		m.applyLocked(stored, ps)
		if stored.Analysis == nil {
			stored.Analysis = analysis
		}
		sess = stored.withTiming(m.now())
	}
	m.mu.Unlock()
	return &sess, nil
}

// Latest returns the most recent session started for target.
func (m *Manager) Latest(target string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.latestByTarget[strings.TrimSpace(target)]
	if !ok {
		return nil, false
	}
	s := m.sessions[id].withTiming(m.now())
	return &s, true
}

// Sessions returns every retained session, newest first.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Session, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.sessions[m.order[i]].withTiming(now))
	}
	return out
}

// History returns terminal sessions from the history store, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]Session, error) {
	if m.history == nil {
		return []Session{}, nil
	}
	return m.history.List(ctx, limit)
}

// resolveID applies the latest-session rule for empty ids.
func (m *Manager) resolveID(sessionID string) (string, bool) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		return sessionID, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == "" {
		return "", false
	}
	return m.latest, true
}

func (m *Manager) snapshot(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.withTiming(m.now()), true
}

// refresh polls the provider for id. A terminal session is returned from
// memory without a provider round trip. An id the manager has never seen
// is adopted when the provider knows it.
func (m *Manager) refresh(ctx context.Context, id, op string) (*Session, error) {
	if sess, ok := m.snapshot(id); ok && sess.Status.IsTerminal() {
		return &sess, nil
	}

	res, err := m.caller.Call(ctx, OpStatus, map[string]any{"session_id": id})
	if err != nil {
		if _, known := m.snapshot(id); !known {
			return nil, diagerrors.NewSessionNotFound(op, id)
		}
		return nil, err
	}
	ps, err := decodeProviderSession(OpStatus, res)
	if err != nil {
		if _, known := m.snapshot(id); !known {
			return nil, diagerrors.NewSessionNotFound(op, id)
		}
		return nil, diagerrors.New(diagerrors.ErrorTypeToolInvocation, op, id, err)
	}
	if _, ok := parseProviderStatus(ps.Status); !ok {
		if _, known := m.snapshot(id); !known {
			return nil, diagerrors.NewSessionNotFound(op, id)
		}
	}

	m.mu.Lock()
	if _, known := m.sessions[id]; !known {
		start := m.now()
		adopted := &Session{SessionID: id, Target: ps.Target, Interface: ps.Interface, Status: StatusPending, StartTime: &start}
		m.trackAdopted(adopted)
		log.Info().Str("session_id", id).Msg("Adopted capture session started outside this manager")
	}
	m.mu.Unlock()

	out, err := m.update(id, ps)
	if err != nil {
		return nil, err
	}
	m.recordIfTerminal(ctx, out)
	return out, nil
}

// update applies a provider observation and returns the new snapshot.
func (m *Manager) update(id string, ps *providerSession) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, diagerrors.NewSessionNotFound("update", id)
	}
	m.applyLocked(sess, ps)
	out := sess.withTiming(m.now())
	return &out, nil
}

// applyLocked merges a provider observation. Status never moves backwards
// and terminal sessions only pick up late packet counts.
func (m *Manager) applyLocked(sess *Session, ps *providerSession) {
	if ps.PacketsCaptured != nil && *ps.PacketsCaptured > sess.PacketsCaptured {
		sess.PacketsCaptured = *ps.PacketsCaptured
	}
	if sess.Status.IsTerminal() {
		return
	}
	if sess.Interface == "" && ps.Interface != "" {
		sess.Interface = ps.Interface
	}
	if sess.Target == "" && ps.Target != "" {
		sess.Target = ps.Target
	}

	next, ok := parseProviderStatus(ps.Status)
	if !ok || next.rank() <= sess.Status.rank() {
		return
	}
	sess.Status = next
	if next.IsTerminal() {
		end := m.now()
		sess.EndTime = &end
		if next == StatusFailed {
			sess.Error = ps.Error
		}
	}
}

func terminalStatus(raw string) bool {
	s, ok := parseProviderStatus(raw)
	return ok && s.IsTerminal()
}

// track registers a freshly started session and moves the latest pointers.
func (m *Manager) track(sess *Session) {
	m.latest = sess.SessionID
	m.latestByTarget[sess.Target] = sess.SessionID
	m.trackAdopted(sess)
}

// trackAdopted registers a session without making it the latest.
func (m *Manager) trackAdopted(sess *Session) {
	if _, exists := m.sessions[sess.SessionID]; !exists {
		m.order = append(m.order, sess.SessionID)
	}
	m.sessions[sess.SessionID] = sess
	m.evictLocked()
}

// evictLocked drops the oldest terminal sessions beyond the retain limit.
// The overall latest session is always kept.
func (m *Manager) evictLocked() {
	if len(m.order) <= m.retain {
		return
	}

	excess := len(m.order) - m.retain
	kept := m.order[:0]
	for _, id := range m.order {
		sess := m.sessions[id]
		if excess > 0 && id != m.latest && sess.Status.IsTerminal() {
			if m.latestByTarget[sess.Target] == id {
				delete(m.latestByTarget, sess.Target)
			}
			delete(m.sessions, id)
			delete(m.recorded, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// recordIfTerminal writes a finished session to history once.
func (m *Manager) recordIfTerminal(ctx context.Context, sess *Session) {
	if !sess.Status.IsTerminal() {
		return
	}
	m.mu.Lock()
	if m.recorded[sess.SessionID] {
		m.mu.Unlock()
		return
	}
	m.recorded[sess.SessionID] = true
	m.mu.Unlock()

	m.metrics.RecordFinished(sess.Status)
	log.Info().
		Str("session_id", sess.SessionID).
		Str("status", string(sess.Status)).
		Int64("packets", sess.PacketsCaptured).
		Msg("Capture session finished")

	if m.history == nil {
		return
	}
	if err := m.history.Record(ctx, *sess); err != nil {
		log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Failed to record capture history")
	}
}
