package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/netdiag/internal/ai/circuit"
	"github.com/rcourtman/netdiag/internal/config"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultCallTimeout    = 60 * time.Second
	defaultConnectWorkers = 8

	// settleGrace is how long a cancelled call may take to return before
	// it is abandoned.
	settleGrace = 250 * time.Millisecond
)

// Options configures ConnectAll.
type Options struct {
	Dialer         Dialer
	ConnectTimeout time.Duration // per provider, unless the provider overrides it
	CallTimeout    time.Duration // per invocation, unless the provider overrides it
	Breakers       *circuit.Set  // optional, shared across runs
	ConnectWorkers int
}

// ProviderFailure records a provider that did not make it into the registry.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"` // circuit_open, timeout, connect, list_tools
	Error    string `json:"error"`
}

// Result is a successful tool invocation.
type Result struct {
	Tool       string          `json:"tool"`
	Provider   string          `json:"provider"`
	Text       string          `json:"text,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Content returns the payload fed back to the model.
func (r *Result) Content() string {
	if r.Text != "" {
		return r.Text
	}
	if len(r.Structured) > 0 {
		return string(r.Structured)
	}
	return "(no output)"
}

// Registry owns the provider connections and capability map of a single
// orchestration run. It is not shared between runs.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	conns       map[string]Connection
	providers   map[string]config.ProviderConfig
	tools       CapabilityMap
	failures    []ProviderFailure
	callTimeout time.Duration
	metrics     *RegistryMetrics
}

type connectOutcome struct {
	conn    Connection
	tools   []RemoteTool
	failure *ProviderFailure
}

// ConnectAll connects to every enabled provider in parallel and merges
// their catalogs. It never fails: unreachable providers are logged,
// recorded in Failures and left out of the capability map.
func ConnectAll(ctx context.Context, providers []config.ProviderConfig, opts Options) *Registry {
	if opts.Dialer == nil {
		opts.Dialer = TransportDialer{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.ConnectWorkers <= 0 {
		opts.ConnectWorkers = defaultConnectWorkers
	}

	regCtx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		ctx:         regCtx,
		cancel:      cancel,
		conns:       make(map[string]Connection),
		providers:   make(map[string]config.ProviderConfig),
		tools:       make(CapabilityMap),
		callTimeout: opts.CallTimeout,
		metrics:     GetRegistryMetrics(),
	}

	enabled := make([]config.ProviderConfig, 0, len(providers))
	for _, p := range providers {
		if p.Disabled {
			continue
		}
		enabled = append(enabled, p)
	}

	outcomes := make([]connectOutcome, len(enabled))
	var g errgroup.Group
	g.SetLimit(opts.ConnectWorkers)
	for i, p := range enabled {
		g.Go(func() error {
			outcomes[i] = connectOne(ctx, p, opts)
			return nil
		})
	}
	_ = g.Wait()

	// Merge in configuration order so duplicate handling is deterministic.
	for i, p := range enabled {
		out := outcomes[i]
		if out.failure != nil {
			r.failures = append(r.failures, *out.failure)
			r.metrics.RecordConnectFailure(p.Name, out.failure.Reason)
			log.Warn().
				Str("provider", p.Name).
				Str("reason", out.failure.Reason).
				Str("error", out.failure.Error).
				Msg("Tool provider unavailable, continuing without it")
			continue
		}
		r.conns[p.Name] = out.conn
		r.providers[p.Name] = p
		r.addTools(p.Name, out.tools)
	}

	log.Info().
		Int("providers", len(r.conns)).
		Int("failed", len(r.failures)).
		Int("tools", len(r.tools)).
		Msg("Tool registry ready")
	return r
}

func connectOne(ctx context.Context, p config.ProviderConfig, opts Options) connectOutcome {
	var breaker *circuit.Breaker
	if opts.Breakers != nil {
		breaker = opts.Breakers.For(p.Name)
		if !breaker.Allow() {
			return connectOutcome{failure: &ProviderFailure{Provider: p.Name, Reason: "circuit_open", Error: "provider recently failed; retry later"}}
		}
	}

	timeout := p.ConnectTimeout.Std()
	if timeout <= 0 {
		timeout = opts.ConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type dialResult struct {
		conn  Connection
		tools []RemoteTool
		stage string
		err   error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := opts.Dialer.Dial(cctx, p)
		if err != nil {
			ch <- dialResult{stage: "connect", err: err}
			return
		}
		tools, err := conn.ListTools(cctx)
		if err != nil {
			_ = conn.Close()
			ch <- dialResult{stage: "list_tools", err: err}
			return
		}
		ch <- dialResult{conn: conn, tools: tools}
	}()

	var res dialResult
	select {
	case res = <-ch:
	case <-cctx.Done():
		// Close a connection that completes after we gave up on it.
		go func() {
			if late := <-ch; late.conn != nil {
				_ = late.conn.Close()
			}
		}()
		res = dialResult{stage: "connect", err: cctx.Err()}
	}

	if res.err != nil {
		reason := res.stage
		if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		if breaker != nil {
			breaker.RecordFailure(res.err)
		}
		return connectOutcome{failure: &ProviderFailure{Provider: p.Name, Reason: reason, Error: res.err.Error()}}
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}
	return connectOutcome{conn: res.conn, tools: res.tools}
}

func (r *Registry) addTools(provider string, remote []RemoteTool) {
	for _, t := range remote {
		d, err := NewDescriptor(provider, t)
		if d == nil {
			log.Warn().Err(err).Str("provider", provider).Msg("Skipping malformed tool")
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("tool", d.QualifiedName).Msg("Tool schema only partially enforced")
		}
		if _, dup := r.tools[d.QualifiedName]; dup {
			log.Warn().Str("tool", d.QualifiedName).Msg("Duplicate tool name from provider, keeping first")
			continue
		}
		r.tools[d.QualifiedName] = d
	}
}

// Capabilities returns a copy of the capability map.
func (r *Registry) Capabilities() CapabilityMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(CapabilityMap, len(r.tools))
	for k, v := range r.tools {
		out[k] = v
	}
	return out
}

// Descriptors returns all tools sorted by qualified name.
func (r *Registry) Descriptors() []*Descriptor {
	return r.Capabilities().Sorted()
}

// Lookup returns the descriptor for a qualified name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Failures lists providers that did not connect.
func (r *Registry) Failures() []ProviderFailure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderFailure, len(r.failures))
	copy(out, r.failures)
	return out
}

// Connected lists the providers with an open connection, sorted.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for name := range r.conns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke validates args and calls the owning provider with a per-call
// timeout. Every failure is returned as a *ToolError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	start := time.Now()

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, NewToolError(name, KindClosed, diagerrors.ErrRegistryClosed)
	}
	desc, ok := r.tools[name]
	if !ok {
		r.mu.RUnlock()
		return nil, NewToolError(name, KindUnknownTool, fmt.Errorf("%w: %s", diagerrors.ErrUnknownTool, name))
	}
	conn := r.conns[desc.Provider]
	timeout := r.callTimeout
	if pt := r.providers[desc.Provider].CallTimeout.Std(); pt > 0 {
		timeout = pt
	}
	r.inflight.Add(1)
	r.mu.RUnlock()
	defer r.inflight.Done()

	res, toolErr := r.call(ctx, conn, desc, args, timeout)
	elapsed := time.Since(start)
	if toolErr != nil {
		r.metrics.RecordCall(desc.Provider, string(toolErr.Kind), elapsed)
		log.Debug().
			Str("tool", name).
			Str("kind", string(toolErr.Kind)).
			Dur("duration", elapsed).
			Msg("Tool call failed")
		return nil, toolErr
	}
	r.metrics.RecordCall(desc.Provider, "ok", elapsed)
	res.Duration = elapsed
	return res, nil
}

func (r *Registry) call(ctx context.Context, conn Connection, desc *Descriptor, args map[string]any, timeout time.Duration) (*Result, *ToolError) {
	if err := desc.Validate(args); err != nil {
		return nil, NewToolError(desc.QualifiedName, KindValidation, fmt.Errorf("%w: %v", diagerrors.ErrInvalidInput, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	type outcome struct {
		res *CallResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := conn.CallTool(callCtx, desc.LocalName, args)
		ch <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-callCtx.Done():
		select {
		case out = <-ch:
		case <-time.After(settleGrace):
			out = outcome{err: callCtx.Err()}
		}
	}

	if out.err != nil {
		switch {
		case r.ctx.Err() != nil:
			return nil, NewToolError(desc.QualifiedName, KindClosed, diagerrors.ErrRegistryClosed)
		case ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, NewToolError(desc.QualifiedName, KindTimeout, fmt.Errorf("%w after %s", diagerrors.ErrTimeout, timeout))
		default:
			return nil, NewToolError(desc.QualifiedName, KindProvider, out.err)
		}
	}
	if out.res == nil {
		return nil, NewToolError(desc.QualifiedName, KindProvider, errors.New("provider returned no result"))
	}
	if out.res.IsError {
		msg := out.res.Text
		if msg == "" {
			msg = "provider reported an error"
		}
		te := NewToolError(desc.QualifiedName, KindProvider, errors.New(msg))
		te.Code = out.res.Code
		return nil, te
	}
	return &Result{
		Tool:       desc.QualifiedName,
		Provider:   desc.Provider,
		Text:       out.res.Text,
		Structured: out.res.Structured,
	}, nil
}

// CloseAll cancels in-flight calls, waits for them to settle and then
// closes every connection exactly once. Later calls return the first result.
func (r *Registry) CloseAll() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.cancel()
		names := make([]string, 0, len(r.conns))
		for name := range r.conns {
			names = append(names, name)
		}
		r.mu.Unlock()

		r.inflight.Wait()

		sort.Strings(names)
		var errs []error
		for _, name := range names {
			if err := r.conns[name].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
		r.closeErr = errors.Join(errs...)
		log.Debug().Int("providers", len(names)).Msg("Tool registry closed")
	})
	return r.closeErr
}
