package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/netdiag/internal/ai/circuit"
	"github.com/rcourtman/netdiag/internal/ai/providers"
	"github.com/rcourtman/netdiag/internal/ai/tools"
	"github.com/rcourtman/netdiag/internal/config"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
	"github.com/rcourtman/netdiag/internal/logging"
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Config       *config.Config
	Provider     providers.StreamingProvider
	Catalog      *config.Catalog
	Dialer       tools.Dialer  // defaults to tools.TransportDialer
	Breakers     *circuit.Set  // optional
	Interceptors []Interceptor // e.g. the capture session manager
}

// Service runs diagnostic conversations. Each call to Diagnose builds and
// tears down its own tool registry.
type Service struct {
	cfg          *config.Config
	provider     providers.StreamingProvider
	catalog      *config.Catalog
	dialer       tools.Dialer
	breakers     *circuit.Set
	interceptors []Interceptor
}

// NewService creates a diagnostic service.
func NewService(sc ServiceConfig) *Service {
	cfg := sc.Config
	if cfg == nil {
		cfg = config.Default("")
	}
	catalog := sc.Catalog
	if catalog == nil {
		catalog = config.NewCatalog(nil)
	}
	return &Service{
		cfg:          cfg,
		provider:     sc.Provider,
		catalog:      catalog,
		dialer:       sc.Dialer,
		breakers:     sc.Breakers,
		interceptors: sc.Interceptors,
	}
}

func (s *Service) registryOptions() tools.Options {
	return tools.Options{
		Dialer:         s.dialer,
		ConnectTimeout: s.cfg.ProviderConnectTimeout,
		CallTimeout:    s.cfg.ToolCallTimeout,
		Breakers:       s.breakers,
	}
}

// Diagnose runs one conversation turn and streams events to callback. The
// returned error is non-nil only for failures that end the run (model
// errors, cancellation, invalid requests); tool failures are part of the
// conversation.
func (s *Service) Diagnose(ctx context.Context, req DiagnoseRequest, callback StreamCallback) (*RunResult, error) {
	if s.provider == nil {
		return nil, diagerrors.NewModelError("diagnose", errors.New("no AI provider configured"))
	}
	messages, err := normalizeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if callback == nil {
		callback = func(StreamEvent) {}
	}

	ctx, requestID := logging.WithRequestID(ctx, logging.RequestID(ctx))
	logger := logging.FromContext(ctx)
	started := time.Now()

	snapshot := s.catalog.Providers()
	reg := tools.ConnectAll(ctx, snapshot, s.registryOptions())
	defer reg.CloseAll()

	descs := reg.Descriptors()
	callback(newEvent(EventCapabilities, capabilitiesData(reg)))

	loop := NewAgenticLoop(s.provider, LoopConfig{
		Model:              s.cfg.AIModel,
		MaxRounds:          s.cfg.MaxRounds,
		MaxContextMessages: s.cfg.MaxContextMessages,
		MaxToolResultChars: s.cfg.MaxToolResultChars,
		SystemPrompt:       BuildSystemPrompt(descs, reg.Failures(), s.cfg.CaptureProvider),
	})

	result, err := loop.Run(ctx, WithInterceptors(reg, s.interceptors...), messages, callback)
	if err != nil {
		logger.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("Diagnostic run failed")
		callback(newEvent(EventError, ErrorData{Message: err.Error()}))
		return result, err
	}

	logger.Info().
		Int("rounds", result.Rounds).
		Int("tool_calls", len(result.ToolCalls)).
		Bool("forced_final", result.ForcedFinal).
		Dur("elapsed", time.Since(started)).
		Msg("Diagnostic run complete")

	callback(newEvent(EventDone, DoneData{
		RequestID:    requestID,
		Rounds:       result.Rounds,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}))
	return result, nil
}

// Capabilities connects to every configured provider once, reports what
// is available and disconnects again.
func (s *Service) Capabilities(ctx context.Context) CapabilitiesData {
	reg := tools.ConnectAll(ctx, s.catalog.Providers(), s.registryOptions())
	defer reg.CloseAll()
	return capabilitiesData(reg)
}

func capabilitiesData(reg *tools.Registry) CapabilitiesData {
	data := CapabilitiesData{
		Tools:     []string{},
		Providers: reg.Connected(),
	}
	for _, d := range reg.Descriptors() {
		data.Tools = append(data.Tools, d.QualifiedName)
	}
	for _, f := range reg.Failures() {
		data.Unavailable = append(data.Unavailable, UnavailableProvider{Name: f.Provider, Reason: f.Reason})
	}
	return data
}

// normalizeMessages fills in ids and timestamps and checks that the turn
// ends with a user message.
func normalizeMessages(in []Message) ([]Message, error) {
	if len(in) == 0 {
		return nil, diagerrors.New(diagerrors.ErrorTypeValidation, "diagnose", "", fmt.Errorf("%w: messages are required", diagerrors.ErrInvalidInput))
	}
	out := make([]Message, len(in))
	now := time.Now()
	for i, m := range in {
		switch m.Role {
		case "user", "assistant":
		default:
			return nil, diagerrors.New(diagerrors.ErrorTypeValidation, "diagnose", "", fmt.Errorf("%w: unsupported role %q", diagerrors.ErrInvalidInput, m.Role))
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		out[i] = m
	}

	last := out[len(out)-1]
	if last.Role != "user" || (strings.TrimSpace(last.Content) == "" && last.ToolResult == nil) {
		return nil, diagerrors.New(diagerrors.ErrorTypeValidation, "diagnose", "", fmt.Errorf("%w: conversation must end with a user message", diagerrors.ErrInvalidInput))
	}
	log.Debug().Int("messages", len(out)).Msg("Diagnose request accepted")
	return out, nil
}
