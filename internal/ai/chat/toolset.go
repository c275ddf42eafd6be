package chat

import (
	"context"
	"fmt"

	"github.com/rcourtman/netdiag/internal/ai/providers"
	"github.com/rcourtman/netdiag/internal/ai/tools"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

// Toolset is the capability map of one run. *tools.Registry implements it.
type Toolset interface {
	Descriptors() []*tools.Descriptor
	Lookup(name string) (*tools.Descriptor, bool)
	Invoke(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
	CloseAll() error
}

// Interceptor takes over calls to specific qualified tool names. The
// descriptor (and its schema) still comes from the underlying toolset.
type Interceptor interface {
	Handles(name string) bool
	Handle(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
}

type interceptedToolset struct {
	Toolset
	interceptors []Interceptor
}

// WithInterceptors routes matching calls to the first interceptor that
// handles them. Arguments are validated against the descriptor first so
// intercepted calls get the same checks as registry calls.
func WithInterceptors(ts Toolset, interceptors ...Interceptor) Toolset {
	if len(interceptors) == 0 {
		return ts
	}
	return &interceptedToolset{Toolset: ts, interceptors: interceptors}
}

func (t *interceptedToolset) Invoke(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	for _, ic := range t.interceptors {
		if !ic.Handles(name) {
			continue
		}
		desc, ok := t.Lookup(name)
		if !ok {
			return nil, tools.NewToolError(name, tools.KindUnknownTool, fmt.Errorf("%w: %s", diagerrors.ErrUnknownTool, name))
		}
		if err := desc.Validate(args); err != nil {
			return nil, tools.NewToolError(name, tools.KindValidation, fmt.Errorf("%w: %v", diagerrors.ErrInvalidInput, err))
		}
		return ic.Handle(ctx, name, args)
	}
	return t.Toolset.Invoke(ctx, name, args)
}

// providerTools converts descriptors to the model's tool format.
func providerTools(descs []*tools.Descriptor) []providers.Tool {
	out := make([]providers.Tool, 0, len(descs))
	for _, d := range descs {
		out = append(out, providers.Tool{
			Name:        d.QualifiedName,
			Description: d.Description,
			InputSchema: d.InputSchema(),
		})
	}
	return out
}
