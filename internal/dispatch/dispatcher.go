// Package dispatch routes inbound tool calls to local handlers.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/pkg/models"
)

var tracer = otel.Tracer("contextd/dispatch")

// Dispatcher executes local tools. Read-only tools run concurrently;
// invocations of the same mutating tool are serialized.
type Dispatcher struct {
	registry *registry.Registry

	mu    sync.Mutex
	locks map[string]chan struct{}
}

func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{registry: reg, locks: make(map[string]chan struct{})}
}

// List returns the descriptors of the local tools.
func (d *Dispatcher) List() []models.ToolDescriptor {
	return d.registry.Descriptors(models.LocalNamespace)
}

// Dispatch validates args and runs the named local tool. Handler failures
// are reported as ToolExecutionFailed with the cause preserved.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (*protocol.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "dispatch.tool")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	res, err := d.dispatch(ctx, name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, protocol.KindOf(err).String())
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, args map[string]any) (*protocol.CallToolResult, error) {
	entry, ok := d.registry.LookupTool(models.LocalNamespace, name)
	if !ok || !entry.Binding.IsLocal() {
		return nil, protocol.ToolNotFound("", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := entry.Validate(args); err != nil {
		return nil, err
	}

	if entry.Descriptor.Mutating {
		release, err := d.acquire(ctx, name)
		if err != nil {
			return nil, protocol.ExecutionFailed("", name, err)
		}
		defer release()
	}

	res, err := entry.Binding.Handler(ctx, args)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) && (pe.Kind == protocol.KindInvalidArguments || pe.Kind == protocol.KindToolNotFound) {
			return nil, err
		}
		log.Debug().Err(err).Str("tool", name).Msg("Local tool failed")
		return nil, protocol.ExecutionFailed("", name, err)
	}
	if res == nil {
		res = &protocol.CallToolResult{Content: []protocol.Content{}}
	}
	return res, nil
}

func (d *Dispatcher) acquire(ctx context.Context, name string) (func(), error) {
	d.mu.Lock()
	sem, ok := d.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		d.locks[name] = sem
	}
	d.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
