// Package client implements the client role: tool discovery across the
// connected providers and invocation of remote tools.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/pkg/models"
)

var tracer = otel.Tracer("contextd/client")

// maxPages caps cursor following in tools/list.
const maxPages = 16

// Caller is the part of the connection manager the invoker needs.
type Caller interface {
	Call(ctx context.Context, name, method string, params any) (json.RawMessage, error)
	Status(name string) (models.ProviderStatus, bool)
	Statuses() []models.ProviderStatus
}

// Options tunes the invoker. Zero durations take defaults.
type Options struct {
	CallTimeout time.Duration
	ListTimeout time.Duration
}

// ProviderFailure explains why a provider contributed no tools.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// ListResult is the outcome of a discovery round.
type ListResult struct {
	Tools    []models.ToolDescriptor `json:"tools"`
	Failures []ProviderFailure       `json:"failures,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
}

// Invoker discovers and calls remote tools.
type Invoker struct {
	caller   Caller
	registry *registry.Registry
	opts     Options
}

func NewInvoker(caller Caller, reg *registry.Registry, opts Options) *Invoker {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 5 * time.Second
	}
	return &Invoker{caller: caller, registry: reg, opts: opts}
}

// ListTools queries every ready provider in parallel and replaces each
// provider's namespace with its fresh catalogue. A failing provider keeps
// its previous tools marked stale in the registry, is reported in Failures
// and contributes nothing to Tools.
func (inv *Invoker) ListTools(ctx context.Context) (*ListResult, error) {
	ctx, span := tracer.Start(ctx, "client.list_tools")
	defer span.End()

	var (
		mu  sync.Mutex
		res = &ListResult{}
	)
	fail := func(name string, err error) {
		kind := protocol.KindOf(err)
		if kind == protocol.KindUnknown {
			kind = protocol.KindProviderUnavailable
		}
		mu.Lock()
		res.Failures = append(res.Failures, ProviderFailure{Provider: name, Kind: kind.String(), Message: err.Error()})
		res.Warnings = append(res.Warnings, fmt.Sprintf("provider %s: %v", name, err))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range inv.caller.Statuses() {
		if st.State != models.ConnReady {
			inv.registry.MarkStale(st.Name)
			kind := protocol.KindProviderUnavailable.String()
			if st.ErrorKind != "" {
				kind = st.ErrorKind
			}
			msg := fmt.Sprintf("provider is %s", st.State)
			if st.Reason != "" {
				msg += ": " + st.Reason
			}
			mu.Lock()
			res.Failures = append(res.Failures, ProviderFailure{Provider: st.Name, Kind: kind, Message: msg})
			res.Warnings = append(res.Warnings, fmt.Sprintf("provider %s: %s", st.Name, msg))
			mu.Unlock()
			continue
		}
		name := st.Name
		g.Go(func() error {
			descs, err := inv.refresh(gctx, name)
			if err != nil {
				fail(name, err)
				return nil
			}
			mu.Lock()
			res.Tools = append(res.Tools, descs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Tools, func(i, j int) bool { return res.Tools[i].QualifiedName() < res.Tools[j].QualifiedName() })
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Provider < res.Failures[j].Provider })
	sort.Strings(res.Warnings)

	span.SetAttributes(
		attribute.Int("tools.count", len(res.Tools)),
		attribute.Int("providers.failed", len(res.Failures)),
	)
	return res, nil
}

// RefreshProvider re-lists the tools of one provider.
func (inv *Invoker) RefreshProvider(ctx context.Context, name string) ([]models.ToolDescriptor, error) {
	st, ok := inv.caller.Status(name)
	if !ok {
		return nil, protocol.Unavailable(name, errors.New("provider not configured"))
	}
	if st.State != models.ConnReady {
		inv.registry.MarkStale(name)
		return nil, protocol.Unavailable(name, fmt.Errorf("provider is %s", st.State))
	}
	return inv.refresh(ctx, name)
}

func (inv *Invoker) refresh(ctx context.Context, name string) ([]models.ToolDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.opts.ListTimeout)
	defer cancel()

	descs, err := inv.fetch(ctx, name)
	if err != nil {
		inv.registry.MarkStale(name)
		log.Warn().Err(err).Str("provider", name).Msg("Tool listing failed, keeping stale catalogue")
		return nil, err
	}
	if err := inv.registry.ReplaceNamespace(name, descs); err != nil {
		return nil, err
	}
	log.Debug().Str("provider", name).Int("tools", len(descs)).Msg("Provider tools refreshed")
	return inv.registry.Descriptors(name), nil
}

func (inv *Invoker) fetch(ctx context.Context, name string) ([]models.ToolDescriptor, error) {
	var (
		out    []models.ToolDescriptor
		cursor string
		seen   = map[string]bool{}
	)
	for page := 0; page < maxPages; page++ {
		var params any
		if cursor != "" {
			params = protocol.ListParams{Cursor: cursor}
		}
		raw, err := inv.caller.Call(ctx, name, protocol.MethodToolsList, params)
		if err != nil {
			return nil, inv.classify(name, "", err)
		}
		var lr protocol.ListToolsResult
		if err := json.Unmarshal(raw, &lr); err != nil {
			return nil, protocol.Malformed(raw, "tools/list result: "+err.Error())
		}
		for _, t := range lr.Tools {
			if t.Name == "" || seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			out = append(out, descriptorOf(name, t))
		}
		if lr.NextCursor == "" {
			return out, nil
		}
		cursor = lr.NextCursor
	}
	log.Warn().Str("provider", name).Int("pages", maxPages).Msg("Tool listing truncated")
	return out, nil
}

func descriptorOf(provider string, t protocol.Tool) models.ToolDescriptor {
	d := models.ToolDescriptor{
		Namespace:   provider,
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
	if a := t.Annotations; a != nil {
		if a.ReadOnlyHint != nil {
			d.Mutating = !*a.ReadOnlyHint
		} else if a.DestructiveHint != nil {
			d.Mutating = *a.DestructiveHint
		}
	}
	return d
}

// CallTool invokes a remote tool. Arguments are validated against the
// cached schema before anything is sent. A result flagged isError is
// returned together with a ToolExecutionFailed error.
func (inv *Invoker) CallTool(ctx context.Context, provider, tool string, args map[string]any) (*protocol.CallToolResult, error) {
	ctx, span := tracer.Start(ctx, "client.call_tool")
	span.SetAttributes(attribute.String("provider.name", provider), attribute.String("tool.name", tool))
	defer span.End()

	res, err := inv.call(ctx, provider, tool, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, protocol.KindOf(err).String())
	}
	return res, err
}

func (inv *Invoker) call(ctx context.Context, provider, tool string, args map[string]any) (*protocol.CallToolResult, error) {
	st, ok := inv.caller.Status(provider)
	if !ok {
		return nil, protocol.Unavailable(provider, errors.New("provider not configured"))
	}
	if st.State != models.ConnReady {
		return nil, protocol.Unavailable(provider, fmt.Errorf("provider is %s", st.State))
	}
	entry, ok := inv.registry.LookupTool(provider, tool)
	if !ok {
		return nil, protocol.ToolNotFound(provider, tool)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := entry.Validate(args); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, inv.opts.CallTimeout)
	defer cancel()
	raw, err := inv.caller.Call(cctx, provider, protocol.MethodToolsCall, protocol.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, inv.classify(provider, tool, err)
	}
	var res protocol.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, protocol.Malformed(raw, "tools/call result: "+err.Error())
	}
	if res.IsError {
		return &res, protocol.ExecutionFailed(provider, tool, errors.New(res.Text()))
	}
	return &res, nil
}

// classify maps transport-level failures onto protocol kinds.
func (inv *Invoker) classify(provider, tool string, err error) error {
	var (
		pe     *protocol.Error
		rpcErr *protocol.RPCError
	)
	switch {
	case errors.As(err, &pe):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CallTimeout(provider, tool, err)
	case errors.As(err, &rpcErr):
		if tool == "" {
			return protocol.Unavailable(provider, err)
		}
		return protocol.ExecutionFailed(provider, tool, err)
	default:
		return err
	}
}
