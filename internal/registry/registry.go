// Package registry holds the tool catalogue shared by the client and server
// roles. Local tools live in the "local" namespace and never expire;
// remote tools are grouped by provider name and replaced per provider in a
// single step.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/schema"
	"github.com/whispo/contextd/pkg/models"
)

// Handler executes a local tool.
type Handler func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error)

// Binding says how a tool is executed: by a local handler, or by
// forwarding to the named provider.
type Binding struct {
	Handler  Handler
	Provider string
}

func (b Binding) IsLocal() bool { return b.Handler != nil }

// Entry is one registered tool.
type Entry struct {
	Descriptor models.ToolDescriptor
	Binding    Binding
	validator  *schema.Validator
}

// Validate checks args against the entry's input schema.
func (e Entry) Validate(args map[string]any) error {
	return e.validator.Validate(e.Descriptor.Name, args)
}

type catalogue map[string]Entry

// Registry is safe for concurrent use. Writers copy the catalogue and swap
// it in; readers always observe a complete version.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[catalogue]
}

func New() *Registry {
	r := &Registry{}
	empty := catalogue{}
	r.snap.Store(&empty)
	return r
}

// Qualify builds the registry key of a tool.
func Qualify(namespace, name string) string {
	return namespace + "/" + name
}

// Split parses a qualified name. A bare name resolves to the local
// namespace.
func Split(qualified string) (namespace, name string) {
	if ns, n, ok := strings.Cut(qualified, "/"); ok {
		return ns, n
	}
	return models.LocalNamespace, qualified
}

var ErrDuplicate = errors.New("tool already registered")

// RegisterLocal adds a local tool. The descriptor's namespace is forced to
// "local" and its schema must compile.
func (r *Registry) RegisterLocal(desc models.ToolDescriptor, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s: nil handler", desc.Name)
	}
	desc.Namespace = models.LocalNamespace
	v, err := schema.Compile(desc.InputSchema)
	if err != nil {
		return fmt.Errorf("register %s: %w", desc.Name, err)
	}
	key := desc.QualifiedName()

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.snap.Load()
	if _, ok := cur[key]; ok {
		return fmt.Errorf("register %s: %w", key, ErrDuplicate)
	}
	next := cur.clone(len(cur) + 1)
	next[key] = Entry{Descriptor: desc, Binding: Binding{Handler: h}, validator: v}
	r.snap.Store(&next)
	return nil
}

// ReplaceNamespace swaps in the complete catalogue of one provider. Tools
// whose schema cannot be compiled are kept without client-side validation.
func (r *Registry) ReplaceNamespace(provider string, descs []models.ToolDescriptor) error {
	if provider == models.LocalNamespace || provider == "" {
		return fmt.Errorf("cannot replace namespace %q", provider)
	}
	fresh := make(catalogue, len(descs))
	for _, d := range descs {
		d.Namespace = provider
		d.Stale = false
		v, err := schema.Compile(d.InputSchema)
		if err != nil {
			log.Warn().Err(err).Str("provider", provider).Str("tool", d.Name).Msg("Input schema rejected, skipping client-side validation")
			v = nil
		}
		fresh[d.QualifiedName()] = Entry{Descriptor: d, Binding: Binding{Provider: provider}, validator: v}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.snap.Load()
	next := make(catalogue, len(cur)+len(fresh))
	for k, e := range cur {
		if e.Descriptor.Namespace != provider {
			next[k] = e
		}
	}
	for k, e := range fresh {
		next[k] = e
	}
	r.snap.Store(&next)
	return nil
}

// MarkStale flags every tool of a provider as stale.
func (r *Registry) MarkStale(provider string) {
	r.update(provider, func(next catalogue, k string, e Entry) {
		e.Descriptor.Stale = true
		next[k] = e
	})
}

// RemoveNamespace prunes every tool of a provider.
func (r *Registry) RemoveNamespace(provider string) {
	r.update(provider, func(next catalogue, k string, _ Entry) {
		delete(next, k)
	})
}

func (r *Registry) update(provider string, fn func(next catalogue, key string, e Entry)) {
	if provider == models.LocalNamespace {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.snap.Load()
	next := cur.clone(len(cur))
	changed := false
	for k, e := range cur {
		if e.Descriptor.Namespace == provider {
			fn(next, k, e)
			changed = true
		}
	}
	if changed {
		r.snap.Store(&next)
	}
}

// Lookup finds a tool by qualified name. A bare name is looked up in the
// local namespace.
func (r *Registry) Lookup(qualified string) (Entry, bool) {
	ns, name := Split(qualified)
	return r.LookupTool(ns, name)
}

func (r *Registry) LookupTool(namespace, name string) (Entry, bool) {
	e, ok := (*r.snap.Load())[Qualify(namespace, name)]
	return e, ok
}

// List returns every entry sorted by qualified name.
func (r *Registry) List() []Entry {
	return r.filter(func(Entry) bool { return true })
}

// Namespace returns the entries of one namespace sorted by name.
func (r *Registry) Namespace(ns string) []Entry {
	return r.filter(func(e Entry) bool { return e.Descriptor.Namespace == ns })
}

// Descriptors returns the descriptors of one namespace.
func (r *Registry) Descriptors(ns string) []models.ToolDescriptor {
	entries := r.Namespace(ns)
	out := make([]models.ToolDescriptor, len(entries))
	for i, e := range entries {
		out[i] = e.Descriptor
	}
	return out
}

func (r *Registry) Len() int { return len(*r.snap.Load()) }

func (r *Registry) filter(keep func(Entry) bool) []Entry {
	cur := *r.snap.Load()
	out := make([]Entry, 0, len(cur))
	for _, e := range cur {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.QualifiedName() < out[j].Descriptor.QualifiedName()
	})
	return out
}

func (c catalogue) clone(capacity int) catalogue {
	out := make(catalogue, capacity)
	for k, v := range c {
		out[k] = v
	}
	return out
}
