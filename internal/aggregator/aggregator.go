// Package aggregator assembles the context snapshot handed to transcript
// enhancement. Local state and provider context are gathered in parallel
// within a fixed wall-clock budget; whatever has not arrived when the
// budget runs out is left out.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/pkg/models"
)

var tracer = otel.Tracer("contextd/aggregator")

// Well-known provider tools pulled when a provider names no context tools.
const (
	ToolActiveFile  = "get_active_file"
	ToolProjectInfo = "get_project_info"
	ToolContext     = "get_context"
	ToolGlossary    = "get_glossary"
)

var defaultContextTools = []string{ToolActiveFile, ToolContext, ToolGlossary, ToolProjectInfo}

// ActiveAppLookup reports the foreground application. A nil app with a nil
// error means nothing is known.
type ActiveAppLookup interface {
	ActiveApp(ctx context.Context) (*models.ActiveApp, error)
}

// ToolCaller invokes provider tools; it is satisfied by client.Invoker.
type ToolCaller interface {
	CallTool(ctx context.Context, provider, tool string, args map[string]any) (*protocol.CallToolResult, error)
}

// ProviderSource lists the providers currently ready.
type ProviderSource interface {
	ReadyProviders() []models.ProviderConfig
}

// Enhancer rewrites a transcript using a snapshot.
type Enhancer interface {
	Enhance(ctx context.Context, transcript string, snap *models.ContextSnapshot) (string, error)
}

type Options struct {
	Apps      ActiveAppLookup
	Glossary  store.GlossaryStore
	History   store.HistoryStore
	Providers ProviderSource
	Tools     ToolCaller
	Registry  *registry.Registry
	Enhancer  Enhancer

	// Awareness returns the current context-awareness settings.
	Awareness func() models.ContextAwareness

	// Budget bounds BuildSnapshot. ProviderTimeout bounds each provider's
	// pull and defaults to 80% of Budget.
	Budget          time.Duration
	ProviderTimeout time.Duration
	RecentItems     int
}

// DefaultAwareness enables every source.
func DefaultAwareness() models.ContextAwareness {
	return models.ContextAwareness{
		UseFileContext:        true,
		UseProjectContext:     true,
		UseGlossary:           true,
		UseRecentInteractions: true,
		MaxContextLength:      4096,
	}
}

type Aggregator struct {
	opts Options
}

func New(opts Options) *Aggregator {
	if opts.Budget <= 0 {
		opts.Budget = 1500 * time.Millisecond
	}
	if opts.ProviderTimeout <= 0 || opts.ProviderTimeout > opts.Budget {
		opts.ProviderTimeout = opts.Budget * 4 / 5
	}
	if opts.RecentItems <= 0 {
		opts.RecentItems = 5
	}
	if opts.Awareness == nil {
		opts.Awareness = DefaultAwareness
	}
	return &Aggregator{opts: opts}
}

// part is one finished contribution to a snapshot. Exactly one of local
// and provider is set; the two name spaces never mix.
type part struct {
	local    string
	provider string
	apply    func(p *models.SnapshotParts)
	err      error
}

// providerContext is what one provider returned.
type providerContext struct {
	values   map[string]string
	file     string
	glossary []models.GlossaryEntry
}

// BuildSnapshot gathers context and always returns within the budget.
// Providers that fail or do not answer in time are listed as omitted.
func (a *Aggregator) BuildSnapshot(ctx context.Context) (*models.ContextSnapshot, error) {
	ctx, span := tracer.Start(ctx, "aggregator.build_snapshot")
	defer span.End()

	aw := a.opts.Awareness()
	ctx, cancel := context.WithTimeout(ctx, a.opts.Budget)
	defer cancel()

	tasks := a.localTasks(aw)
	var providers []string
	if (aw.UseFileContext || aw.UseProjectContext || aw.UseGlossary) && a.opts.Providers != nil && a.opts.Tools != nil {
		for _, cfg := range a.opts.Providers.ReadyProviders() {
			tools := a.contextTools(cfg, aw)
			if len(tools) == 0 {
				continue
			}
			providers = append(providers, cfg.Name)
			tasks = append(tasks, a.providerTask(cfg.Name, tools, aw))
		}
	}

	results := make(chan part, len(tasks))
	for _, task := range tasks {
		go func(task func(context.Context) part) { results <- task(ctx) }(task)
	}

	parts := models.SnapshotParts{ProviderContext: map[string]map[string]string{}}
	pending := map[string]bool{}
	for _, name := range providers {
		pending[name] = true
	}
	var providerParts []part

collect:
	for received := 0; received < len(tasks); received++ {
		select {
		case p := <-results:
			if p.provider != "" {
				delete(pending, p.provider)
				if p.err != nil {
					log.Debug().Err(p.err).Str("provider", p.provider).Msg("Provider context omitted")
					parts.Omitted = append(parts.Omitted, p.provider)
					continue
				}
				providerParts = append(providerParts, p)
				continue
			}
			if p.err != nil {
				log.Warn().Err(p.err).Str("source", p.local).Msg("Local context unavailable")
				continue
			}
			p.apply(&parts)
		case <-ctx.Done():
			break collect
		}
	}
	for name := range pending {
		parts.Omitted = append(parts.Omitted, name)
	}

	// Apply provider parts in name order so merged fields are deterministic.
	sort.Slice(providerParts, func(i, j int) bool { return providerParts[i].provider < providerParts[j].provider })
	for _, p := range providerParts {
		p.apply(&parts)
	}
	parts.CreatedAt = time.Now().UTC()

	span.SetAttributes(
		attribute.Int("providers.queried", len(providers)),
		attribute.Int("providers.omitted", len(parts.Omitted)),
	)
	return models.NewContextSnapshot(parts), nil
}

func (a *Aggregator) localTasks(aw models.ContextAwareness) []func(context.Context) part {
	limit := aw.MaxContextLength
	var tasks []func(context.Context) part

	if a.opts.Apps != nil {
		tasks = append(tasks, func(ctx context.Context) part {
			app, err := a.opts.Apps.ActiveApp(ctx)
			return part{local: "active_app", err: err, apply: func(p *models.SnapshotParts) {
				if app == nil {
					return
				}
				cp := *app
				if !aw.UseFileContext {
					cp.FilePath = ""
				}
				p.ActiveApp = &cp
				if cp.FilePath != "" {
					p.ActiveFile = cp.FilePath
				}
			}}
		})
	}
	if aw.UseGlossary && a.opts.Glossary != nil {
		tasks = append(tasks, func(ctx context.Context) part {
			g, err := a.opts.Glossary.Glossary(ctx)
			return part{local: "glossary", err: err, apply: func(p *models.SnapshotParts) {
				p.Glossary = mergeGlossary(g, p.Glossary)
			}}
		})
	}
	if aw.UseRecentInteractions && a.opts.History != nil {
		tasks = append(tasks, func(ctx context.Context) part {
			items, err := a.opts.History.ListHistory(ctx, store.ListFilter{Limit: a.opts.RecentItems})
			return part{local: "history", err: err, apply: func(p *models.SnapshotParts) {
				for _, item := range items {
					p.RecentTranscripts = append(p.RecentTranscripts, truncate(item.Transcript, limit))
				}
			}}
		})
	}
	return tasks
}

// contextTools picks which of a provider's tools to pull.
func (a *Aggregator) contextTools(cfg models.ProviderConfig, aw models.ContextAwareness) []string {
	candidates := cfg.ContextTools
	explicit := len(candidates) > 0
	if !explicit {
		candidates = defaultContextTools
	}
	var out []string
	for _, name := range candidates {
		switch name {
		case ToolActiveFile:
			if !aw.UseFileContext {
				continue
			}
		case ToolGlossary:
			if !aw.UseGlossary {
				continue
			}
		default:
			if !aw.UseProjectContext {
				continue
			}
		}
		if a.opts.Registry != nil {
			if _, ok := a.opts.Registry.LookupTool(cfg.Name, name); !ok {
				if explicit {
					log.Debug().Str("provider", cfg.Name).Str("tool", name).Msg("Configured context tool not offered by provider")
				}
				continue
			}
		}
		out = append(out, name)
	}
	return out
}

func (a *Aggregator) providerTask(name string, tools []string, aw models.ContextAwareness) func(context.Context) part {
	return func(ctx context.Context) part {
		ctx, cancel := context.WithTimeout(ctx, a.opts.ProviderTimeout)
		defer cancel()

		pc := providerContext{values: map[string]string{}}
		var errs []error
		for _, tool := range tools {
			res, err := a.opts.Tools.CallTool(ctx, name, tool, map[string]any{})
			if err != nil {
				errs = append(errs, err)
				if ctx.Err() != nil {
					break
				}
				continue
			}
			text := strings.TrimSpace(res.Text())
			switch tool {
			case ToolGlossary:
				pc.glossary = parseGlossary(res)
			case ToolActiveFile:
				pc.file = firstLine(text)
				pc.values[tool] = truncate(text, aw.MaxContextLength)
			default:
				pc.values[tool] = truncate(text, aw.MaxContextLength)
			}
		}
		if len(pc.values) == 0 && len(pc.glossary) == 0 && len(errs) > 0 {
			return part{provider: name, err: errors.Join(errs...)}
		}
		return part{provider: name, apply: func(p *models.SnapshotParts) {
			if len(pc.values) > 0 {
				p.ProviderContext[name] = pc.values
			}
			if p.ActiveFile == "" && pc.file != "" {
				p.ActiveFile = pc.file
			}
			p.Glossary = mergeGlossary(p.Glossary, pc.glossary)
		}}
	}
}

// Enhance hands transcript and snapshot to the enhancer and returns its
// output unchanged. Without an enhancer the transcript is returned as is.
func (a *Aggregator) Enhance(ctx context.Context, transcript string, snap *models.ContextSnapshot) (string, error) {
	if a.opts.Enhancer == nil {
		return transcript, nil
	}
	ctx, span := tracer.Start(ctx, "aggregator.enhance")
	defer span.End()
	return a.opts.Enhancer.Enhance(ctx, transcript, snap)
}

// mergeGlossary appends the entries of extra whose phrase base lacks.
func mergeGlossary(base, extra []models.GlossaryEntry) []models.GlossaryEntry {
	seen := make(map[string]bool, len(base))
	out := append([]models.GlossaryEntry(nil), base...)
	for _, e := range base {
		seen[strings.ToLower(e.Phrase)] = true
	}
	for _, e := range extra {
		k := strings.ToLower(e.Phrase)
		if e.Phrase == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

// parseGlossary accepts either a JSON array of entries or an object with
// an "entries" array, from structured content or text.
func parseGlossary(res *protocol.CallToolResult) []models.GlossaryEntry {
	raw := []byte(res.Text())
	if res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			raw = b
		}
	}
	var list []models.GlossaryEntry
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var wrapped struct {
		Entries []models.GlossaryEntry `json:"entries"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Entries
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// truncate cuts s to at most n bytes on a rune boundary. An n of zero or
// less disables truncation.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
