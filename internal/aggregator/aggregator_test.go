package aggregator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/whispo/contextd/internal/aggregator"
	"github.com/whispo/contextd/internal/client"
	"github.com/whispo/contextd/internal/enhance"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/provider"
	"github.com/whispo/contextd/internal/provider/providertest"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/internal/state"
	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/pkg/models"
)

type env struct {
	manager *provider.Manager
	invoker *client.Invoker
	reg     *registry.Registry
	store   *store.MemoryStore
	coord   *state.Coordinator
}

func newEnv(t *testing.T, fleet providertest.Fleet) *env {
	t.Helper()
	reg := registry.New()
	m := provider.NewManager(provider.Options{Launcher: fleet.Launcher(), Registry: reg})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	var cfgs []models.ProviderConfig
	for name := range fleet {
		cfgs = append(cfgs, models.ProviderConfig{Name: name, Command: name, Enabled: true})
	}
	if err := m.Apply(context.Background(), cfgs); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	inv := client.NewInvoker(m, reg, client.Options{})
	if _, err := inv.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}

	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	_ = st.UpsertGlossary(ctx, []models.GlossaryEntry{{Phrase: "MCP", Replacement: "Model Context Protocol"}})
	_ = st.AppendHistory(ctx, models.HistoryItem{ID: "h1", CreatedAt: time.Now(), Transcript: "earlier dictation"})

	coord := state.New(state.Options{Registry: reg})
	coord.SetActiveApp(&models.ActiveApp{Name: "Code", WindowTitle: "main.go"})
	return &env{manager: m, invoker: inv, reg: reg, store: st, coord: coord}
}

func (e *env) aggregator(budget time.Duration, aw models.ContextAwareness) *aggregator.Aggregator {
	return aggregator.New(aggregator.Options{
		Apps:      e.coord,
		Glossary:  e.store,
		History:   e.store,
		Providers: e.manager,
		Tools:     e.invoker,
		Registry:  e.reg,
		Enhancer:  enhance.NewGlossary(),
		Awareness: func() models.ContextAwareness { return aw },
		Budget:    budget,
	})
}

func answer(values map[string]string) providertest.CallFunc {
	return func(_ context.Context, name string, _ map[string]any) (*protocol.CallToolResult, error) {
		v, ok := values[name]
		if !ok {
			return nil, errors.New("no such context")
		}
		return protocol.TextResult(v), nil
	}
}

func silent(context.Context, string, map[string]any) (*protocol.CallToolResult, error) {
	return nil, nil
}

func TestBuildSnapshot_SilentProviderOmittedWithinBudget(t *testing.T) {
	fs := &providertest.Server{
		Tools: []protocol.Tool{providertest.Tool("get_active_file"), providertest.Tool("get_project_info")},
		Call: answer(map[string]string{
			"get_active_file":  "/src/main.go\nline 42",
			"get_project_info": "contextd: Go module",
		}),
	}
	hung := &providertest.Server{
		Tools: []protocol.Tool{providertest.Tool("get_context")},
		Call:  silent,
	}
	e := newEnv(t, providertest.Fleet{"fs": fs, "hung": hung})

	budget := 300 * time.Millisecond
	start := time.Now()
	snap, err := e.aggregator(budget, aggregator.DefaultAwareness()).BuildSnapshot(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("BuildSnapshot() error = %v", err)
	}
	if elapsed > budget+150*time.Millisecond {
		t.Errorf("BuildSnapshot() took %v, budget %v", elapsed, budget)
	}

	if got := snap.Omitted(); len(got) != 1 || got[0] != "hung" {
		t.Errorf("Omitted() = %v, want [hung]", got)
	}
	if _, ok := snap.ProviderContext()["hung"]; ok {
		t.Error("silent provider contributed context")
	}
	fsCtx := snap.ProviderContext()["fs"]
	if fsCtx["get_project_info"] != "contextd: Go module" {
		t.Errorf("fs context = %v", fsCtx)
	}
	if snap.ActiveFile() != "/src/main.go" {
		t.Errorf("ActiveFile() = %q, want /src/main.go", snap.ActiveFile())
	}

	// Local state is always present.
	if app, ok := snap.ActiveApp(); !ok || app.Name != "Code" {
		t.Errorf("ActiveApp() = %+v, %v", app, ok)
	}
	if g := snap.Glossary(); len(g) != 1 || g[0].Phrase != "MCP" {
		t.Errorf("Glossary() = %+v", g)
	}
	if r := snap.RecentTranscripts(); len(r) != 1 || r[0] != "earlier dictation" {
		t.Errorf("RecentTranscripts() = %v", r)
	}
}

func TestBuildSnapshot_FailingProviderOmitted(t *testing.T) {
	broken := &providertest.Server{
		Tools: []protocol.Tool{providertest.Tool("get_context")},
		Call: func(context.Context, string, map[string]any) (*protocol.CallToolResult, error) {
			return nil, errors.New("database offline")
		},
	}
	e := newEnv(t, providertest.Fleet{"db": broken})

	snap, err := e.aggregator(time.Second, aggregator.DefaultAwareness()).BuildSnapshot(context.Background())
	if err != nil {
		t.Fatalf("BuildSnapshot() error = %v", err)
	}
	if got := snap.Omitted(); len(got) != 1 || got[0] != "db" {
		t.Errorf("Omitted() = %v, want [db]", got)
	}
}

func TestBuildSnapshot_ProviderNamedLikeLocalSource(t *testing.T) {
	broken := &providertest.Server{
		Tools: []protocol.Tool{providertest.Tool("get_context")},
		Call: func(context.Context, string, map[string]any) (*protocol.CallToolResult, error) {
			return nil, errors.New("index offline")
		},
	}
	healthy := &providertest.Server{
		Tools: []protocol.Tool{providertest.Tool("get_context")},
		Call:  answer(map[string]string{"get_context": "branch main"}),
	}
	e := newEnv(t, providertest.Fleet{"glossary": broken, "history": healthy})

	snap, err := e.aggregator(time.Second, aggregator.DefaultAwareness()).BuildSnapshot(context.Background())
	if err != nil {
		t.Fatalf("BuildSnapshot() error = %v", err)
	}
	if got := snap.Omitted(); len(got) != 1 || got[0] != "glossary" {
		t.Errorf("Omitted() = %v, want [glossary]", got)
	}
	if got := snap.ProviderContext()["history"]["get_context"]; got != "branch main" {
		t.Errorf("ProviderContext[history] = %q, want provider value", got)
	}
	if got := snap.RecentTranscripts(); len(got) != 1 || got[0] != "earlier dictation" {
		t.Errorf("RecentTranscripts() = %v, want local history", got)
	}
	if len(snap.Glossary()) == 0 {
		t.Error("Glossary() is empty, want local glossary applied")
	}
}

func TestBuildSnapshot_AwarenessToggles(t *testing.T) {
	fs := &providertest.Server{
		Tools: []protocol.Tool{providertest.Tool("get_active_file"), providertest.Tool("get_project_info")},
		Call: answer(map[string]string{
			"get_active_file":  "/src/main.go",
			"get_project_info": strings.Repeat("x", 100),
		}),
	}
	e := newEnv(t, providertest.Fleet{"fs": fs})

	aw := models.ContextAwareness{UseProjectContext: true, MaxContextLength: 10}
	snap, err := e.aggregator(time.Second, aw).BuildSnapshot(context.Background())
	if err != nil {
		t.Fatalf("BuildSnapshot() error = %v", err)
	}
	if len(snap.Glossary()) != 0 || len(snap.RecentTranscripts()) != 0 {
		t.Errorf("disabled sources included: glossary=%v recent=%v", snap.Glossary(), snap.RecentTranscripts())
	}
	if snap.ActiveFile() != "" {
		t.Errorf("ActiveFile() = %q with file context disabled", snap.ActiveFile())
	}
	if got := snap.ProviderContext()["fs"]["get_project_info"]; got != strings.Repeat("x", 10) {
		t.Errorf("project info = %q, want truncated to 10", got)
	}
	if fs.Received(protocol.MethodToolsCall) != 1 {
		t.Errorf("provider received %d calls, want 1", fs.Received(protocol.MethodToolsCall))
	}
}

func TestBuildSnapshot_ProviderGlossaryMerged(t *testing.T) {
	git := &providertest.Server{
		Tools: []protocol.Tool{providertest.Tool("get_glossary")},
		Call: answer(map[string]string{
			"get_glossary": `[{"phrase":"mcp","replacement":"ignored"},{"phrase":"PR","replacement":"pull request"}]`,
		}),
	}
	e := newEnv(t, providertest.Fleet{"git": git})

	snap, err := e.aggregator(time.Second, aggregator.DefaultAwareness()).BuildSnapshot(context.Background())
	if err != nil {
		t.Fatalf("BuildSnapshot() error = %v", err)
	}
	g := snap.Glossary()
	if len(g) != 2 || g[0].Replacement != "Model Context Protocol" || g[1].Phrase != "PR" {
		t.Fatalf("Glossary() = %+v", g)
	}
}

func TestEnhance_ReturnsEnhancerOutput(t *testing.T) {
	e := newEnv(t, providertest.Fleet{})
	agg := e.aggregator(time.Second, aggregator.DefaultAwareness())

	snap, err := agg.BuildSnapshot(context.Background())
	if err != nil {
		t.Fatalf("BuildSnapshot() error = %v", err)
	}
	got, err := agg.Enhance(context.Background(), "open an MCP session", snap)
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if got != "open an Model Context Protocol session" {
		t.Errorf("Enhance() = %q", got)
	}

	plain := aggregator.New(aggregator.Options{})
	if got, _ := plain.Enhance(context.Background(), "as is", snap); got != "as is" {
		t.Errorf("Enhance() without enhancer = %q", got)
	}
}
