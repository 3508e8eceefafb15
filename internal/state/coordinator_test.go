package state_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/whispo/contextd/internal/events"
	"github.com/whispo/contextd/internal/state"
	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/pkg/models"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied [][]models.ProviderConfig
}

func (f *fakeApplier) Apply(_ context.Context, cfgs []models.ProviderConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cfgs)
	return nil
}

func (f *fakeApplier) Statuses() []models.ProviderStatus {
	return []models.ProviderStatus{{Name: "fs", State: models.ConnReady}}
}

func TestUpdateSettings_AppliesProviders(t *testing.T) {
	applier := &fakeApplier{}
	c := state.New(state.Options{Applier: applier})

	s := models.Settings{
		MCPEnabled: true,
		Providers:  []models.ProviderConfig{{Name: "fs", Command: "fs-server", Enabled: true}},
	}
	if err := c.UpdateSettings(context.Background(), s); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	s.MCPEnabled = false
	if err := c.UpdateSettings(context.Background(), s); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	if len(applier.applied) != 2 {
		t.Fatalf("Apply called %d times, want 2", len(applier.applied))
	}
	if len(applier.applied[0]) != 1 {
		t.Errorf("first Apply got %d providers, want 1", len(applier.applied[0]))
	}
	if len(applier.applied[1]) != 0 {
		t.Errorf("disabled Apply got %d providers, want 0", len(applier.applied[1]))
	}
}

func TestSettings_CopyOnRead(t *testing.T) {
	c := state.New(state.Options{Settings: models.Settings{
		Providers: []models.ProviderConfig{{Name: "fs", Args: []string{"/tmp"}}},
	}})

	got := c.Settings()
	got.Providers[0].Args[0] = "/etc"
	got.Providers = append(got.Providers, models.ProviderConfig{Name: "git"})

	again := c.Settings()
	if len(again.Providers) != 1 || again.Providers[0].Args[0] != "/tmp" {
		t.Fatalf("Settings() leaked a mutation: %+v", again.Providers)
	}
}

func TestActiveApp(t *testing.T) {
	c := state.New(state.Options{})
	if app, _ := c.ActiveApp(context.Background()); app != nil {
		t.Fatalf("ActiveApp() = %+v, want nil", app)
	}
	c.SetActiveApp(&models.ActiveApp{Name: "Code", FilePath: "/src/main.go"})
	app, _ := c.ActiveApp(context.Background())
	if app == nil || app.FilePath != "/src/main.go" {
		t.Fatalf("ActiveApp() = %+v", app)
	}
	c.SetActiveApp(nil)
	if app, _ := c.ActiveApp(context.Background()); app != nil {
		t.Errorf("ActiveApp() after clear = %+v", app)
	}
}

func TestStartDictation_PublishesEvent(t *testing.T) {
	bus := events.NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()
	c := state.New(state.Options{Events: bus})

	st, err := c.StartDictation(context.Background(), "email")
	if err != nil {
		t.Fatalf("StartDictation() error = %v", err)
	}
	if !st.Active || st.Context != "email" {
		t.Errorf("StartDictation() = %+v", st)
	}

	select {
	case e := <-ch:
		if e.Type != models.EventDictationRequested || e.Data["context"] != "email" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no dictation event published")
	}

	if !c.Dictation().Active {
		t.Error("Dictation().Active = false after StartDictation()")
	}
}

func TestDictationConfig(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	defer st.Close()
	_ = st.UpsertGlossary(ctx, []models.GlossaryEntry{{Phrase: "k8s", Replacement: "Kubernetes"}})

	c := state.New(state.Options{
		Settings: models.Settings{Server: models.ServerSettings{Enabled: true}},
		Applier:  &fakeApplier{},
		Glossary: st,
		Profiles: st,
	})

	cfg, err := c.DictationConfig(ctx)
	if err != nil {
		t.Fatalf("DictationConfig() error = %v", err)
	}
	if cfg.ActiveProfile != nil {
		t.Errorf("ActiveProfile = %+v, want nil without profiles", cfg.ActiveProfile)
	}
	if len(cfg.Glossary) != 1 || len(cfg.Providers) != 1 || !cfg.ServerEnabled {
		t.Errorf("DictationConfig() = %+v", cfg)
	}

	_ = st.SaveProfile(ctx, models.Profile{ID: "default", Name: "Default", IsDefault: true})
	cfg, _ = c.DictationConfig(ctx)
	if cfg.ActiveProfile == nil || cfg.ActiveProfile.ID != "default" {
		t.Errorf("ActiveProfile = %+v, want default", cfg.ActiveProfile)
	}
}
