// Package state holds the runtime state shared by the client and server
// roles: settings, the foreground application and dictation status.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/events"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/pkg/models"
)

// ProviderApplier reconciles the provider set. It is satisfied by
// provider.Manager.
type ProviderApplier interface {
	Apply(ctx context.Context, cfgs []models.ProviderConfig) error
	Statuses() []models.ProviderStatus
}

// Options wires the coordinator's collaborators. Applier, Glossary and
// Profiles may be nil.
type Options struct {
	Settings models.Settings
	Applier  ProviderApplier
	Registry *registry.Registry
	Events   *events.Bus
	Glossary store.GlossaryStore
	Profiles store.ProfileStore
}

// Coordinator is safe for concurrent use. Settings are copied on read and
// on write so callers never share mutable state with it.
type Coordinator struct {
	applier  ProviderApplier
	registry *registry.Registry
	events   *events.Bus
	glossary store.GlossaryStore
	profiles store.ProfileStore

	mu        sync.RWMutex
	settings  models.Settings
	activeApp *models.ActiveApp
	dictation models.DictationStatus
}

func New(opts Options) *Coordinator {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	return &Coordinator{
		applier:  opts.Applier,
		registry: opts.Registry,
		events:   opts.Events,
		glossary: opts.Glossary,
		profiles: opts.Profiles,
		settings: opts.Settings.Clone(),
	}
}

func (c *Coordinator) Registry() *registry.Registry { return c.registry }

func (c *Coordinator) Events() *events.Bus { return c.events }

// Settings returns a copy of the current settings.
func (c *Coordinator) Settings() models.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Clone()
}

// UpdateSettings stores s and reconciles providers. When the protocol
// layer is disabled every provider is stopped.
func (c *Coordinator) UpdateSettings(ctx context.Context, s models.Settings) error {
	s = s.Clone()
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()

	if c.applier == nil {
		return nil
	}
	var enabled []models.ProviderConfig
	if s.MCPEnabled {
		enabled = s.Providers
	}
	log.Info().Bool("mcp_enabled", s.MCPEnabled).Int("providers", len(enabled)).Msg("Applying provider settings")
	return c.applier.Apply(ctx, enabled)
}

// SetActiveApp records the foreground application. A nil app clears it.
func (c *Coordinator) SetActiveApp(app *models.ActiveApp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if app == nil {
		c.activeApp = nil
		return
	}
	cp := *app
	c.activeApp = &cp
}

// ActiveApp returns the foreground application, or nil when unknown.
func (c *Coordinator) ActiveApp(_ context.Context) (*models.ActiveApp, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.activeApp == nil {
		return nil, nil
	}
	cp := *c.activeApp
	return &cp, nil
}

// StartDictation marks dictation active and asks the UI layer to begin
// recording through the event bus.
func (c *Coordinator) StartDictation(_ context.Context, hint string) (models.DictationStatus, error) {
	c.mu.Lock()
	c.dictation = models.DictationStatus{Active: true, Context: hint, RequestedAt: time.Now().UTC()}
	st := c.dictation
	c.mu.Unlock()

	c.events.Publish(models.Event{
		Type: models.EventDictationRequested,
		Data: map[string]any{"context": hint},
	})
	return st, nil
}

func (c *Coordinator) Dictation() models.DictationStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dictation
}

// DictationConfig assembles the configuration view served to consumers.
func (c *Coordinator) DictationConfig(ctx context.Context) (models.DictationConfig, error) {
	s := c.Settings()
	cfg := models.DictationConfig{
		Glossary:         []models.GlossaryEntry{},
		ContextAwareness: s.ContextAwareness,
		Providers:        []models.ProviderStatus{},
		ServerEnabled:    s.Server.Enabled,
		Dictation:        c.Dictation(),
	}
	if c.glossary != nil {
		g, err := c.glossary.Glossary(ctx)
		if err != nil {
			return cfg, err
		}
		cfg.Glossary = g
	}
	if c.profiles != nil {
		p, err := c.profiles.ActiveProfile(ctx)
		var nf *store.ErrNotFound
		switch {
		case errors.As(err, &nf):
		case err != nil:
			return cfg, err
		default:
			cfg.ActiveProfile = p
		}
	}
	if c.applier != nil {
		cfg.Providers = c.applier.Statuses()
	}
	return cfg, nil
}
