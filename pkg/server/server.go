// Package server composes the context protocol layer.
//
// This package exists in pkg/ (not internal/) so that the desktop shell
// can embed the layer and inject its own collaborators:
//
//	srv, err := server.New(ctx, cfg, server.WithTranscriber(stt))
//	if err := srv.Start(ctx); err != nil { ... }
//	defer srv.Shutdown(ctx)
//	snap, _ := srv.Aggregator.BuildSnapshot(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/aggregator"
	"github.com/whispo/contextd/internal/api"
	"github.com/whispo/contextd/internal/api/handlers"
	"github.com/whispo/contextd/internal/client"
	"github.com/whispo/contextd/internal/config"
	"github.com/whispo/contextd/internal/dispatch"
	"github.com/whispo/contextd/internal/enhance"
	"github.com/whispo/contextd/internal/events"
	"github.com/whispo/contextd/internal/mcpserver"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/provider"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/internal/retention"
	"github.com/whispo/contextd/internal/state"
	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/internal/tools"
	"github.com/whispo/contextd/pkg/models"
)

type options struct {
	launcher    provider.Launcher
	transcriber tools.Transcriber
	store       store.Store
	enhancer    aggregator.Enhancer
}

// Option customizes New.
type Option func(*options)

// WithLauncher replaces the child-process launcher for providers.
func WithLauncher(l provider.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithTranscriber supplies the speech-to-text collaborator behind
// transcribe_audio.
func WithTranscriber(t tools.Transcriber) Option {
	return func(o *options) { o.transcriber = t }
}

// WithStore supplies an already opened store. The server closes it on
// shutdown.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEnhancer replaces the glossary enhancer.
func WithEnhancer(e aggregator.Enhancer) Option {
	return func(o *options) { o.enhancer = e }
}

// Server holds the initialized protocol layer.
type Server struct {
	Config      *config.Config
	Store       store.Store
	Events      *events.Bus
	Registry    *registry.Registry
	Providers   *provider.Manager
	Invoker     *client.Invoker
	Coordinator *state.Coordinator
	Dispatcher  *dispatch.Dispatcher
	MCP         *mcpserver.Server
	Aggregator  *aggregator.Aggregator

	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New wires every component. Nothing is launched until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		if st, err = openStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}
	seedDefaultProfile(ctx, st)

	bus := events.NewBus(0)
	reg := registry.New()
	info := protocol.Implementation{Name: "contextd", Version: cfg.Version}

	mgr := provider.NewManager(provider.Options{
		ClientInfo:        info,
		HandshakeTimeout:  cfg.MCP.HandshakeTimeout.Duration,
		HeartbeatInterval: cfg.MCP.HeartbeatInterval.Duration,
		Reconnect: provider.ReconnectPolicy{
			InitialInterval: cfg.MCP.Reconnect.InitialInterval.Duration,
			MaxInterval:     cfg.MCP.Reconnect.MaxInterval.Duration,
			Multiplier:      cfg.MCP.Reconnect.Multiplier,
			MaxAttempts:     cfg.MCP.Reconnect.MaxAttempts,
		},
		Launcher: o.launcher,
		Registry: reg,
		Events:   bus,
	})
	inv := client.NewInvoker(mgr, reg, client.Options{
		CallTimeout: cfg.MCP.CallTimeout.Duration,
		ListTimeout: cfg.MCP.ListTimeout.Duration,
	})
	coord := state.New(state.Options{
		Settings: cfg.Settings(),
		Applier:  mgr,
		Registry: reg,
		Events:   bus,
		Glossary: st,
		Profiles: st,
	})

	if err := tools.Register(reg, tools.Deps{
		History:     st,
		Glossary:    st,
		Profiles:    st,
		Dictation:   coord,
		Config:      coord,
		Transcriber: o.transcriber,
		Events:      bus,
	}); err != nil {
		st.Close()
		return nil, fmt.Errorf("register local tools: %w", err)
	}
	disp := dispatch.New(reg)

	mcp := mcpserver.New(mcpserver.Options{
		Registry:     reg,
		Dispatcher:   disp,
		Config:       coord,
		History:      st,
		Glossary:     st,
		Info:         info,
		Instructions: "Dictation assistant tools: transcription history, glossary, profiles and dictation control.",
	})

	enhancer := o.enhancer
	if enhancer == nil {
		enhancer = enhance.NewGlossary()
	}
	agg := aggregator.New(aggregator.Options{
		Apps:        coord,
		Glossary:    st,
		History:     st,
		Providers:   mgr,
		Tools:       inv,
		Registry:    reg,
		Enhancer:    enhancer,
		Awareness:   func() models.ContextAwareness { return coord.Settings().ContextAwareness },
		Budget:      cfg.Context.Budget.Duration,
		RecentItems: cfg.Context.RecentItems,
	})

	h := &handlers.Handlers{
		Server:    mcp,
		Events:    bus,
		Providers: mgr,
		Version:   cfg.Version,
	}
	router := api.NewRouter(h, api.Options{
		Path:           cfg.MCP.Server.Path,
		Token:          cfg.MCP.Server.Token,
		AllowedOrigins: cfg.MCP.Server.AllowedOrigins,
	})

	return &Server{
		Config:      cfg,
		Store:       st,
		Events:      bus,
		Registry:    reg,
		Providers:   mgr,
		Invoker:     inv,
		Coordinator: coord,
		Dispatcher:  disp,
		MCP:         mcp,
		Aggregator:  agg,
		Handler:     router,
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		log.Info().Str("snapshot", cfg.Snapshot).Msg("In-memory store initialized")
		return store.NewMemoryStore(cfg.Snapshot), nil
	default:
		s := store.NewSQLiteStore(cfg.Path)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		log.Info().Str("path", cfg.Path).Msg("SQLite store initialized")
		return s, nil
	}
}

func seedDefaultProfile(ctx context.Context, s store.ProfileStore) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list profiles")
		return
	}
	if len(profiles) > 0 {
		return
	}
	now := time.Now().UTC()
	p := models.Profile{
		ID:          "default",
		Name:        "Default",
		Description: "Default dictation profile",
		Settings:    models.ProfileSettings{Language: "en", PostProcessing: true},
		IsDefault:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.SaveProfile(ctx, p); err != nil {
		log.Warn().Err(err).Msg("Failed to seed default profile")
		return
	}
	log.Info().Msg("Default profile seeded")
}

// Start connects the configured providers, fetches their catalogues and,
// when enabled, starts listening for consumers. Provider failures are
// logged and surface through status; they do not fail Start.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	// Subscribe before applying so no ready transition is missed.
	ch, unsubscribe := s.Events.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.watchProviders(runCtx, ch)
	}()

	ret := s.Config.Store.Retention
	if policy := (retention.Policy{MaxAge: ret.MaxAge.Duration, MaxItems: ret.MaxItems, Interval: ret.Interval.Duration}); policy.Enabled() {
		janitor := retention.NewJanitor(s.Store, policy)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			janitor.Start(runCtx)
		}()
	}

	if err := s.Coordinator.UpdateSettings(ctx, s.Coordinator.Settings()); err != nil {
		log.Warn().Err(err).Msg("Some providers failed to start")
	}
	res, err := s.Invoker.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list provider tools: %w", err)
	}
	for _, f := range res.Failures {
		log.Warn().Str("provider", f.Provider).Str("kind", f.Kind).Msg(f.Message)
	}
	log.Info().Int("remote_tools", len(res.Tools)).Int("local_tools", len(s.Dispatcher.List())).Msg("Tool catalogue ready")

	if s.Config.MCP.Server.Enabled {
		return s.listen()
	}
	return nil
}

// watchProviders refreshes a provider's catalogue whenever it becomes
// ready again, e.g. after a reconnect.
func (s *Server) watchProviders(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != models.EventProviderState || e.State != models.ConnReady {
				continue
			}
			descs, err := s.Invoker.RefreshProvider(ctx, e.Provider)
			if err != nil {
				log.Warn().Err(err).Str("provider", e.Provider).Msg("Tool refresh failed")
				continue
			}
			s.Events.Publish(models.Event{
				Type:     models.EventToolsRefreshed,
				Provider: e.Provider,
				Data:     map[string]any{"tools": len(descs)},
			})
		}
	}
}

func (s *Server) listen() error {
	addr := s.Config.MCP.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("MCP server failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Str("path", s.Config.MCP.Server.Path).Msg("MCP server listening")
	return nil
}

// Addr returns the bound listen address, or "" when not listening.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the listener, disconnects every provider and closes the
// store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if err := s.Providers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("provider shutdown: %w", err))
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	})
	return errors.Join(errs...)
}
