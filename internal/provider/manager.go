// Package provider manages connections to external context providers.
//
// Each configured provider is launched as a child process and driven
// through the protocol handshake before it is considered ready:
//
//	Connect(cfg)
//	    └─► Launcher.Launch        (child process, stdin/stdout stream)
//	            └─► initialize      (protocol version negotiation)
//	                    └─► notifications/initialized
//	                            └─► ready ─► monitor (EOF / heartbeat)
//	                                            └─► degraded ─► reconnect ─► ready | closed
//
// The Manager is the only owner of connection state; other components
// refer to providers by name.
package provider

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

	"github.com/whispo/contextd/internal/events"
	"github.com/whispo/contextd/internal/process"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/internal/rpc"
	"github.com/whispo/contextd/pkg/models"
)

var tracer = otel.Tracer("contextd/provider")

var (
	// ErrUnknownProvider is wrapped into ProviderUnavailable for names
	// that were never configured.
	ErrUnknownProvider = errors.New("provider not configured")

	errIncompatibleVersion = errors.New("incompatible protocol version")
)

// Options configures a Manager. Zero durations take defaults.
type Options struct {
	ClientInfo        protocol.Implementation
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Reconnect         ReconnectPolicy
	Launcher          Launcher
	Registry          *registry.Registry
	Events            *events.Bus
	LogLines          int
}

func (o *Options) applyDefaults() {
	if o.ClientInfo.Name == "" {
		o.ClientInfo = protocol.Implementation{Name: "contextd", Version: "dev"}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * time.Second
	}
	if o.Reconnect == (ReconnectPolicy{}) {
		o.Reconnect = DefaultReconnectPolicy()
	}
	if o.Launcher == nil {
		o.Launcher = ProcessLauncher{}
	}
	if o.Registry == nil {
		o.Registry = registry.New()
	}
	if o.LogLines <= 0 {
		o.LogLines = 200
	}
}

// connection is the runtime record of one provider.
type connection struct {
	cfg  models.ProviderConfig
	logs *process.LogBuffer

	// ctx lives until the provider is disconnected or replaced.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	status models.ProviderStatus
	conn   *rpc.Conn
}

func (c *connection) live() (*rpc.Conn, models.ConnState) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.status.State
}

func (c *connection) snapshot() models.ProviderStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Manager owns the connection table.
type Manager struct {
	opts Options

	mu    sync.RWMutex
	conns map[string]*connection
}

func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:  opts,
		conns: make(map[string]*connection),
	}
}

// Registry returns the registry whose provider namespaces this manager
// prunes and marks stale.
func (m *Manager) Registry() *registry.Registry { return m.opts.Registry }

// Connect launches cfg and performs the handshake. Any existing connection
// with the same name is torn down first. On failure the provider is
// recorded as closed with the reason and the error is returned.
func (m *Manager) Connect(ctx context.Context, cfg models.ProviderConfig) error {
	if cfg.Name == "" {
		return errors.New("provider name is required")
	}
	ctx, span := tracer.Start(ctx, "provider.connect")
	span.SetAttributes(attribute.String("provider.name", cfg.Name))
	defer span.End()

	lifetime, cancel := context.WithCancel(context.Background())
	c := &connection{
		cfg:    cfg.Clone(),
		logs:   process.NewLogBuffer(m.opts.LogLines),
		ctx:    lifetime,
		cancel: cancel,
		status: models.ProviderStatus{Name: cfg.Name, State: models.ConnConnecting, UpdatedAt: time.Now().UTC()},
	}

	m.mu.Lock()
	old := m.conns[cfg.Name]
	m.conns[cfg.Name] = c
	m.mu.Unlock()

	if old != nil {
		m.teardown(old, "replaced")
		m.opts.Registry.RemoveNamespace(cfg.Name)
	}
	m.publish(c.snapshot())

	log.Info().Str("provider", cfg.Name).Str("command", cfg.Command).Msg("Connecting to provider")

	conn, info, err := m.establish(ctx, c)
	if err != nil {
		m.closeWith(c, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !m.install(c, conn, info) {
		conn.Close()
		return protocol.Unavailable(cfg.Name, errors.New("disconnected during handshake"))
	}
	go m.monitor(c, conn)
	return nil
}

// establish launches the transport and runs the initialize handshake.
func (m *Manager) establish(ctx context.Context, c *connection) (*rpc.Conn, protocol.InitializeResult, error) {
	name := c.cfg.Name
	var info protocol.InitializeResult

	t, err := m.opts.Launcher.Launch(ctx, c.cfg, c.logs)
	if err != nil {
		return nil, info, protocol.Unavailable(name, err)
	}
	conn := rpc.NewConn(name, t, t, rpc.WithCloser(t))

	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	raw, err := conn.Call(hctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.DefaultProtocolVersion,
		Capabilities:    protocol.Capabilities{},
		ClientInfo:      m.opts.ClientInfo,
	})
	if err != nil {
		conn.Close()
		return nil, info, m.handshakeError(c, err)
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		conn.Close()
		return nil, info, protocol.HandshakeFailed(name, "malformed initialize result", err)
	}
	if !protocol.SupportsVersion(info.ProtocolVersion) {
		conn.Close()
		return nil, info, protocol.HandshakeFailed(name, fmt.Sprintf("provider speaks %q", info.ProtocolVersion), errIncompatibleVersion)
	}
	if err := conn.Notify(protocol.MethodInitialized, nil); err != nil {
		conn.Close()
		return nil, info, protocol.Unavailable(name, err)
	}
	return conn, info, nil
}

func (m *Manager) handshakeError(c *connection, err error) error {
	name := c.cfg.Name
	var rpcErr *protocol.RPCError
	switch {
	case errors.Is(err, rpc.ErrClosed):
		if tail := c.logs.Tail(); tail != "" {
			err = fmt.Errorf("%w (last output: %s)", err, tail)
		}
		return protocol.Unavailable(name, fmt.Errorf("exited before handshake: %w", err))
	case errors.As(err, &rpcErr):
		return protocol.HandshakeFailed(name, "initialize rejected", err)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.HandshakeFailed(name, fmt.Sprintf("no initialize answer within %s", m.opts.HandshakeTimeout), err)
	default:
		return protocol.HandshakeFailed(name, "initialize failed", err)
	}
}

// install records a freshly established connection as ready. It refuses
// when the provider was disconnected meanwhile.
func (m *Manager) install(c *connection, conn *rpc.Conn, info protocol.InitializeResult) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	c.conn = conn
	c.status.State = models.ConnReady
	c.status.Reason = ""
	c.status.ErrorKind = ""
	c.status.ServerName = info.ServerInfo.Name
	c.status.ServerVersion = info.ServerInfo.Version
	c.status.ProtocolVersion = info.ProtocolVersion
	c.status.ConnectedAt = now
	c.status.UpdatedAt = now
	st := c.status
	c.mu.Unlock()

	log.Info().
		Str("provider", c.cfg.Name).
		Str("server", info.ServerInfo.Name).
		Str("protocol", info.ProtocolVersion).
		Msg("Provider ready")
	m.publish(st)
	return true
}

// closeWith records a terminal failure.
func (m *Manager) closeWith(c *connection, err error) {
	c.cancel()
	c.mu.Lock()
	c.conn = nil
	c.status.State = models.ConnClosed
	c.status.Reason = err.Error()
	c.status.ErrorKind = protocol.KindOf(err).String()
	c.status.UpdatedAt = time.Now().UTC()
	st := c.status
	c.mu.Unlock()

	if !m.current(c) {
		log.Debug().Err(err).Str("provider", c.cfg.Name).Msg("Replaced connection failed")
		return
	}
	m.opts.Registry.RemoveNamespace(c.cfg.Name)
	log.Warn().Err(err).Str("provider", c.cfg.Name).Msg("Provider closed")
	m.publish(st)
}

// current reports whether c is still the registered connection for its
// name. Superseded connections must not touch the registry or publish.
func (m *Manager) current(c *connection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[c.cfg.Name] == c
}

// Disconnect sends a best-effort shutdown notification, terminates the
// provider and prunes its tools. The provider stays listed as closed.
func (m *Manager) Disconnect(_ context.Context, name string) error {
	c := m.get(name)
	if c == nil {
		return nil
	}
	m.teardown(c, "disconnected")
	return nil
}

func (m *Manager) teardown(c *connection, reason string) {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	wasClosed := c.status.State == models.ConnClosed
	c.status.State = models.ConnClosed
	c.status.Reason = reason
	c.status.ErrorKind = ""
	c.status.UpdatedAt = time.Now().UTC()
	st := c.status
	c.mu.Unlock()

	if conn != nil {
		sent := make(chan struct{})
		go func() {
			_ = conn.Notify(protocol.MethodShutdown, nil)
			close(sent)
		}()
		select {
		case <-sent:
		case <-time.After(200 * time.Millisecond):
		}
		conn.Close()
	}
	if !m.current(c) {
		return
	}
	m.opts.Registry.RemoveNamespace(c.cfg.Name)

	if !wasClosed {
		log.Info().Str("provider", c.cfg.Name).Str("reason", reason).Msg("Provider disconnected")
	}
	m.publish(st)
}

// Apply reconciles the connection table with cfgs: enabled providers are
// connected (or reconnected when their config changed or they are closed),
// disabled ones are disconnected and unlisted ones are forgotten.
// Connection failures are recorded per provider and returned joined.
func (m *Manager) Apply(ctx context.Context, cfgs []models.ProviderConfig) error {
	configured := make(map[string]models.ProviderConfig, len(cfgs))
	for _, cfg := range cfgs {
		configured[cfg.Name] = cfg
	}

	m.mu.RLock()
	existing := make(map[string]*connection, len(m.conns))
	for name, c := range m.conns {
		existing[name] = c
	}
	m.mu.RUnlock()

	var stop, forget []string
	var start []models.ProviderConfig
	for name, c := range existing {
		want, ok := configured[name]
		switch {
		case !ok:
			stop = append(stop, name)
			forget = append(forget, name)
		case !want.Enabled:
			stop = append(stop, name)
		case !c.cfg.Equal(want) || c.snapshot().State == models.ConnClosed:
			start = append(start, want)
		}
	}
	for name, cfg := range configured {
		if _, ok := existing[name]; !ok && cfg.Enabled {
			start = append(start, cfg)
		}
	}
	sort.Strings(stop)
	sort.Slice(start, func(i, j int) bool { return start[i].Name < start[j].Name })

	var g errgroup.Group
	g.SetLimit(4)
	for _, name := range stop {
		g.Go(func() error { return m.Disconnect(ctx, name) })
	}
	_ = g.Wait()

	m.mu.Lock()
	for _, name := range forget {
		if c, ok := m.conns[name]; ok && c.snapshot().State == models.ConnClosed {
			delete(m.conns, name)
		}
	}
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, cfg := range start {
		g.Go(func() error {
			if err := m.Connect(ctx, cfg); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Call sends a request to a ready provider. It fails fast with
// ProviderUnavailable when the provider is unknown or not ready.
func (m *Manager) Call(ctx context.Context, name, method string, params any) (json.RawMessage, error) {
	c := m.get(name)
	if c == nil {
		return nil, protocol.Unavailable(name, ErrUnknownProvider)
	}
	conn, state := c.live()
	if state != models.ConnReady || conn == nil {
		return nil, protocol.Unavailable(name, fmt.Errorf("provider is %s", state))
	}
	raw, err := conn.Call(ctx, method, params)
	if errors.Is(err, rpc.ErrClosed) {
		return nil, protocol.Unavailable(name, err)
	}
	return raw, err
}

// Shutdown disconnects every provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		all = append(all, c)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range all {
			wg.Add(1)
			go func(c *connection) {
				defer wg.Done()
				m.teardown(c, "shutdown")
			}(c)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("count", len(all)).Msg("All providers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the status of one provider.
func (m *Manager) Status(name string) (models.ProviderStatus, bool) {
	c := m.get(name)
	if c == nil {
		return models.ProviderStatus{}, false
	}
	return c.snapshot(), true
}

// Statuses returns every provider status sorted by name.
func (m *Manager) Statuses() []models.ProviderStatus {
	m.mu.RLock()
	out := make([]models.ProviderStatus, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReadyProviders returns the configs of ready providers sorted by name.
func (m *Manager) ReadyProviders() []models.ProviderConfig {
	m.mu.RLock()
	var out []models.ProviderConfig
	for _, c := range m.conns {
		if _, st := c.live(); st == models.ConnReady {
			out = append(out, c.cfg.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Logs returns the last n diagnostic lines of a provider.
func (m *Manager) Logs(name string, n int) []process.LogEntry {
	c := m.get(name)
	if c == nil {
		return nil
	}
	return c.logs.Recent(n)
}

func (m *Manager) get(name string) *connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[name]
}

func (m *Manager) publish(st models.ProviderStatus) {
	data := map[string]any{}
	if st.Reason != "" {
		data["reason"] = st.Reason
	}
	if st.ErrorKind != "" {
		data["error_kind"] = st.ErrorKind
	}
	m.opts.Events.Publish(models.Event{
		Type:     models.EventProviderState,
		Provider: st.Name,
		State:    st.State,
		Data:     data,
	})
}
