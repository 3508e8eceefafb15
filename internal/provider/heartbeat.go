package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/rpc"
	"github.com/whispo/contextd/pkg/models"
)

// ReconnectPolicy bounds the exponential backoff used after a provider
// degrades. After MaxAttempts failed attempts the provider is closed and
// stays closed until it is re-enabled.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// monitor watches a ready connection until it ends, the heartbeat lapses,
// or the provider is disconnected.
func (m *Manager) monitor(c *connection, conn *rpc.Conn) {
	var tick <-chan time.Time
	if m.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(m.opts.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	heartbeats := true

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-conn.Done():
			if m.degrade(c, conn, fmt.Sprintf("connection lost: %v", conn.Err())) {
				m.reconnect(c)
			}
			return
		case <-tick:
			if !heartbeats {
				continue
			}
			hctx, cancel := context.WithTimeout(c.ctx, m.opts.HeartbeatTimeout)
			_, err := conn.Call(hctx, protocol.MethodPing, nil)
			cancel()
			if err == nil {
				continue
			}
			var rpcErr *protocol.RPCError
			if errors.As(err, &rpcErr) {
				// Any answer proves liveness.
				if rpcErr.Code == protocol.CodeMethodNotFound {
					log.Debug().Str("provider", c.cfg.Name).Msg("Provider does not answer ping, heartbeat disabled")
					heartbeats = false
				}
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			if m.degrade(c, conn, fmt.Sprintf("heartbeat lapsed: %v", err)) {
				conn.Close()
				m.reconnect(c)
			}
			return
		}
	}
}

// degrade moves a ready connection to degraded and marks its tools stale.
// It reports false when conn is no longer the current connection.
func (m *Manager) degrade(c *connection, conn *rpc.Conn, reason string) bool {
	c.mu.Lock()
	if c.conn != conn || c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.status.State = models.ConnDegraded
	c.status.Reason = reason
	c.status.UpdatedAt = time.Now().UTC()
	st := c.status
	c.mu.Unlock()

	m.opts.Registry.MarkStale(c.cfg.Name)
	log.Warn().Str("provider", c.cfg.Name).Str("reason", reason).Msg("Provider degraded")
	m.publish(st)
	return true
}

// reconnect retries establish with bounded exponential backoff.
func (m *Manager) reconnect(c *connection) {
	var (
		conn     *rpc.Conn
		info     protocol.InitializeResult
		attempts int
	)
	op := func() error {
		attempts++
		c.mu.Lock()
		c.status.Attempts = attempts
		c.mu.Unlock()

		cn, in, err := m.establish(c.ctx, c)
		if err != nil {
			if errors.Is(err, errIncompatibleVersion) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn, info = cn, in
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("provider", c.cfg.Name).Int("attempt", attempts).Dur("retry_in", wait).Msg("Provider reconnect failed")
	}

	if err := backoff.RetryNotify(op, m.opts.Reconnect.backOff(c.ctx), notify); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		m.closeWith(c, fmt.Errorf("reconnect gave up after %d attempts: %w", attempts, err))
		return
	}
	if !m.install(c, conn, info) {
		conn.Close()
		return
	}
	c.mu.Lock()
	c.status.Attempts = 0
	c.mu.Unlock()
	go m.monitor(c, conn)
}
