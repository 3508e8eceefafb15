package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/whispo/contextd/pkg/models"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks required fields and constraints. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		add("log_level=%q", c.LogLevel)
	}
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the sqlite driver")
		}
	case StoreMemory:
	default:
		add("store.driver=%q; allowed: %s, %s", c.Store.Driver, StoreSQLite, StoreMemory)
	}

	seen := map[string]bool{}
	for i, p := range c.MCP.Providers {
		switch {
		case strings.TrimSpace(p.Name) == "":
			add("mcp.providers[%d].name is required", i)
		case strings.Contains(p.Name, "/"):
			add("mcp.providers[%d].name=%q must not contain '/'", i, p.Name)
		case p.Name == models.LocalNamespace:
			add("mcp.providers[%d].name=%q is reserved", i, p.Name)
		case seen[p.Name]:
			add("mcp.providers[%d].name=%q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if p.Enabled && strings.TrimSpace(p.Command) == "" {
			add("mcp.providers[%d].command is required when enabled", i)
		}
	}

	srv := c.MCP.Server
	if srv.Port < 0 || srv.Port > 65535 {
		add("mcp.server.port=%d out of range", srv.Port)
	}
	if !strings.HasPrefix(srv.Path, "/") || srv.Path == "/" {
		add("mcp.server.path=%q must start with '/' and name an endpoint", srv.Path)
	}
	if srv.Enabled && srv.Host == "" {
		add("mcp.server.host is required when the server is enabled")
	}

	for name, d := range map[string]Duration{
		"mcp.call_timeout":      c.MCP.CallTimeout,
		"mcp.list_timeout":      c.MCP.ListTimeout,
		"mcp.handshake_timeout": c.MCP.HandshakeTimeout,
		"context.budget":        c.Context.Budget,
	} {
		if d.Duration <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.MCP.Reconnect.MaxAttempts < 0 {
		add("mcp.reconnect.max_attempts must not be negative")
	}
	if c.Store.Retention.MaxAge.Duration < 0 || c.Store.Retention.MaxItems < 0 {
		add("store.retention limits must not be negative")
	}
	if c.Context.MaxContextLength < 0 {
		add("context.max_context_length must not be negative")
	}

	return errors.Join(errs...)
}
