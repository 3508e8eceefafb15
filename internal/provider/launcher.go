package provider

import (
	"context"
	"io"
	"time"

	"github.com/whispo/contextd/internal/process"
	"github.com/whispo/contextd/pkg/models"
)

// Transport is the byte stream to one provider: reads come from the
// provider, writes go to it, Close terminates it.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Launcher starts a provider and returns its transport. Diagnostic output
// of the provider should be written to logs.
type Launcher interface {
	Launch(ctx context.Context, cfg models.ProviderConfig, logs *process.LogBuffer) (Transport, error)
}

type LauncherFunc func(ctx context.Context, cfg models.ProviderConfig, logs *process.LogBuffer) (Transport, error)

func (f LauncherFunc) Launch(ctx context.Context, cfg models.ProviderConfig, logs *process.LogBuffer) (Transport, error) {
	return f(ctx, cfg, logs)
}

// ProcessLauncher runs providers as child processes.
type ProcessLauncher struct {
	StopGrace time.Duration
}

func (l ProcessLauncher) Launch(_ context.Context, cfg models.ProviderConfig, logs *process.LogBuffer) (Transport, error) {
	return process.Spawn(cfg, logs, l.StopGrace)
}
