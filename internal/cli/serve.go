package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/whispo/contextd/internal/telemetry"
	"github.com/whispo/contextd/pkg/server"
)

var serveFlags struct {
	host     string
	port     int
	noServer bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect providers and serve local tools until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.host, "host", "", "listen host override")
	serveCmd.Flags().IntVar(&serveFlags.port, "port", -1, "listen port override (0 picks a free port)")
	serveCmd.Flags().BoolVar(&serveFlags.noServer, "no-server", false, "only act as a client of providers")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.MCP.Server.Enabled = !serveFlags.noServer
	if serveFlags.host != "" {
		cfg.MCP.Server.Host = serveFlags.host
	}
	if serveFlags.port >= 0 {
		cfg.MCP.Server.Port = serveFlags.port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	srv, err := server.New(ctx, cfg, serverOptions...)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}
	log.Info().
		Str("addr", srv.Addr()).
		Int("providers", len(cfg.MCP.Providers)).
		Msg("contextd ready")

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if terr := shutdownTelemetry(shutdownCtx); terr != nil {
		log.Warn().Err(terr).Msg("Telemetry flush failed")
	}
	return err
}
