// Package cli implements the contextd command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/whispo/contextd/internal/config"
	"github.com/whispo/contextd/pkg/server"
)

// GlobalFlags holds flags shared across all commands.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	JSON       bool
}

var globalFlags GlobalFlags

// Options injected by the embedding binary; nil uses defaults.
var serverOptions []server.Option

var rootCmd = &cobra.Command{
	Use:           "contextd",
	Short:         "Context protocol layer for the dictation assistant",
	Long:          "contextd connects to external context providers, aggregates their context for transcript enhancement, and exposes local dictation tools to other applications.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "config file path (default: user config dir)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute(opts ...server.Option) error {
	serverOptions = opts
	return rootCmd.Execute()
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalFlags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if Version != "dev" {
		cfg.Version = Version
	}
	if globalFlags.LogLevel != "" {
		cfg.LogLevel = globalFlags.LogLevel
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

// withServer runs fn against a started server that does not listen for
// consumers, and shuts it down afterwards.
func withServer(ctx context.Context, fn func(ctx context.Context, srv *server.Server) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.MCP.Server.Enabled = false

	srv, err := server.New(ctx, cfg, serverOptions...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, srv)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdout() io.Writer { return os.Stdout }
