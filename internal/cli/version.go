package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/whispo/contextd/internal/protocol"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if globalFlags.JSON {
			return printJSON(stdout(), map[string]string{
				"version":  Version,
				"protocol": protocol.LatestProtocolVersion,
				"go":       runtime.Version(),
			})
		}
		_, err := fmt.Fprintf(stdout(), "contextd %s (protocol %s, %s)\n", Version, protocol.LatestProtocolVersion, runtime.Version())
		return err
	},
}
