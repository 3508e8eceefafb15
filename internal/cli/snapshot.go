package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whispo/contextd/pkg/server"
)

var snapshotFlags struct {
	transcript string
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Build a context snapshot, optionally enhancing a transcript with it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
			snap, err := srv.Aggregator.BuildSnapshot(ctx)
			if err != nil {
				return err
			}
			if snapshotFlags.transcript == "" {
				return printJSON(stdout(), snap)
			}
			enhanced, err := srv.Aggregator.Enhance(ctx, snapshotFlags.transcript, snap)
			if err != nil {
				return err
			}
			if globalFlags.JSON {
				return printJSON(stdout(), map[string]any{
					"snapshot":   snap,
					"transcript": snapshotFlags.transcript,
					"enhanced":   enhanced,
				})
			}
			_, err = fmt.Fprintln(stdout(), enhanced)
			return err
		})
	},
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotFlags.transcript, "transcript", "", "transcript to enhance with the snapshot")
}
