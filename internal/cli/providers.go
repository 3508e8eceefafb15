package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/whispo/contextd/pkg/server"
)

var providersFlags struct {
	logs int
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show the connection state of every configured provider",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServer(cmd.Context(), func(_ context.Context, srv *server.Server) error {
			statuses := srv.Providers.Statuses()
			if globalFlags.JSON {
				return printJSON(stdout(), statuses)
			}
			if len(statuses) == 0 {
				_, err := fmt.Fprintln(stdout(), "no providers configured")
				return err
			}

			w := tabwriter.NewWriter(stdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTATE\tSERVER\tPROTOCOL\tREASON")
			for _, st := range statuses {
				peer := st.ServerName
				if st.ServerVersion != "" {
					peer += " " + st.ServerVersion
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.Name, st.State, dash(peer), dash(st.ProtocolVersion), dash(st.Reason))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if providersFlags.logs <= 0 {
				return nil
			}
			for _, st := range statuses {
				fmt.Fprintf(stdout(), "\n== %s ==\n", st.Name)
				for _, e := range srv.Providers.Logs(st.Name, providersFlags.logs) {
					fmt.Fprintf(stdout(), "%s [%s] %s\n", e.Timestamp.Format(time.TimeOnly), e.Stream, e.Line)
				}
			}
			return nil
		})
	},
}

func init() {
	providersCmd.Flags().IntVar(&providersFlags.logs, "logs", 0, "print the last N diagnostic lines of each provider")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
