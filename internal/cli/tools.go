package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/pkg/models"
	"github.com/whispo/contextd/pkg/server"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List local tools and the tools of every configured provider",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
			res, err := srv.Invoker.ListTools(ctx)
			if err != nil {
				return err
			}
			descs := append(srv.Dispatcher.List(), res.Tools...)
			if globalFlags.JSON {
				return printJSON(stdout(), map[string]any{"tools": descs, "failures": res.Failures})
			}

			w := tabwriter.NewWriter(stdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tFLAGS\tDESCRIPTION")
			for _, d := range descs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.QualifiedName(), flags(d), firstSentence(d.Description))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, f := range res.Failures {
				fmt.Fprintf(stdout(), "provider %s unavailable (%s): %s\n", f.Provider, f.Kind, f.Message)
			}
			return nil
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <tool> [json-arguments]",
	Short: "Call a tool; provider tools are addressed as <provider>/<tool>",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var arguments map[string]any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &arguments); err != nil {
				return fmt.Errorf("arguments must be a JSON object: %w", err)
			}
		}
		return withServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
			ns, name := registry.Split(args[0])
			var (
				res *protocol.CallToolResult
				err error
			)
			if ns == models.LocalNamespace {
				res, err = srv.Dispatcher.Dispatch(ctx, name, arguments)
			} else {
				res, err = srv.Invoker.CallTool(ctx, ns, name, arguments)
			}
			if res != nil {
				if perr := printJSON(stdout(), res); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

func flags(d models.ToolDescriptor) string {
	var f []string
	if d.Mutating {
		f = append(f, "mutating")
	}
	if d.Stale {
		f = append(f, "stale")
	}
	if len(f) == 0 {
		return "-"
	}
	return strings.Join(f, ",")
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".\n"); i >= 0 {
		return s[:i]
	}
	return s
}
