package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ppiankov/adminguard/internal/config"
	"github.com/ppiankov/adminguard/internal/server"
)

var (
	escalationsAll   bool
	escalationsLimit int
	resolveNote      string
)

func init() {
	rootCmd.AddCommand(escalationsCmd)
	escalationsCmd.AddCommand(escalationsListCmd, escalationsEvaluateCmd, escalationsResolveCmd)

	escalationsListCmd.Flags().BoolVar(&escalationsAll, "all", false, "Include resolved escalations")
	escalationsListCmd.Flags().IntVar(&escalationsLimit, "limit", 50, "Maximum escalations to show")
	escalationsResolveCmd.Flags().StringVar(&resolveNote, "note", "", "Resolution note (required)")
	escalationsResolveCmd.MarkFlagRequired("note")
}

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "Control-health escalations",
}

var escalationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations, open only unless --all",
	Args:  cobra.NoArgs,
	RunE:  runEscalationsList,
}

var escalationsEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one escalation tick now",
	Args:  cobra.NoArgs,
	RunE:  runEscalationsEvaluate,
}

var escalationsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve an open escalation by hand",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalationsResolve,
}

func runEscalationsList(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(core *server.Core, _ *config.Config) error {
		list, err := core.Engine.List(cmd.Context(), !escalationsAll, escalationsLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No escalations.")
			return nil
		}
		fmt.Fprintf(out, "%-36s %-26s %-9s %8s %-17s %s\n", "ID", "METRIC", "SEVERITY", "VALUE", "OPENED", "RESOLVED")
		for _, e := range list {
			resolved := "-"
			if e.ResolvedAt != nil {
				resolved = e.ResolvedAt.UTC().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(out, "%-36s %-26s %-9s %8.0f %-17s %s\n",
				e.ID, e.Metric, e.Severity, e.Value, e.OpenedAt.UTC().Format("2006-01-02 15:04"), resolved)
		}
		return nil
	})
}

func runEscalationsEvaluate(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(core *server.Core, _ *config.Config) error {
		res, err := core.Engine.Tick(cmd.Context())
		out := cmd.OutOrStdout()
		if res.Skipped {
			fmt.Fprintln(out, "Skipped: another instance holds the tick lease.")
			return err
		}
		names := make([]string, 0, len(res.Values))
		for name := range res.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%-26s %g\n", name, res.Values[name])
		}
		for _, c := range res.Changes {
			verb := "resolved"
			if c.Opened {
				verb = "opened " + string(c.Escalation.Severity)
			}
			fmt.Fprintf(out, "%s: %s (%s)\n", c.Metric, verb, c.Escalation.ID)
		}
		return err
	})
}

func runEscalationsResolve(cmd *cobra.Command, args []string) error {
	return withCore(cmd.Context(), func(core *server.Core, _ *config.Config) error {
		esc, err := core.Engine.Resolve(cmd.Context(), args[0], resolveNote)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s (%s)\n", esc.ID, esc.Metric)
		return nil
	})
}
