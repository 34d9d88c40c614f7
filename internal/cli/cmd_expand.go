package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certbox/certbox/internal/plan"
)

func newExpandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expand <test-plan>",
		Short: "Show the resolved job list for a test plan",
		Long: `Resolve a test plan and print the visible job list in execution
order. Templates bound to resources that only exist after bootstrap are
listed as deferred; their concrete jobs appear once a run has probed the
hardware.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			resolver, err := plan.NewResolver(e.universe)
			if err != nil {
				return err
			}
			graph, warnings, err := resolver.Resolve(args[0], nil)
			if err != nil {
				return err
			}
			logWarnings(warnings)

			out := cmd.OutOrStdout()
			for _, j := range graph.Jobs() {
				line := fmt.Sprintf("%-14s %s", j.Plugin, j.ID)
				if j.CertificationStatus != "" {
					line += "  [" + string(j.CertificationStatus) + "]"
				}
				fmt.Fprintln(out, line)
			}
			for _, id := range graph.Deferred() {
				fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%-14s %s (deferred until bootstrap)", "template", id)))
			}
			return nil
		},
	}
}
