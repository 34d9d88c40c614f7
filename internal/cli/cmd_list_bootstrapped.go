package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certbox/certbox/internal/plan"
)

func newListBootstrappedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-bootstrapped <test-plan>",
		Short: "List a test plan's bootstrap jobs",
		Long: `Print the jobs a test plan runs before its visible job list. These
probe the hardware and produce the resource records that requirement
expressions and deferred templates consume.`,
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
			graph, _, err := resolver.Resolve(args[0], nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range graph.Bootstrap() {
				fmt.Fprintf(out, "%-10s %s\n", j.Plugin, j.ID)
			}
			return nil
		},
	}
}
