package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"framerelay/internal/preflight"
)

func newTestConnectionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Check the remote service, local tools, and directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rc, err := ctx.newClient(nil)
			if err != nil {
				return err
			}

			results := preflight.RunAll(cmd.Context(), cfg, rc)
			out := cmd.OutOrStdout()
			for _, result := range results {
				mark := "✓"
				if !result.Passed {
					mark = "✗"
				}
				fmt.Fprintf(out, "%s %s: %s\n", mark, result.Name, result.Detail)
			}
			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d of %d checks failed", len(failed), len(results))
			}
			fmt.Fprintln(out, "All checks passed")
			return nil
		},
	}
}
