package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"framerelay/internal/logging"
	"framerelay/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		lines  int
		jobID  string
		follow bool
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the framerelay log, optionally for one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return logs.Tail(runCtx, logging.FilePath(cfg), logs.TailOptions{
				Lines:  lines,
				JobID:  jobID,
				Follow: follow,
			}, func(line string) {
				if !raw {
					line = logs.Format(line)
				}
				fmt.Fprintln(out, line)
			})
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of records to show")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show records for this job id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new records")
	cmd.Flags().BoolVar(&raw, "json", false, "Print raw JSON records")
	return cmd
}
