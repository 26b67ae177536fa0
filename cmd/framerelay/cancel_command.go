package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"framerelay/internal/jobstore"
)

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Ask a running replication to cancel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id := strings.TrimSpace(args[0])
			job, err := store.RequestCancel(cmd.Context(), id)
			switch {
			case errors.Is(err, jobstore.ErrFinished):
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s already finished (%s)\n", id, statusLabel(job.Status))
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s (%s)\n", job.ID, statusLabel(job.Status))
			return nil
		},
	}
}
