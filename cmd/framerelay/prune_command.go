package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"framerelay/internal/staging"
)

func newPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old finished jobs and stale work directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.List(cmd.Context(), 0)
			if err != nil {
				return err
			}
			active := make(map[string]struct{})
			for _, job := range jobs {
				if !job.Status.IsTerminal() {
					active[job.ID] = struct{}{}
				}
			}

			out := cmd.OutOrStdout()
			if dryRun {
				dirs, err := staging.ListDirectories(cfg.Paths.TempDir)
				if err != nil {
					return err
				}
				cutoff := time.Now().Add(-olderThan)
				for _, dir := range dirs {
					if _, ok := active[dir.Name]; ok || !dir.ModTime.Before(cutoff) {
						continue
					}
					fmt.Fprintf(out, "would remove %s (%s)\n", dir.Path, humanize.Bytes(uint64(dir.Size)))
				}
				return nil
			}

			pruned, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			result := staging.Sweep(cmd.Context(), cfg.Paths.TempDir, olderThan, active, logger)
			fmt.Fprintf(out, "Removed %d finished jobs and %d work directories (%s freed)\n",
				pruned, len(result.Removed), humanize.Bytes(uint64(result.Freed())))
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d work directories could not be removed", len(result.Errors))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Age beyond which finished jobs and work directories are removed")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List work directories that would be removed")
	return cmd
}
