package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"framerelay/internal/jobstore"
)

const statusListLimit = 20

type jobView struct {
	ID              string     `json:"id"`
	Input           string     `json:"input"`
	Output          string     `json:"output,omitempty"`
	Workflow        string     `json:"workflow"`
	Status          string     `json:"status"`
	Progress        float64    `json:"progress_percent"`
	Message         string     `json:"message,omitempty"`
	RemoteTaskID    string     `json:"remote_task_id,omitempty"`
	RemoteStatus    string     `json:"remote_status,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func newJobView(job *jobstore.Job) jobView {
	return jobView{
		ID:              job.ID,
		Input:           job.InputPath,
		Output:          job.OutputPath,
		Workflow:        job.WorkflowID,
		Status:          string(job.Status),
		Progress:        job.ProgressPercent,
		Message:         job.ProgressMessage,
		RemoteTaskID:    job.RemoteTaskID,
		RemoteStatus:    job.RemoteStatus,
		Error:           job.ErrorMessage,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		FinishedAt:      job.FinishedAt,
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show recent replication jobs or one job in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				job, err := store.Get(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("%w: %s", jobstore.ErrNotFound, args[0])
				}
				if asJSON {
					return writeJSON(cmd, newJobView(job))
				}
				renderJobDetail(cmd.OutOrStdout(), job, time.Now())
				return nil
			}

			jobs, err := store.List(cmd.Context(), statusListLimit)
			if err != nil {
				return err
			}
			if asJSON {
				views := make([]jobView, 0, len(jobs))
				for _, job := range jobs {
					views = append(views, newJobView(job))
				}
				return writeJSON(cmd, views)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobTable(jobs, time.Now()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func statusLabel(status jobstore.Status) string {
	return cases.Title(language.Und).String(string(status))
}

func renderJobTable(jobs []*jobstore.Job, now time.Time) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			shortPath(job.InputPath),
			statusLabel(job.Status),
			fmt.Sprintf("%.0f%%", job.ProgressPercent),
			job.RemoteTaskID,
			job.Elapsed(now).Round(time.Second).String(),
			humanize.RelTime(job.UpdatedAt, now, "ago", "from now"),
		})
	}
	return renderTable(
		[]string{"Job", "Input", "Status", "Progress", "Remote Task", "Elapsed", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	)
}

func renderJobDetail(out io.Writer, job *jobstore.Job, now time.Time) {
	fmt.Fprintf(out, "Job:       %s\n", job.ID)
	fmt.Fprintf(out, "Input:     %s\n", job.InputPath)
	if job.OutputPath != "" {
		fmt.Fprintf(out, "Output:    %s\n", job.OutputPath)
	}
	fmt.Fprintf(out, "Workflow:  %s\n", job.WorkflowID)
	fmt.Fprintf(out, "Status:    %s (%.0f%%)\n", statusLabel(job.Status), job.ProgressPercent)
	if job.ProgressMessage != "" {
		fmt.Fprintf(out, "Progress:  %s\n", job.ProgressMessage)
	}
	if job.RemoteTaskID != "" {
		remote := job.RemoteTaskID
		if job.RemoteStatus != "" {
			remote += " (" + job.RemoteStatus + ")"
		}
		fmt.Fprintf(out, "Remote:    %s\n", remote)
	}
	if job.WorkDir != "" {
		fmt.Fprintf(out, "Work dir:  %s\n", job.WorkDir)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", job.ErrorMessage)
	}
	if job.CancelRequested && !job.Status.IsTerminal() {
		fmt.Fprintln(out, "Cancel:    requested")
	}
	fmt.Fprintf(out, "Elapsed:   %s\n", job.Elapsed(now).Round(time.Second))
	fmt.Fprintf(out, "Updated:   %s\n", humanize.RelTime(job.UpdatedAt, now, "ago", "from now"))
}

func shortPath(path string) string {
	const limit = 40
	runes := []rune(path)
	if len(runes) <= limit {
		return path
	}
	return "…" + string(runes[len(runes)-limit+1:])
}
