package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"framerelay/internal/logging"
	"framerelay/internal/remote"
	"framerelay/internal/workflowdef"
)

type workflowRow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Source      string          `json:"source"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func newListWorkflowsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list-workflows",
		Short: "List remote workflows and local workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			rc, err := ctx.newClient(nil)
			if err != nil {
				return err
			}

			remoteInfos, remoteErr := rc.ListWorkflows(cmd.Context())
			if remoteErr != nil {
				logging.WarnWithContext(logger, "remote workflow listing failed", "list_workflows_failed",
					logging.Error(remoteErr),
					logging.String(logging.FieldImpact, "only local definitions are shown"),
					logging.String(logging.FieldErrorHint, "run framerelay test-connection"),
				)
			}
			defs, err := workflowdef.LoadDir(cfg.Paths.WorkflowsDir)
			if err != nil {
				return err
			}
			if remoteErr != nil && len(defs) == 0 {
				return fmt.Errorf("list workflows: %w", remoteErr)
			}

			rows := mergeWorkflows(remoteInfos, defs)
			if asJSON {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows available")
				return nil
			}
			table := make([][]string, 0, len(rows))
			for _, row := range rows {
				table = append(table, []string{row.ID, row.Name, row.Source, row.Description})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "Source", "Description"}, table, nil))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// mergeWorkflows combines remote workflows with local definitions. A local
// definition for a remote id keeps the remote name and is marked "both".
func mergeWorkflows(infos []remote.WorkflowInfo, defs []workflowdef.Definition) []workflowRow {
	byID := make(map[string]*workflowRow, len(infos)+len(defs))
	for _, info := range infos {
		byID[info.ID] = &workflowRow{
			ID:          info.ID,
			Name:        info.Name,
			Description: info.Description,
			Source:      "remote",
			InputSchema: info.InputSchema,
		}
	}
	for _, def := range defs {
		info := def.Info()
		if row, ok := byID[def.ID]; ok {
			row.Source = "both"
			if row.Description == "" {
				row.Description = info.Description
			}
			if len(row.InputSchema) == 0 {
				row.InputSchema = info.InputSchema
			}
			continue
		}
		byID[def.ID] = &workflowRow{
			ID:          info.ID,
			Name:        info.Name,
			Description: info.Description,
			Source:      "local",
			InputSchema: info.InputSchema,
		}
	}
	rows := make([]workflowRow, 0, len(byID))
	for _, row := range byID {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}
