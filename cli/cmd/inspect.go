package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tracksync/cli/internal/client"
	"github.com/telhawk-systems/tracksync/cli/pkg/output"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Delivery tasks",
}

var tasksGetCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Show a delivery task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		task, err := c.Task(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), task); ok {
			return err
		}

		output.Info("Task: %s", task.ID)
		output.Info("Target: %s", task.Target)
		output.Info("Logical key: %s", task.LogicalKey)
		output.Info("Idempotency key: %s", task.IdempotencyKey)
		output.Info("Status: %s", output.Status(task.Status))
		output.Info("Attempt: %d", task.Attempt)
		if task.LastError != "" {
			output.Info("Last error: %s", task.LastError)
		}
		if task.SupersededBy != "" {
			output.Info("Superseded by: %s", task.SupersededBy)
		}
		output.Info("Next attempt: %s", task.NextAttemptAt.Local().Format(timeLayout))
		output.Info("Created: %s", task.CreatedAt.Local().Format(timeLayout))
		if task.DeliveredAt != nil {
			output.Info("Delivered: %s", task.DeliveredAt.Local().Format(timeLayout))
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Resolved write conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List conflict records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("key")
		limit, _ := cmd.Flags().GetInt("limit")

		conflicts, err := c.Conflicts(commandContext(cmd), key, limit)
		if err != nil {
			return fmt.Errorf("failed to list conflicts: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), conflicts); ok {
			return err
		}
		if len(conflicts) == 0 {
			output.Info("No conflicts recorded")
			return nil
		}

		table := output.NewTable([]string{"ID", "Target", "Logical Key", "Candidates", "Winner", "Strategy", "Resolved"})
		for _, cr := range conflicts {
			table.AddRow([]string{
				cr.ID,
				cr.Target,
				cr.LogicalKey,
				fmt.Sprintf("%d", len(cr.Candidates)),
				cr.WinnerTaskID,
				cr.Strategy,
				cr.ResolvedAt.Local().Format(timeLayout),
			})
		}
		table.Render()
		return nil
	},
}

var correlationCmd = &cobra.Command{
	Use:     "correlation",
	Aliases: []string{"corr"},
	Short:   "Cross-system correlation timelines",
}

var correlationGetCmd = &cobra.Command{
	Use:   "get [correlation-id]",
	Short: "Show every event sharing a correlation id, in time order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		group, err := c.Correlation(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("failed to get correlation: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), group); ok {
			return err
		}
		renderTimeline(group)
		return nil
	},
}

func renderTimeline(group *client.Correlation) {
	output.Info("Correlation: %s", group.CorrelationID)
	output.Info("Systems: %s", strings.Join(group.Systems, ", "))
	output.Info("Span: %s\n", (time.Duration(group.SpanMs) * time.Millisecond).String())

	table := output.NewTable([]string{"Occurred", "System", "Event", "Event ID"})
	for _, e := range group.Events {
		table.AddRow([]string{e.OccurredAt.Local().Format(timeLayout), e.SourceSystem, e.EventType, e.EventID})
	}
	table.Render()
}

func init() {
	rootCmd.AddCommand(tasksCmd, conflictsCmd, correlationCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	correlationCmd.AddCommand(correlationGetCmd)

	conflictsListCmd.Flags().String("key", "", "only conflicts for this logical key")
	conflictsListCmd.Flags().Int("limit", 50, "maximum records to list")
}
