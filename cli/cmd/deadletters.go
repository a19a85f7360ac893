package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tracksync/cli/internal/client"
	"github.com/telhawk-systems/tracksync/cli/pkg/output"
)

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Dead-lettered delivery tasks",
	Long:    "List, replay and discard tasks that exhausted their delivery attempts",
}

var deadLettersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := c.DeadLetters(commandContext(cmd), limit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), tasks); ok {
			return err
		}
		if len(tasks) == 0 {
			output.Info("No dead letters")
			return nil
		}
		renderTasks(tasks)
		return nil
	},
}

var deadLettersStreamCmd = &cobra.Command{
	Use:   "stream",
	Short: "List dead letters mirrored to the JetStream stream",
	Long:  "List dead letters mirrored to the JetStream stream. Entries remain after replay or discard.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := c.DeadLetterStream(commandContext(cmd), limit)
		if err != nil {
			return fmt.Errorf("failed to read dead-letter stream: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), entries); ok {
			return err
		}
		if len(entries) == 0 {
			output.Info("Dead-letter stream is empty")
			return nil
		}

		table := output.NewTable([]string{"Mirrored", "Task", "Target", "Reason", "Attempts", "Error"})
		for _, e := range entries {
			id, target := "", ""
			if e.Task != nil {
				id, target = e.Task.ID, e.Task.Target
			}
			table.AddRow([]string{
				e.Timestamp.Local().Format(timeLayout),
				id,
				target,
				e.Reason,
				strconv.Itoa(e.Attempts),
				truncate(e.Error, 48),
			})
		}
		table.Render()
		return nil
	},
}

var deadLettersReplayCmd = &cobra.Command{
	Use:   "replay [task-id...]",
	Short: "Return dead-lettered tasks to the queue with a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachTask(cmd, args, "replay", func(c *client.Client, id string) (*client.Task, error) {
			return c.Replay(commandContext(cmd), id)
		})
	},
}

var deadLettersDiscardCmd = &cobra.Command{
	Use:   "discard [task-id...]",
	Short: "Mark dead-lettered tasks as permanently failed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachTask(cmd, args, "discard", func(c *client.Client, id string) (*client.Task, error) {
			return c.Discard(commandContext(cmd), id)
		})
	},
}

func eachTask(cmd *cobra.Command, ids []string, verb string, fn func(*client.Client, string) (*client.Task, error)) error {
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	failed := 0
	for _, id := range ids {
		task, err := fn(c, id)
		if err != nil {
			output.Error("%s %s: %v", verb, id, err)
			failed++
			continue
		}
		output.Success("%s %s: %s", verb, task.ID, output.Status(task.Status))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed to %s", failed, len(ids), verb)
	}
	return nil
}

func renderTasks(tasks []client.Task) {
	table := output.NewTable([]string{"Task", "Target", "Logical Key", "Status", "Attempt", "Last Error", "Updated"})
	for _, t := range tasks {
		table.AddRow([]string{
			t.ID,
			t.Target,
			t.LogicalKey,
			output.Status(t.Status),
			strconv.Itoa(t.Attempt),
			truncate(t.LastError, 48),
			t.UpdatedAt.Local().Format(timeLayout),
		})
	}
	table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(deadLettersCmd)
	deadLettersCmd.AddCommand(deadLettersListCmd, deadLettersStreamCmd, deadLettersReplayCmd, deadLettersDiscardCmd)

	deadLettersListCmd.Flags().Int("limit", 50, "maximum tasks to list")
	deadLettersStreamCmd.Flags().Int("limit", 100, "maximum entries to list")
}
