package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tracksync/cli/pkg/output"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Requests left in the analytics store's quota window",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		remaining, err := c.Quota(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("failed to get quota: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), map[string]int64{"remaining": remaining}); ok {
			return err
		}
		if remaining == 0 {
			output.Warn("Quota exhausted: deliveries are paused until the window rolls over")
			return nil
		}
		output.Info("Remaining requests: %d", remaining)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Queue depth per task status and engine health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		stats, err := c.Stats(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), stats); ok {
			return err
		}

		statuses := make([]string, 0, len(stats.Queue.Depth))
		for s := range stats.Queue.Depth {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)

		table := output.NewTable([]string{"Status", "Tasks"})
		for _, s := range statuses {
			table.AddRow([]string{output.Status(s), strconv.FormatInt(stats.Queue.Depth[s], 10)})
		}
		table.Render()

		output.Info("\nConsecutive failures: %d", stats.Queue.ConsecutiveFailures)
		output.Info("Remaining quota: %d", stats.Queue.RemainingQuota)
		if len(stats.DeadLetterStream) > 0 {
			output.Info("Dead letter stream: %v", stats.DeadLetterStream)
		}
		return nil
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Operational notifications",
}

var alertsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recently dispatched alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		alerts, err := c.Alerts(commandContext(cmd), limit)
		if err != nil {
			return fmt.Errorf("failed to list alerts: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), alerts); ok {
			return err
		}
		if len(alerts) == 0 {
			output.Info("No alerts")
			return nil
		}

		table := output.NewTable([]string{"ID", "Type", "Severity", "Count", "First Seen", "Last Seen", "Status", "Message"})
		for _, a := range alerts {
			table.AddRow([]string{
				a.ID,
				a.Type,
				a.Severity,
				strconv.FormatInt(a.OccurrenceCount, 10),
				a.FirstSeenAt.Local().Format(timeLayout),
				a.LastSeenAt.Local().Format(timeLayout),
				output.Status(a.Status),
				truncate(a.Message, 60),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quotaCmd, statsCmd, alertsCmd)
	alertsCmd.AddCommand(alertsListCmd)

	alertsListCmd.Flags().Int("limit", 50, "maximum alerts to list")
}
