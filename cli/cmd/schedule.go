package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tracksync/cli/internal/client"
	"github.com/telhawk-systems/tracksync/cli/pkg/output"
)

var tiers = []string{"realtime", "hourly", "daily", "weekly", "monthly"}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Scheduler run history",
}

var runsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List schedule runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		tier, _ := cmd.Flags().GetString("tier")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := c.Runs(commandContext(cmd), tier, limit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if ok, err := output.Structured(outputFormat(cmd), runs); ok {
			return err
		}
		if len(runs) == 0 {
			output.Info("No runs recorded")
			return nil
		}
		renderRuns(runs)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Scheduled job tiers",
}

var scheduleRunCmd = &cobra.Command{
	Use:       "run [tier]",
	Short:     "Run every job of a tier now",
	Long:      "Run every job of a tier now. Manual runs do not move the tier's checkpoint.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: tiers,
	RunE: func(cmd *cobra.Command, args []string) error {
		tier := strings.ToLower(args[0])
		if !validTier(tier) {
			return fmt.Errorf("unknown tier %q (expected one of %s)", tier, strings.Join(tiers, ", "))
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		run, err := c.RunTier(commandContext(cmd), tier)
		if err != nil {
			return fmt.Errorf("failed to run %s: %w", tier, err)
		}
		if ok, err := output.Structured(outputFormat(cmd), run); ok {
			return err
		}
		if len(run.Errors) > 0 {
			output.Warn("%s run %s finished with %d errors", tier, run.ID, len(run.Errors))
			for _, e := range run.Errors {
				output.Info("  %s", e)
			}
			return nil
		}
		output.Success("%s run %s processed %d records", tier, run.ID, run.RecordsProcessed)
		return nil
	},
}

func validTier(tier string) bool {
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

func renderRuns(runs []client.Run) {
	table := output.NewTable([]string{"ID", "Tier", "Trigger", "Started", "Duration", "Records", "Errors"})
	for _, r := range runs {
		duration := "running"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		errs := strconv.Itoa(len(r.Errors))
		if len(r.Errors) > 0 {
			errs = output.Status("failed") + " (" + errs + ")"
		}
		table.AddRow([]string{
			r.ID,
			r.Tier,
			r.Trigger,
			r.StartedAt.Local().Format(timeLayout),
			duration,
			strconv.Itoa(r.RecordsProcessed),
			errs,
		})
	}
	table.Render()
}

func init() {
	rootCmd.AddCommand(runsCmd, scheduleCmd)
	runsCmd.AddCommand(runsListCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)

	runsListCmd.Flags().String("tier", "", "only runs of this tier")
	runsListCmd.Flags().Int("limit", 20, "maximum runs to list")
}
