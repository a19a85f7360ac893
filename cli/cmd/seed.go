package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tracksync/cli/internal/client"
	"github.com/telhawk-systems/tracksync/cli/internal/seeder"
	"github.com/telhawk-systems/tracksync/cli/pkg/output"
)

var (
	seedCfgFile  string
	seedURL      string
	seedOrders   int
	seedSessions int
	seedSpan     string
	seedSeed     int64
	seedRate     float64
	seedWorkers  int
	seedChannels string
	seedSecret   string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Webhook traffic seeder",
	Long:  "Generate correlated order, payment, shipping, support, inventory and storefront webhooks",
}

var seedRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send generated webhooks to the tracking service",
	Long: `Generate webhooks and POST them to /webhooks/{channel}, signed like a real source.

Configuration cascade (priority order):
  1. Command-line flags
  2. ./seeder.yaml (project directory)
  3. ~/.tsync/seeder.yaml (user directory)
  4. Built-in defaults

Examples:
  # 50 orders and 100 sessions spread over the last two days
  tsync seed run --orders 50 --sessions 100 --span 2d

  # Reproducible payments traffic only
  tsync seed run --seed 42 --channels payments`,
	RunE: runSeed,
}

var seedPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Print generated webhooks without sending them",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := seedConfig(cmd)
		if err != nil {
			return err
		}
		webhooks := generate(conf)

		if outputFormat(cmd) == "json" {
			envelopes := make([]seeder.Envelope, len(webhooks))
			for i, w := range webhooks {
				envelopes[i] = w.Envelope
			}
			return output.JSON(envelopes)
		}

		table := output.NewTable([]string{"Occurred", "Channel", "Event", "Correlation"})
		for _, w := range webhooks {
			table.AddRow([]string{w.OccurredAt.Local().Format(timeLayout), w.Channel, w.Envelope.Event, w.Envelope.CorrelationID})
		}
		table.Render()
		output.Info("\n%d webhooks", len(webhooks))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.AddCommand(seedRunCmd, seedPreviewCmd)

	seedCmd.PersistentFlags().StringVar(&seedCfgFile, "seed-config", "", "seeder config file (default: ./seeder.yaml or ~/.tsync/seeder.yaml)")
	seedCmd.PersistentFlags().IntVar(&seedOrders, "orders", 0, "order lifecycles to generate")
	seedCmd.PersistentFlags().IntVar(&seedSessions, "sessions", 0, "storefront sessions to generate")
	seedCmd.PersistentFlags().StringVarP(&seedSpan, "span", "s", "", "period the events are spread over, ending now (e.g. 6h, 7d)")
	seedCmd.PersistentFlags().Int64Var(&seedSeed, "seed", 0, "random seed; 0 picks a random one")
	seedCmd.PersistentFlags().StringVar(&seedChannels, "channels", "", "comma-separated channels to keep")

	seedRunCmd.Flags().StringVar(&seedURL, "url", "", "tracking service URL (default: profile url)")
	seedRunCmd.Flags().Float64Var(&seedRate, "rate", 0, "requests per second; 0 is unlimited")
	seedRunCmd.Flags().IntVarP(&seedWorkers, "workers", "w", 0, "parallel senders")
	seedRunCmd.Flags().StringVar(&seedSecret, "secret", "", "shared webhook secret (default: profile webhook_secret)")
}

// seedConfig loads the seeder config and applies flag overrides.
func seedConfig(cmd *cobra.Command) (*seeder.Config, error) {
	conf, err := seeder.LoadConfig(seedCfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load seeder config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("orders") {
		conf.Defaults.Orders = seedOrders
	}
	if flags.Changed("sessions") {
		conf.Defaults.Sessions = seedSessions
	}
	if flags.Changed("span") {
		span, err := parseDuration(seedSpan)
		if err != nil {
			return nil, fmt.Errorf("invalid span: %w", err)
		}
		conf.Defaults.Span = span
	}
	if flags.Changed("seed") {
		conf.Defaults.Seed = seedSeed
	}
	if flags.Changed("channels") {
		conf.Defaults.Channels = splitList(seedChannels)
	}
	if flags.Changed("url") {
		conf.Defaults.URL = seedURL
	}
	if flags.Changed("rate") {
		conf.Defaults.Rate = seedRate
	}
	if flags.Changed("workers") {
		conf.Defaults.Workers = seedWorkers
	}
	if flags.Changed("secret") {
		conf.Signing.SharedSecret = seedSecret
	}
	return conf, conf.Validate()
}

func generate(conf *seeder.Config) []seeder.Webhook {
	start := time.Now().Add(-conf.Defaults.Span)
	gen := seeder.NewGenerator(conf.Defaults.Seed, start, conf.Defaults.Span)
	return gen.Generate(conf.Defaults.Orders, conf.Defaults.Sessions, conf.Defaults.Channels)
}

func runSeed(cmd *cobra.Command, args []string) error {
	conf, err := seedConfig(cmd)
	if err != nil {
		return err
	}

	p, err := currentProfile(cmd)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("url") && p.URL != "" {
		conf.Defaults.URL = p.URL
	}
	if conf.Signing.SharedSecret == "" {
		conf.Signing.SharedSecret = p.WebhookSecret
	}

	webhooks := generate(conf)
	output.Info("Sending %d webhooks to %s", len(webhooks), conf.Defaults.URL)

	step := len(webhooks) / 20
	if step < 100 {
		step = 100
	}
	runner := &seeder.Runner{
		Poster:  client.New(conf.Defaults.URL, ""),
		Signing: conf.SigningRules(),
		Rate:    conf.Defaults.Rate,
		Workers: conf.Defaults.Workers,
		Progress: func(done, total int) {
			if done%step == 0 || done == total {
				output.Info("Progress: %d/%d (%.1f%%)", done, total, float64(done)*100/float64(total))
			}
		},
	}

	started := time.Now()
	result, err := runner.Run(commandContext(cmd), webhooks)
	if result != nil {
		for _, e := range firstN(result.Errors, 5) {
			output.Error("%v", e)
		}
		output.Success("Sent %d webhooks in %s (%d duplicates)", result.Sent, time.Since(started).Round(time.Millisecond), result.Duplicates)
		for _, ch := range seeder.Channels {
			if n := result.ByChannel[ch]; n > 0 {
				output.Info("  %-14s %d", ch, n)
			}
		}
		if result.Failed > 0 {
			output.Warn("%d webhooks failed", result.Failed)
		}
	}
	if err != nil {
		return fmt.Errorf("seeding stopped: %w", err)
	}
	return nil
}

func firstN(errs []error, n int) []error {
	if len(errs) > n {
		return errs[:n]
	}
	return errs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration parses duration strings like "24h", "7d", "90d".
func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var d int
		if _, err := fmt.Sscanf(days, "%d", &d); err != nil {
			return 0, err
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
