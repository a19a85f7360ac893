package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tracksync/cli/internal/client"
	"github.com/telhawk-systems/tracksync/cli/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tsync",
	Short: "tracksync CLI",
	Long: `tsync is the command-line interface for the tracksync service.

Inspect and replay dead letters, browse conflicts and correlations, trigger
scheduled tiers, mint admin tokens and seed realistic webhook traffic.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.tsync/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json, yaml")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

func currentProfile(cmd *cobra.Command) (*config.Profile, error) {
	name, _ := cmd.Flags().GetString("profile")
	return cfg.GetProfile(name)
}

// apiClient builds an admin API client for the selected profile.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	p, err := currentProfile(cmd)
	if err != nil {
		return nil, err
	}
	p = p.WithEnv()
	return client.New(p.URL, p.Token), nil
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

const timeLayout = "2006-01-02 15:04:05"
