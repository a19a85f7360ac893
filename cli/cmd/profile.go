package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tracksync/cli/internal/config"
	"github.com/telhawk-systems/tracksync/cli/pkg/output"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Connection profiles",
	Long:  "Manage the tracking deployments tsync talks to",
}

var profileSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Create or update a profile and make it current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		p := &config.Profile{URL: config.DefaultURL}
		if existing, ok := cfg.Profiles[name]; ok {
			p = existing
		}

		if cmd.Flags().Changed("url") {
			p.URL, _ = cmd.Flags().GetString("url")
		}
		if cmd.Flags().Changed("token") {
			p.Token, _ = cmd.Flags().GetString("token")
		}
		if cmd.Flags().Changed("jwt-secret") {
			p.JWTSecret, _ = cmd.Flags().GetString("jwt-secret")
		}
		if cmd.Flags().Changed("webhook-secret") {
			p.WebhookSecret, _ = cmd.Flags().GetString("webhook-secret")
		}

		if err := cfg.SetProfile(name, p); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		output.Success("Profile '%s' saved (%s)", name, p.URL)
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use [name]",
	Short: "Switch the current profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, ok := cfg.Profiles[args[0]]
		if !ok {
			return fmt.Errorf("profile '%s' not found", args[0])
		}
		if err := cfg.SetProfile(args[0], p); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		output.Success("Now using profile '%s'", args[0])
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Profiles) == 0 {
			output.Info("No profiles configured, using %s", config.DefaultURL)
			return nil
		}

		table := output.NewTable([]string{"", "Name", "URL", "Token", "JWT Secret"})
		for _, name := range cfg.Names() {
			p := cfg.Profiles[name]
			current := ""
			if name == cfg.CurrentProfile {
				current = "*"
			}
			table.AddRow([]string{current, name, p.URL, yesNo(p.Token != ""), yesNo(p.JWTSecret != "")})
		}
		table.Render()
		return nil
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:     "remove [name]",
	Aliases: []string{"rm"},
	Short:   "Delete a profile",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RemoveProfile(args[0]); err != nil {
			return err
		}
		output.Success("Profile '%s' removed", args[0])
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileSetCmd, profileUseCmd, profileListCmd, profileRemoveCmd)

	profileSetCmd.Flags().String("url", config.DefaultURL, "tracking service URL")
	profileSetCmd.Flags().String("token", "", "admin API bearer token")
	profileSetCmd.Flags().String("jwt-secret", "", "admin JWT secret used by 'token create'")
	profileSetCmd.Flags().String("webhook-secret", "", "shared webhook secret used by 'seed run'")
}
