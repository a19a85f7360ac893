package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/tracksync/cli/internal/client"
	"github.com/telhawk-systems/tracksync/cli/pkg/output"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Admin API tokens",
	Long:  "Mint HS256 tokens for the admin API from the deployment's JWT secret",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint an admin API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		roles, _ := cmd.Flags().GetStringSlice("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		secret, _ := cmd.Flags().GetString("secret")
		save, _ := cmd.Flags().GetBool("save")

		p, err := currentProfile(cmd)
		if err != nil {
			return err
		}
		if secret == "" {
			secret = p.JWTSecret
		}
		if secret == "" {
			return fmt.Errorf("JWT secret is required (use --secret or 'tsync profile set --jwt-secret')")
		}
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive")
		}
		for _, r := range roles {
			if r != "admin" && r != "viewer" {
				return fmt.Errorf("unknown role %q (expected admin or viewer)", r)
			}
		}

		token, err := client.MintToken(secret, subject, roles, ttl)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}

		if save {
			name, _ := cmd.Flags().GetString("profile")
			if name == "" {
				name = cfg.CurrentProfile
			}
			p.Token = token
			if err := cfg.SetProfile(name, p); err != nil {
				output.Warn("Failed to save token to profile: %v", err)
			} else {
				output.Info("Token saved to profile '%s'", name)
			}
		}

		if outputFormat(cmd) == "json" {
			return output.JSON(map[string]string{"token": token})
		}
		output.Success("Token created for %s %v (expires %s)", subject, roles, time.Now().Add(ttl).Format(time.RFC3339))
		fmt.Fprintln(output.Stdout, token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCreateCmd)

	tokenCreateCmd.Flags().String("subject", "tsync", "token subject")
	tokenCreateCmd.Flags().StringSlice("role", []string{"viewer"}, "roles to grant: admin, viewer")
	tokenCreateCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenCreateCmd.Flags().String("secret", "", "JWT secret (default: profile jwt_secret)")
	tokenCreateCmd.Flags().Bool("save", false, "store the token in the profile")
}
