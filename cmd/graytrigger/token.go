package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-trigger/internal/api"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the HTTP API",
	Long:  `Sign a token with api.auth.jwt_secret. Rule changes and on-demand evaluations require it whenever a secret is configured.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath(cmd))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.API.Auth.JWTSecret == "" {
			return errors.New("api.auth.jwt_secret is not set")
		}

		subject, _ := cmd.Flags().GetString("subject") //nolint:errcheck // flag is registered below
		ttl, _ := cmd.Flags().GetDuration("ttl")        //nolint:errcheck // flag is registered below

		token, err := api.IssueToken(cfg.API.Auth.JWTSecret, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "installer", "token subject, logged with each change")
	tokenCmd.Flags().Duration("ttl", api.DefaultTokenTTL, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
