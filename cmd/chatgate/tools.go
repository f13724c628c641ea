package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/chatgate/internal/auth"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			accounts := cfg.Accounts()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d enabled account(s)\n", resolveConfigPath(), len(accounts))
			for _, acc := range accounts {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s) dm=%s group=%s\n", acc.ID, acc.ChannelType, acc.Policy.DMPolicy, acc.Policy.GroupPolicy)
			}
			if cfg.Auth.JWTSecret == "" {
				_, _ = fmt.Fprintln(os.Stderr, "warning: auth.jwt_secret is empty, serve will refuse to start")
			}
			return nil
		},
	})
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for admin.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
