package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ragstack/internal/config"
	"ragstack/internal/store"
)

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Inspect the managed Airflow connection",
	}
	cmd.AddCommand(connectionsVerifyCmd())
	return cmd
}

func connectionsVerifyCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Connect to the database described by POSTGRES_* and report its version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv(nil)
			if err != nil {
				return err
			}
			conn := cfg.Connection
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			version, err := store.VerifyConnection(ctx, conn.DSN())
			if err != nil {
				return fmt.Errorf("connection %s (%s:%d/%s): %w", conn.ID, conn.Host, conn.Port, conn.Schema, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s %s:%d/%s as %s\n%s\n", conn.ID, conn.Host, conn.Port, conn.Schema, conn.Login, version)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Connect timeout")
	return cmd
}
