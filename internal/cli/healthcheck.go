package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ragstack/internal/probe"
)

func healthcheckCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "GET a health URL once; exit non-zero unless it answers 2xx",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := probe.Check(cmd.Context(), url, timeout)
			if err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy:", status)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", probe.DefaultURL, "Health URL")
	cmd.Flags().DurationVar(&timeout, "timeout", probe.DefaultTimeout, "Request timeout")
	return cmd
}
