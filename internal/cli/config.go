package cli

import (
	"github.com/spf13/cobra"

	"ragstack/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the entrypoint config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv(nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg.Masked())
		},
	})
	return cmd
}
