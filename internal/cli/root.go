package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ragstack/internal/config"
	"ragstack/internal/observability"
)

type rootFlags struct {
	DSN       string
	LogLevel  string
	LogFormat string
	EnvFiles  []string

	logger zerolog.Logger
}

var rf rootFlags

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rf = rootFlags{logger: zerolog.Nop()}
	rootCmd := &cobra.Command{
		Use:           "ragstack",
		Short:         "Startup and health tooling for the RAG service stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(rf.EnvFiles...); err != nil {
				return err
			}
			if rf.DSN == "" {
				rf.DSN = os.Getenv("DATABASE_URL")
			}
			logger, err := observability.InitLogger("ragstack", observability.LogOptions{
				Level:  rf.LogLevel,
				Format: rf.LogFormat,
				Out:    cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			rf.logger = logger
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&rf.DSN, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN for the run ledger (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&rf.LogLevel, "log-level", "", "Log level (defaults to "+observability.EnvLogLevel+" or info)")
	rootCmd.PersistentFlags().StringVar(&rf.LogFormat, "log-format", "", "Log format console|json (defaults to "+observability.EnvLogFormat+")")
	rootCmd.PersistentFlags().StringSliceVar(&rf.EnvFiles, "env-file", nil, "Dotenv files to load before resolving config (default .env)")

	rootCmd.AddCommand(entrypointCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(healthcheckCmd())
	rootCmd.AddCommand(topologyCmd())
	rootCmd.AddCommand(configCmd())

	return rootCmd
}

func dsnOrErr() (string, error) {
	if rf.DSN == "" {
		return "", fmt.Errorf("missing --dsn (or set DATABASE_URL)")
	}
	return rf.DSN, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
