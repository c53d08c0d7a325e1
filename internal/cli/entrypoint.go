package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ragstack/internal/config"
	"ragstack/internal/readiness"
	"ragstack/internal/runner"
	"ragstack/internal/sequencer"
	"ragstack/internal/store"
	"ragstack/internal/supervisor"
)

func entrypointCmd() *cobra.Command {
	var (
		withConn   bool
		handoff    string
		statusAddr string
		grace      time.Duration
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "entrypoint",
		Short: "Prepare Airflow (migrate, admin user, connection) then run webserver and scheduler",
		Long: `Runs the container startup sequence: clear stale pid files, wait for them to
settle, migrate the metadata database, create the admin user, optionally
recreate the postgres_default connection, start the webserver in the
background, then hand off to the scheduler.

Migration failures abort. User and connection failures are logged and
tolerated so restarts stay idempotent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv(nil)
			if err != nil {
				return err
			}
			cfg.ManageConn = withConn
			if cmd.Flags().Changed("handoff") {
				cfg.Handoff = config.Handoff(handoff)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger := rf.logger

			sup := supervisor.New(logger, grace)
			launcher := sequencer.NewProcessLauncher(sup, cfg.Handoff, readiness.Options{Timeout: cfg.ReadyTimeout}, logger)
			launcher.StatusAddr = statusAddr

			seq := &sequencer.Sequencer{
				Config:   cfg,
				Runner:   runner.ExecRunner{Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()},
				Launcher: launcher,
				Logger:   logger,
			}

			if dryRun {
				for i, step := range seq.Plan() {
					fmt.Fprintf(cmd.OutOrStdout(), "%2d  %-20s %s\n", i+1, step.Name, step.Policy)
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if rf.DSN != "" {
				octx, cancel := context.WithTimeout(ctx, 10*time.Second)
				st, err := openLedger(octx, rf.DSN)
				cancel()
				if err != nil {
					logger.Warn().Err(err).Msg("run ledger unavailable; continuing without it")
				} else {
					defer st.Close()
					seq.Recorder = st
				}
			}

			logger.Info().
				Str("airflow_home", cfg.AirflowHome).
				Str("handoff", string(cfg.Handoff)).
				Bool("manage_connection", cfg.ManageConn).
				Msg("entrypoint starting")

			report := seq.Run(ctx)
			return report.Err
		},
	}
	cmd.Flags().BoolVar(&withConn, "with-connection", false, "Recreate the postgres_default connection from POSTGRES_* variables")
	cmd.Flags().StringVar(&handoff, "handoff", string(config.HandoffExec), "Scheduler handoff: exec replaces this process, supervise keeps it as parent")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve /healthz and /metrics on this address (supervise only)")
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "Time children get to exit after SIGTERM before SIGKILL (supervise only)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the step plan and exit")
	return cmd
}

// openLedger opens the run ledger and applies its idempotent schema.
func openLedger(ctx context.Context, dsn string) (*store.Store, error) {
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return st, nil
}
