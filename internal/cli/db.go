package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ragstack/internal/store"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Run ledger utilities (schema init, recent runs)",
	}
	cmd.AddCommand(dbInitCmd())
	cmd.AddCommand(dbRunsCmd())
	return cmd
}

func dbInitCmd() *cobra.Command {
	var schemaPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the run ledger schema in PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := dsnOrErr()
			if err != nil {
				return err
			}
			var schema string
			if schemaPath != "" {
				b, err := os.ReadFile(schemaPath)
				if err != nil {
					return fmt.Errorf("read schema: %w", err)
				}
				schema = string(b)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			st, err := store.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			apply := st.Init
			if schema != "" {
				apply = func(ctx context.Context) error { return st.ExecSQL(ctx, schema) }
			}
			if err := apply(ctx); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok: schema applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "Path to a schema SQL file (defaults to the embedded schema)")
	return cmd
}

type runView struct {
	RunID      string          `json:"run_id"`
	Host       string          `json:"host"`
	Handoff    string          `json:"handoff"`
	ManageConn bool            `json:"manage_connection"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Steps      json.RawMessage `json:"steps"`
	Error      string          `json:"error,omitempty"`
}

func dbRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent entrypoint runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := dsnOrErr()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			st, err := store.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			out := make([]runView, 0, len(runs))
			for _, r := range runs {
				steps := json.RawMessage(r.StepsJSON)
				if len(steps) == 0 {
					steps = json.RawMessage("[]")
				}
				out = append(out, runView{
					RunID: r.RunID, Host: r.Host, Handoff: r.Handoff, ManageConn: r.ManageConn,
					Status: r.Status, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt,
					Steps: steps, Error: r.Error,
				})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}
