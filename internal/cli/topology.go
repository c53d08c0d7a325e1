package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ragstack/internal/topology"
)

func topologyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Validate and inspect the compose service topology",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "compose.yaml", "Compose file")

	load := func() (*topology.Topology, error) {
		t, err := topology.Load(file)
		if err != nil {
			return nil, err
		}
		if err := topology.Validate(t); err != nil {
			return nil, err
		}
		return t, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check references, ports and dependency cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d services\n", len(t.Services))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "plan",
		Short: "Print start levels and health gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := load()
			if err != nil {
				return err
			}
			p, err := topology.BuildPlan(t)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	})

	var (
		host    string
		timeout time.Duration
	)
	check := &cobra.Command{
		Use:   "check",
		Short: "Dial every published port and report reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := load()
			if err != nil {
				return err
			}
			results, err := topology.Check(cmd.Context(), topology.Probes(t, host), timeout)
			if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
				return perr
			}
			return err
		},
	}
	check.Flags().StringVar(&host, "host", "localhost", "Host the ports are published on")
	check.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Per-port dial timeout")
	cmd.AddCommand(check)

	return cmd
}
