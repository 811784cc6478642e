package main

import (
	"github.com/spf13/cobra"

	"github.com/yairfalse/nsgswap/internal/failover"
	"github.com/yairfalse/nsgswap/internal/guard"
)

var planOutput string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the failover steps for the configured pair",
	Long: `Build the failover plan from the config file, vet it against the
guard policy and print it. Nothing in the cloud is read or changed.`,
	Example: `  nsgswap plan                 # Human readable steps
  nsgswap plan -o json         # Machine readable plan`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "text", "Output format (text, json, yaml)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	if err := checkFormat(planOutput); err != nil {
		return err
	}
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	plan, err := failover.BuildPlan(cfg.Failover.Settings())
	if err != nil {
		return err
	}
	g, err := guard.Load(cmd.Context(), cfg.Policy.File)
	if err != nil {
		return err
	}
	if err := g.Enforce(cmd.Context(), plan); err != nil {
		return err
	}
	return renderPlan(cmd.OutOrStdout(), plan, planOutput)
}
