package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/nsgswap/internal/journal"
)

var (
	historyLimit  int
	historyOutput string
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show journaled failover runs",
	Example: `  nsgswap history              # Last 10 runs
  nsgswap history -n 50        # Last 50 runs
  nsgswap history <run-id> -o yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to show")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "text", "Output format (text, json, yaml)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := checkFormat(historyOutput); err != nil {
		return err
	}
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if cfg.Journal.Disabled {
		return fmt.Errorf("journal is disabled in %s", cfgFile)
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	if len(args) == 1 {
		run, err := j.Get(args[0])
		if err != nil {
			return err
		}
		return renderRuns(cmd.OutOrStdout(), []journal.Run{*run}, historyOutput)
	}

	runs, err := j.List(historyLimit)
	if err != nil {
		return err
	}
	return renderRuns(cmd.OutOrStdout(), runs, historyOutput)
}
