package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yairfalse/nsgswap/internal/trigger"
)

var (
	runOutput   string
	runSimulate bool
	runPlanOnly bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fail over to the standby now",
	Long: `Run the configured failover scenario once.

Steps that already hold in the cloud are skipped, so a run that stopped
half way can be started again. A failed step stops the run and leaves the
cloud as it is; nothing is rolled back. An interrupt does not stop a run
that has started.

Recovery: if a run stops after disassociate-address and before
associate-address, the elastic IP is left unassociated and a re-run stops
at disassociate-address. Associate the address with the new uplink by hand:

  aws ec2 associate-address --allocation-id <eipalloc-id> \
      --network-interface-id <new uplink eni-id>

then run again. Both address steps are skipped and the rest continues.`,
	Example: `  nsgswap run                  # Fail over using nsgswap.yaml
  nsgswap run --plan-only      # Print the steps and exit
  nsgswap run --simulate       # Run against an in-memory cloud`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "Output format (text, json, yaml)")
	runCmd.Flags().BoolVar(&runSimulate, "simulate", false, "Run against an in-memory copy of the configured pair")
	runCmd.Flags().BoolVar(&runPlanOnly, "plan-only", false, "Print the plan without running it")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := checkFormat(runOutput); err != nil {
		return err
	}
	cfg, err := loadConfig(runSimulate || runPlanOnly)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, runSimulate || runPlanOnly)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()

	if runPlanOnly {
		plan, err := a.adapter.Plan(ctx)
		if err != nil {
			return err
		}
		return renderPlan(cmd.OutOrStdout(), plan, runOutput)
	}

	host, _ := os.Hostname()
	res, err := a.adapter.Invoke(ctx, trigger.Event{
		ID:       uuid.NewString(),
		Source:   "cli:" + host,
		Received: time.Now(),
	})
	if res != nil {
		if rerr := renderResult(cmd.OutOrStdout(), res, runOutput); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return fmt.Errorf("failover incomplete, operator action required: %w", err)
	}
	if runOutput == "text" {
		fmt.Fprintln(cmd.OutOrStdout(), trigger.SuccessMarker)
	}
	return nil
}
