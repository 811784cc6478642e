package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/nsgswap/internal/config"
	"github.com/yairfalse/nsgswap/internal/telemetry"
)

var (
	version = "0.1.0"

	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "nsgswap",
		Short: "NSG pair failover",
		Long: `nsgswap - NSG pair failover

nsgswap moves the elastic IP and the access network interface of a
network security gateway from a failed instance to its standby. The
standby is either a stopped, pre-created instance or a fresh instance
launched from a golden image.

Every step checks the current cloud state first, so an interrupted run
can simply be started again.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`nsgswap {{.Version}} - NSG pair failover
`)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "nsgswap.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig reads the config file and sets up logging. With simulated set,
// a missing region is filled in since no AWS client is created.
func loadConfig(simulated bool) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if simulated && cfg.AWS.Region == "" {
		cfg.AWS.Region = "simulated"
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	if err := telemetry.SetupLogging(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
