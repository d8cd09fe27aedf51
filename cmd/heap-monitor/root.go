package main

import (
	"github.com/kubev2v/heap-monitor/internal/config"
	"github.com/spf13/cobra"
)

var (
	watchDir       string
	address        string
	metricsAddress string
)

var rootCmd = &cobra.Command{
	Use:          "heap-monitor",
	Short:        "Analyze heap dumps as they land in a directory",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)

	rootCmd.PersistentFlags().StringVarP(&watchDir, "watch-dir", "w", "", "Directory watched for heap dumps (overrides HEAP_MONITOR_WATCH_DIR)")
	runCmd.Flags().StringVar(&address, "address", "", "API listen address (overrides HEAP_MONITOR_ADDRESS)")
	runCmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Metrics listen address (overrides HEAP_MONITOR_METRICS_ADDRESS)")
}

// loadConfig reads the environment and applies the command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	if watchDir != "" {
		cfg.Watcher.Dir = watchDir
	}
	if address != "" {
		cfg.Service.Address = address
	}
	if metricsAddress != "" {
		cfg.Service.MetricsAddress = metricsAddress
	}
	return cfg, cfg.Validate()
}
