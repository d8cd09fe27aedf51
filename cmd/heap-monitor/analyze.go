package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/kubev2v/heap-monitor/pkg/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	analyzeOutputDir string
	analyzeTimeout   time.Duration
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <heap dump>",
	Short: "Run the analyzer once on a single heap dump",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}

		_, undo, err := log.Setup(cfg.Service.LogLevel)
		if err != nil {
			return err
		}
		defer undo()

		artifact := args[0]
		if _, err := os.Stat(artifact); err != nil {
			return fmt.Errorf("reading heap dump: %w", err)
		}

		invoker, err := newInvoker(cfg)
		if err != nil {
			return fmt.Errorf("creating analyzer: %w", err)
		}
		extractor, err := newExtractor(cfg)
		if err != nil {
			return fmt.Errorf("loading metadata rules: %w", err)
		}

		outputDir := analyzeOutputDir
		if outputDir == "" {
			base := filepath.Base(artifact)
			outputDir = filepath.Join(cfg.Processing.ScratchDir, base[:len(base)-len(filepath.Ext(base))])
		}
		timeout := analyzeTimeout
		if timeout <= 0 {
			timeout = cfg.Processing.Timeout
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()

		md := extractor.Extract(artifact, time.Now())
		zap.S().Infow("analyzing heap dump", "artifact", artifact, "source", md.Source, "timestamp", md.Timestamp, "output_dir", outputDir)

		result, err := invoker.Invoke(ctx, artifact, outputDir)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "source:   %s\n", md.Source)
		fmt.Fprintf(out, "duration: %s\n", result.Duration.Round(time.Millisecond))
		for _, name := range slices.Sorted(maps.Keys(result.Outputs)) {
			o := result.Outputs[name]
			fmt.Fprintf(out, "%-9s %s (%d bytes)\n", name+":", o.Path, o.Size)
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOutputDir, "output-dir", "o", "", "Directory receiving the reports (defaults to a directory under HEAP_MONITOR_REPORTS_DIR)")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 0, "Analyzer deadline (defaults to HEAP_MONITOR_ANALYZER_TIMEOUT)")
}
