package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	apiserver "github.com/kubev2v/heap-monitor/internal/api_server"
	"github.com/kubev2v/heap-monitor/internal/processing"
	"github.com/kubev2v/heap-monitor/internal/service"
	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/pkg/log"
	"github.com/kubev2v/heap-monitor/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the dump directory and serve the reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer utilruntime.HandleCrash()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}

		_, undo, err := log.Setup(cfg.Service.LogLevel)
		if err != nil {
			return err
		}
		defer undo()

		zap.S().Info("Starting heap monitor")
		defer zap.S().Info("Heap monitor stopped")

		storeOpts, producer, err := newStoreOptions(cfg)
		if err != nil {
			return fmt.Errorf("creating event producer: %w", err)
		}
		if producer != nil {
			defer producer.Close()
		}

		s := store.NewStore(storeOpts...)
		if err := metrics.RegisterReportStatsCollector(s); err != nil {
			return fmt.Errorf("registering report collector: %w", err)
		}

		invoker, err := newInvoker(cfg)
		if err != nil {
			return fmt.Errorf("creating analyzer: %w", err)
		}
		extractor, err := newExtractor(cfg)
		if err != nil {
			return fmt.Errorf("loading metadata rules: %w", err)
		}
		archiver, err := newArchiver(cfg)
		if err != nil {
			return fmt.Errorf("creating archiver: %w", err)
		}
		w, err := newWatcher(cfg)
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}
		if err := os.MkdirAll(cfg.Processing.ScratchDir, 0o755); err != nil {
			return fmt.Errorf("creating reports directory: %w", err)
		}

		coordinator, err := processing.NewCoordinator(
			processingConfig(cfg),
			s.Report(),
			invoker,
			processing.WithExtractor(extractor),
			processing.WithArchiver(archiver),
		)
		if err != nil {
			return err
		}

		apiListener, err := newListener(cfg.Service.Address)
		if err != nil {
			return fmt.Errorf("creating api listener: %w", err)
		}
		metricsListener, err := newListener(cfg.Service.MetricsAddress)
		if err != nil {
			return fmt.Errorf("creating metrics listener: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		// workers outlive the signal so running analyses get the shutdown grace period
		coordinator.Start(context.Background())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return w.Run(gctx)
		})
		g.Go(func() error {
			coordinator.Consume(gctx, w.Events())
			return nil
		})
		g.Go(func() error {
			return apiserver.New(cfg, service.NewReportService(s, coordinator), apiListener).Run(gctx)
		})
		g.Go(func() error {
			return apiserver.NewMetricServer(cfg.Service.MetricsAddress, metricsListener).Run(gctx)
		})

		runErr := g.Wait()

		zap.S().Infow("draining running analyses", "grace", cfg.Service.ShutdownGrace)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownGrace)
		defer shutdownCancel()
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			zap.S().Warnw("analyses interrupted at shutdown", "error", err)
		}

		return runErr
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
