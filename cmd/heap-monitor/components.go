package main

import (
	"github.com/kubev2v/heap-monitor/internal/analyzer"
	"github.com/kubev2v/heap-monitor/internal/archive"
	"github.com/kubev2v/heap-monitor/internal/config"
	"github.com/kubev2v/heap-monitor/internal/events"
	"github.com/kubev2v/heap-monitor/internal/metadata"
	"github.com/kubev2v/heap-monitor/internal/processing"
	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/internal/watcher"
	"go.uber.org/zap"
)

func newInvoker(cfg *config.Config) (*analyzer.CommandInvoker, error) {
	return analyzer.NewCommandInvoker(
		cfg.AnalyzerCommand(),
		analyzer.WithOutputs(cfg.Analyzer.Outputs),
		analyzer.WithTailSize(cfg.Analyzer.TailSize),
		analyzer.WithKillGrace(cfg.Analyzer.KillGrace),
	)
}

func newExtractor(cfg *config.Config) (*metadata.Extractor, error) {
	if cfg.Watcher.RulesFile == "" {
		return metadata.NewDefaultExtractor(), nil
	}
	rules, err := metadata.LoadRules(cfg.Watcher.RulesFile)
	if err != nil {
		return nil, err
	}
	zap.S().Infow("loaded metadata rules", "file", cfg.Watcher.RulesFile, "count", len(rules))
	return metadata.NewExtractor(rules...), nil
}

func newArchiver(cfg *config.Config) (archive.Archiver, error) {
	if !cfg.ArchiveEnabled() {
		return archive.NewNoopArchiver(), nil
	}
	zap.S().Infow("archiving reports to s3", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	return archive.NewMinioArchiver(
		archive.WithEndpoint(cfg.S3.Endpoint),
		archive.WithBucket(cfg.S3.Bucket),
		archive.WithAccessKey(cfg.S3.AccessKey),
		archive.WithSecretKey(cfg.S3.SecretKey),
		archive.WithPrefix(cfg.S3.Prefix),
		archive.WithSSL(cfg.S3.UseSSL),
	)
}

func newWatcher(cfg *config.Config) (*watcher.Watcher, error) {
	return watcher.New(watcher.Config{
		Dir:         cfg.Watcher.Dir,
		Extensions:  cfg.Watcher.Extensions,
		Debounce:    cfg.Watcher.Debounce,
		InitialScan: cfg.Watcher.InitialScan,
		Horizon:     cfg.Watcher.Horizon,
		MaxTracked:  cfg.Watcher.MaxTracked,
	})
}

func processingConfig(cfg *config.Config) processing.Config {
	return processing.Config{
		Workers:        cfg.Processing.Workers,
		Timeout:        cfg.Processing.Timeout,
		MaxRetries:     cfg.Processing.MaxRetries,
		BackoffBase:    cfg.Processing.BackoffBase,
		BackoffCap:     cfg.Processing.BackoffCap,
		ArchiveTimeout: cfg.Processing.ArchiveTimeout,
		AllowReprocess: cfg.Processing.AllowReprocess,
		ScratchDir:     cfg.Processing.ScratchDir,
	}
}

// newStoreOptions hooks the event producer to report transitions. The returned producer is nil
// when no sink is configured.
func newStoreOptions(cfg *config.Config) ([]store.ReportStoreOption, *events.EventProducer, error) {
	if !cfg.EventsEnabled() {
		return nil, nil, nil
	}
	w, err := events.NewWriter(cfg.Service.EventsSink)
	if err != nil {
		return nil, nil, err
	}
	zap.S().Infow("publishing report events", "sink", cfg.Service.EventsSink)
	producer := events.NewEventProducer(w)
	return []store.ReportStoreOption{store.WithTransitionHook(events.NewReportTransitionHook(producer))}, producer, nil
}
