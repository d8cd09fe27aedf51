package processing

import (
	"fmt"
	"time"
)

const (
	DefaultWorkers        = 2
	DefaultTimeout        = 10 * time.Minute
	DefaultBackoffBase    = 5 * time.Second
	DefaultBackoffCap     = 5 * time.Minute
	DefaultArchiveTimeout = 5 * time.Minute
)

type Config struct {
	Workers int
	// Timeout bounds a single analyzer invocation.
	Timeout    time.Duration
	MaxRetries int
	// BackoffBase and BackoffCap bound the exponential delay between retries.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// ArchiveTimeout bounds the upload of a completed report's outputs.
	ArchiveTimeout time.Duration
	// AllowReprocess admits a path again once its latest report is terminal.
	AllowReprocess bool
	// ScratchDir holds one directory per report and attempt.
	ScratchDir string
}

func DefaultConfig(scratchDir string) Config {
	return Config{
		Workers:        DefaultWorkers,
		Timeout:        DefaultTimeout,
		BackoffBase:    DefaultBackoffBase,
		BackoffCap:     DefaultBackoffCap,
		ArchiveTimeout: DefaultArchiveTimeout,
		ScratchDir:     scratchDir,
	}
}

func (c Config) validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidConfig, c.Workers)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: analyzer timeout must be positive", ErrInvalidConfig)
	case c.ArchiveTimeout <= 0:
		return fmt.Errorf("%w: archive timeout must be positive", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	case c.ScratchDir == "":
		return fmt.Errorf("%w: scratch directory is not set", ErrInvalidConfig)
	}
	return nil
}
