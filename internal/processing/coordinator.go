package processing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kubev2v/heap-monitor/internal/analyzer"
	"github.com/kubev2v/heap-monitor/internal/archive"
	"github.com/kubev2v/heap-monitor/internal/metadata"
	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/internal/store/model"
	"github.com/kubev2v/heap-monitor/internal/watcher"
	"github.com/kubev2v/heap-monitor/pkg/metrics"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Admission results used as metric labels.
const (
	admissionAdmitted  = "admitted"
	admissionDuplicate = "duplicate"
	admissionError     = "error"
)

type CoordinatorOption func(c *Coordinator)

func WithArchiver(a archive.Archiver) CoordinatorOption {
	return func(c *Coordinator) {
		c.archiver = a
	}
}

func WithExtractor(e *metadata.Extractor) CoordinatorOption {
	return func(c *Coordinator) {
		c.extractor = e
	}
}

func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// Coordinator owns the lifecycle of every admitted artifact: it records the admission,
// queues the work and drives the report through Running to a terminal state.
type Coordinator struct {
	cfg       Config
	store     store.Report
	invoker   analyzer.Invoker
	extractor *metadata.Extractor
	archiver  archive.Archiver
	clock     clock.Clock
	log       *zap.SugaredLogger

	// admitLock serializes the dedup check with the insertion.
	admitLock sync.Mutex
	closed    bool

	queue     *queue
	startOnce sync.Once
	wg        sync.WaitGroup
	runCtx    context.Context
	cancelRun context.CancelFunc
	busy      atomic.Int32
}

func NewCoordinator(cfg Config, s store.Report, invoker analyzer.Invoker, opts ...CoordinatorOption) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:       cfg,
		store:     s,
		invoker:   invoker,
		extractor: metadata.NewDefaultExtractor(),
		archiver:  archive.NewNoopArchiver(),
		clock:     clock.RealClock{},
		log:       zap.S().Named("coordinator"),
		queue:     newQueue(),
	}
	for _, o := range opts {
		o(c)
	}
	c.runCtx, c.cancelRun = context.WithCancel(context.Background())
	return c, nil
}

// Admit records the artifact as Queued and schedules it. A path already known to the index is
// discarded unless reprocessing is allowed and its latest report is terminal; in that case the
// latest report is returned with admitted set to false.
func (c *Coordinator) Admit(ev watcher.Event) (*model.Report, bool, error) {
	path, err := filepath.Abs(ev.Path)
	if err != nil {
		metrics.IncreaseAdmissionsTotalMetric(admissionError)
		return nil, false, fmt.Errorf("resolving artifact path %s: %w", ev.Path, err)
	}

	c.admitLock.Lock()
	defer c.admitLock.Unlock()

	if c.closed {
		metrics.IncreaseAdmissionsTotalMetric(admissionError)
		return nil, false, ErrCoordinatorClosed
	}

	if latest := latestReport(c.store.ListByPath(path)); latest != nil {
		if !c.cfg.AllowReprocess || !latest.Status.IsTerminal() {
			c.log.Debugw("duplicate artifact discarded", "path", path, "report", latest.ID, "status", latest.Status)
			metrics.IncreaseAdmissionsTotalMetric(admissionDuplicate)
			return latest, false, nil
		}
		c.log.Infow("reprocessing artifact", "path", path, "previous_report", latest.ID)
	}

	md := c.extractor.Extract(path, ev.DetectedAt)
	report, err := c.store.Insert(model.Report{
		ID:           model.NewReportID(path, ev.DetectedAt),
		Source:       md.Source,
		ArtifactPath: path,
		ArtifactName: filepath.Base(path),
		Timestamp:    md.Timestamp,
		DetectedAt:   ev.DetectedAt,
		SubmittedAt:  c.clock.Now(),
		Status:       model.ReportStatusQueued,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			c.log.Debugw("duplicate artifact event discarded", "path", path)
			metrics.IncreaseAdmissionsTotalMetric(admissionDuplicate)
			existing, _ := c.store.Get(model.NewReportID(path, ev.DetectedAt))
			return existing, false, nil
		}
		metrics.IncreaseAdmissionsTotalMetric(admissionError)
		return nil, false, fmt.Errorf("admitting %s: %w", path, err)
	}

	if err := c.queue.Push(&workItem{id: report.ID, path: path}); err != nil {
		metrics.IncreaseAdmissionsTotalMetric(admissionError)
		return report, false, fmt.Errorf("queueing report %s: %w", report.ID, err)
	}
	metrics.IncreaseAdmissionsTotalMetric(admissionAdmitted)
	metrics.UpdateQueueDepthMetric(c.queue.Size())

	c.log.Infow("artifact admitted", "path", path, "report", report.ID, "source", report.Source, "size", ev.Size)
	return report, true, nil
}

// Consume admits every event received until ctx is done or events is closed.
func (c *Coordinator) Consume(ctx context.Context, events <-chan watcher.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, _, err := c.Admit(ev); err != nil {
				c.log.Errorw("failed to admit artifact", "path", ev.Path, "error", err)
			}
		}
	}
}

// Start launches the workers. Cancelling ctx interrupts running invocations.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, c.cancelRun)
		c.wg.Add(c.cfg.Workers)
		for i := 0; i < c.cfg.Workers; i++ {
			go c.work(i)
		}
		go func() {
			c.wg.Wait()
			stop()
		}()
		c.log.Infow("workers started", "count", c.cfg.Workers, "timeout", c.cfg.Timeout, "max_retries", c.cfg.MaxRetries)
	})
}

func (c *Coordinator) work(n int) {
	defer c.wg.Done()
	log := c.log.With("worker", n)
	for {
		item, err := c.queue.Pop(c.runCtx)
		if err != nil {
			log.Debugw("worker stopped", "reason", err)
			return
		}
		metrics.UpdateQueueDepthMetric(c.queue.Size())
		c.Execute(item.id)
	}
}

// Shutdown stops admissions and waits for the running reports to finish. When ctx expires first
// the remaining invocations are cancelled and their reports fail with ShutdownInterrupted.
// Reports still waiting in the queue stay Queued.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.admitLock.Lock()
	c.closed = true
	c.admitLock.Unlock()
	c.queue.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("shutdown grace period expired, interrupting running analyzers")
		c.cancelRun()
		<-done
		err = ctx.Err()
	}
	c.cancelRun()

	if remaining := c.queue.Remaining(); len(remaining) > 0 {
		c.log.Infow("reports left queued at shutdown", "count", len(remaining))
	}
	metrics.UpdateQueueDepthMetric(0)
	return err
}

// Stats is a snapshot of the pipeline.
type Stats struct {
	Queued      int     `json:"queued"`
	Running     int     `json:"running"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Total       int     `json:"total"`
	QueueDepth  int     `json:"queue_depth"`
	Workers     int     `json:"workers"`
	BusyWorkers int     `json:"busy_workers"`
	Utilization float64 `json:"utilization"`
}

func (c *Coordinator) Stats() Stats {
	counts := c.store.Count()
	busy := int(c.busy.Load())
	return Stats{
		Queued:      counts.Queued,
		Running:     counts.Running,
		Completed:   counts.Completed,
		Failed:      counts.Failed,
		Total:       counts.Total(),
		QueueDepth:  c.queue.Size(),
		Workers:     c.cfg.Workers,
		BusyWorkers: busy,
		Utilization: float64(busy) / float64(c.cfg.Workers),
	}
}

// latestReport returns the most recently submitted report.
func latestReport(reports []model.Report) *model.Report {
	var latest *model.Report
	for i := range reports {
		if latest == nil || reports[i].SubmittedAt.After(latest.SubmittedAt) {
			latest = &reports[i]
		}
	}
	return latest
}
