package processing_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubev2v/heap-monitor/internal/analyzer"
	"github.com/kubev2v/heap-monitor/internal/processing"
	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/internal/store/model"
	"github.com/kubev2v/heap-monitor/internal/watcher"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type invokeFunc func(ctx context.Context, artifactPath, workDir string, call int) (*analyzer.Result, error)

// fakeInvoker records every call and the highest number of concurrent invocations.
type fakeInvoker struct {
	fn         invokeFunc
	calls      atomic.Int32
	running    atomic.Int32
	maxRunning atomic.Int32

	lock     sync.Mutex
	workDirs []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, artifactPath, workDir string) (*analyzer.Result, error) {
	call := int(f.calls.Add(1))
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxRunning.Load()
		if n <= m || f.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	f.lock.Lock()
	f.workDirs = append(f.workDirs, workDir)
	f.lock.Unlock()

	return f.fn(ctx, artifactPath, workDir, call)
}

func (f *fakeInvoker) WorkDirs() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.workDirs...)
}

func succeed(_ context.Context, artifactPath, workDir string, _ int) (*analyzer.Result, error) {
	base := filepath.Base(artifactPath)
	base = base[:len(base)-len(filepath.Ext(base))]
	outputs := map[string]analyzer.Output{}
	for _, name := range []string{"summary", "detail"} {
		p := filepath.Join(workDir, fmt.Sprintf("%s_%s.html", base, name))
		outputs[name] = analyzer.Output{Name: name, Path: p, Size: 42}
	}
	return &analyzer.Result{Outputs: outputs, WorkDir: workDir}, nil
}

func fail(_ context.Context, _, _ string, _ int) (*analyzer.Result, error) {
	return nil, &analyzer.Error{Reason: analyzer.ReasonFailure, ExitCode: 1, Tail: "boom", Err: analyzer.ErrNonZeroExit}
}

// block waits for release or ctx, reporting ctx errors the way the command invoker does.
func block(release <-chan struct{}) invokeFunc {
	return func(ctx context.Context, artifactPath, workDir string, call int) (*analyzer.Result, error) {
		select {
		case <-release:
			return succeed(ctx, artifactPath, workDir, call)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &analyzer.Error{Reason: analyzer.ReasonTimeout, ExitCode: -1, Err: analyzer.ErrTimeout}
			}
			return nil, &analyzer.Error{Reason: analyzer.ReasonCancelled, ExitCode: -1, Err: analyzer.ErrCancelled}
		}
	}
}

type fakeArchiver struct{}

func (fakeArchiver) Archive(_ context.Context, report model.Report, outputs map[string]model.Output) (map[string]model.Output, error) {
	archived := map[string]model.Output{}
	for name, o := range outputs {
		o.ObjectKey = fmt.Sprintf("reports/%s/%s/%s", report.Source, report.ID, filepath.Base(o.Path))
		archived[name] = o
	}
	return archived, nil
}

type brokenArchiver struct{}

func (brokenArchiver) Archive(_ context.Context, _ model.Report, _ map[string]model.Output) (map[string]model.Output, error) {
	return nil, errors.New("bucket unavailable")
}

// stalledArchiver never finishes an upload on its own.
type stalledArchiver struct {
	started chan struct{}
}

func (a stalledArchiver) Archive(ctx context.Context, _ model.Report, _ map[string]model.Output) (map[string]model.Output, error) {
	close(a.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

var _ = Describe("coordinator", func() {
	var (
		tmp       string
		cfg       processing.Config
		s         *store.ReportStore
		invoker   *fakeInvoker
		detected  time.Time
		newEvent  func(name string) watcher.Event
		transLock sync.Mutex
		trans     []string
	)

	BeforeEach(func() {
		tmp = GinkgoT().TempDir()
		cfg = processing.DefaultConfig(filepath.Join(tmp, "scratch"))
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffCap = 10 * time.Millisecond
		detected = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		invoker = &fakeInvoker{fn: succeed}

		transLock.Lock()
		trans = nil
		transLock.Unlock()
		s = store.NewReportStore(store.WithTransitionHook(func(id string, from, to model.ReportStatus) {
			transLock.Lock()
			defer transLock.Unlock()
			trans = append(trans, fmt.Sprintf("%s:%s", id, to))
		}))

		newEvent = func(name string) watcher.Event {
			p := filepath.Join(tmp, name)
			Expect(os.WriteFile(p, []byte("JAVA PROFILE 1.0.2"), 0o644)).To(Succeed())
			return watcher.Event{Path: p, DetectedAt: detected, Size: 18}
		}
	})

	newCoordinator := func(opts ...processing.CoordinatorOption) *processing.Coordinator {
		c, err := processing.NewCoordinator(cfg, s, invoker, opts...)
		Expect(err).To(BeNil())
		DeferCleanup(func() {
			ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
			defer cancel()
			_ = c.Shutdown(ctx)
		})
		return c
	}

	statusOf := func(id string) func() model.ReportStatus {
		return func() model.ReportStatus {
			r, err := s.Get(id)
			Expect(err).To(BeNil())
			return r.Status
		}
	}

	Context("admission", func() {
		It("records the artifact as queued", func() {
			c := newCoordinator()
			r, admitted, err := c.Admit(newEvent("host-a_20240101_010101.hprof"))
			Expect(err).To(BeNil())
			Expect(admitted).To(BeTrue())
			Expect(r.Status).To(Equal(model.ReportStatusQueued))
			Expect(r.Source).To(Equal("host-a"))
			Expect(r.ArtifactName).To(Equal("host-a_20240101_010101.hprof"))
			Expect(r.Timestamp).To(Equal(time.Date(2024, 1, 1, 1, 1, 1, 0, time.UTC)))
			Expect(r.DetectedAt).To(Equal(detected))
			Expect(r.ID).To(Equal(model.NewReportID(filepath.Join(tmp, "host-a_20240101_010101.hprof"), detected)))

			stats := c.Stats()
			Expect(stats.Queued).To(Equal(1))
			Expect(stats.QueueDepth).To(Equal(1))
			Expect(stats.Workers).To(Equal(2))
		})

		It("discards a second arrival of the same path", func() {
			c := newCoordinator()
			ev := newEvent("host-a.hprof")
			first, admitted, err := c.Admit(ev)
			Expect(err).To(BeNil())
			Expect(admitted).To(BeTrue())

			ev.DetectedAt = ev.DetectedAt.Add(time.Minute)
			again, admitted, err := c.Admit(ev)
			Expect(err).To(BeNil())
			Expect(admitted).To(BeFalse())
			Expect(again.ID).To(Equal(first.ID))
			Expect(s.ListAll()).To(HaveLen(1))
		})

		It("admits concurrent arrivals of one path exactly once", func() {
			c := newCoordinator()
			ev := newEvent("host-a.hprof")

			var (
				wg       sync.WaitGroup
				admitted atomic.Int32
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					e := ev
					e.DetectedAt = ev.DetectedAt.Add(time.Duration(i) * time.Second)
					_, ok, err := c.Admit(e)
					Expect(err).To(BeNil())
					if ok {
						admitted.Add(1)
					}
				}(i)
			}
			wg.Wait()
			Expect(admitted.Load()).To(Equal(int32(1)))
			Expect(s.ListAll()).To(HaveLen(1))
		})

		It("reprocesses a terminal path only when allowed", func() {
			cfg.AllowReprocess = true
			c := newCoordinator()
			c.Start(context.TODO())

			ev := newEvent("host-a.hprof")
			first, _, err := c.Admit(ev)
			Expect(err).To(BeNil())
			Eventually(statusOf(first.ID), 5*time.Second).Should(Equal(model.ReportStatusCompleted))

			ev.DetectedAt = ev.DetectedAt.Add(time.Hour)
			second, admitted, err := c.Admit(ev)
			Expect(err).To(BeNil())
			Expect(admitted).To(BeTrue())
			Expect(second.ID).NotTo(Equal(first.ID))
			Expect(s.ListByPath(ev.Path)).To(HaveLen(2))
		})

		It("does not reprocess a path whose report is still pending", func() {
			cfg.AllowReprocess = true
			c := newCoordinator()
			ev := newEvent("host-a.hprof")
			_, _, err := c.Admit(ev)
			Expect(err).To(BeNil())

			ev.DetectedAt = ev.DetectedAt.Add(time.Hour)
			_, admitted, err := c.Admit(ev)
			Expect(err).To(BeNil())
			Expect(admitted).To(BeFalse())
		})

		It("admits events from a channel", func() {
			c := newCoordinator()
			events := make(chan watcher.Event, 2)
			events <- newEvent("a.hprof")
			events <- newEvent("b.hprof")
			close(events)

			c.Consume(context.TODO(), events)
			Expect(s.ListAll()).To(HaveLen(2))
		})
	})

	Context("execution", func() {
		It("completes a report with the analyzer outputs", func() {
			c := newCoordinator(processing.WithArchiver(fakeArchiver{}))
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a_20240101_010101.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusCompleted))

			done, err := s.Get(r.ID)
			Expect(err).To(BeNil())
			Expect(done.Outputs).To(HaveKey("summary"))
			Expect(done.Outputs).To(HaveKey("detail"))
			Expect(done.Outputs["summary"].Path).To(HaveSuffix("host-a_20240101_010101_summary.html"))
			Expect(done.Outputs["summary"].ObjectKey).To(Equal(fmt.Sprintf("reports/host-a/%s/host-a_20240101_010101_summary.html", r.ID)))
			Expect(done.Error).To(BeNil())
			Expect(done.Attempts).To(Equal(1))
			Expect(done.StartedAt).NotTo(BeNil())
			Expect(done.CompletedAt).NotTo(BeNil())
			Expect(s.ListBySource("host-a")).To(HaveLen(1))
			Expect(s.ListByDate(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))).To(HaveLen(1))

			Expect(invoker.WorkDirs()).To(Equal([]string{filepath.Join(cfg.ScratchDir, r.ID, "attempt-1")}))
		})

		It("keeps the local outputs when archiving fails", func() {
			c := newCoordinator(processing.WithArchiver(brokenArchiver{}))
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusCompleted))
			done, _ := s.Get(r.ID)
			Expect(done.Outputs).To(HaveLen(2))
			Expect(done.Outputs["summary"].ObjectKey).To(BeEmpty())
		})

		It("completes with the local outputs when archiving exceeds its timeout", func() {
			cfg.ArchiveTimeout = 50 * time.Millisecond
			c := newCoordinator(processing.WithArchiver(stalledArchiver{started: make(chan struct{})}))
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusCompleted))
			done, _ := s.Get(r.ID)
			Expect(done.Outputs).To(HaveLen(2))
			Expect(done.Outputs["summary"].ObjectKey).To(BeEmpty())
			Expect(c.Stats().BusyWorkers).To(Equal(0))
		})

		It("records analyzer failures without retrying by default", func() {
			invoker.fn = fail
			c := newCoordinator()
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusFailed))

			failed, _ := s.Get(r.ID)
			Expect(failed.Error).NotTo(BeNil())
			Expect(failed.Error.Reason).To(Equal(model.FailureReasonAnalyzer))
			Expect(failed.Error.Message).To(ContainSubstring("boom"))
			Expect(failed.Attempts).To(Equal(1))
			Expect(invoker.calls.Load()).To(Equal(int32(1)))
		})

		It("fails every report when the analyzer always fails and stays responsive", func() {
			invoker.fn = fail
			c := newCoordinator()
			c.Start(context.TODO())

			var ids []string
			for i := 0; i < 5; i++ {
				r, _, err := c.Admit(newEvent(fmt.Sprintf("host-%d.hprof", i)))
				Expect(err).To(BeNil())
				ids = append(ids, r.ID)
			}
			for _, id := range ids {
				Eventually(statusOf(id), 5*time.Second).Should(Equal(model.ReportStatusFailed))
			}
			Expect(c.Stats().Failed).To(Equal(5))
			Expect(c.Stats().BusyWorkers).To(Equal(0))
		})

		It("fails a report whose analyzer exceeds the timeout", func() {
			cfg.Timeout = 50 * time.Millisecond
			invoker.fn = block(make(chan struct{}))
			c := newCoordinator()
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusFailed))
			failed, _ := s.Get(r.ID)
			Expect(failed.Error.Reason).To(Equal(model.FailureReasonTimeout))
		})

		It("retries failed attempts with a fresh scratch directory", func() {
			cfg.MaxRetries = 2
			invoker.fn = func(ctx context.Context, artifactPath, workDir string, call int) (*analyzer.Result, error) {
				if call < 3 {
					return fail(ctx, artifactPath, workDir, call)
				}
				return succeed(ctx, artifactPath, workDir, call)
			}
			c := newCoordinator()
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusCompleted))

			done, _ := s.Get(r.ID)
			Expect(done.Attempts).To(Equal(3))
			Expect(invoker.WorkDirs()).To(Equal([]string{
				filepath.Join(cfg.ScratchDir, r.ID, "attempt-1"),
				filepath.Join(cfg.ScratchDir, r.ID, "attempt-2"),
				filepath.Join(cfg.ScratchDir, r.ID, "attempt-3"),
			}))
		})

		It("gives up after the configured retries", func() {
			cfg.MaxRetries = 1
			invoker.fn = fail
			c := newCoordinator()
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusFailed))
			failed, _ := s.Get(r.ID)
			Expect(failed.Attempts).To(Equal(2))
		})

		It("records a panicking analyzer as an internal error", func() {
			invoker.fn = func(context.Context, string, string, int) (*analyzer.Result, error) {
				panic("analyzer exploded")
			}
			c := newCoordinator()
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusFailed))
			failed, _ := s.Get(r.ID)
			Expect(failed.Error.Reason).To(Equal(model.FailureReasonInternal))
			Expect(failed.Error.Message).To(ContainSubstring("analyzer exploded"))

			r2, _, err := c.Admit(newEvent("host-b.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r2.ID), 5*time.Second).Should(Equal(model.ReportStatusFailed))
		})
	})

	Context("concurrency", func() {
		It("never runs more reports than workers", func() {
			release := make(chan struct{})
			invoker.fn = block(release)
			c := newCoordinator()
			c.Start(context.TODO())

			var ids []string
			for i := 0; i < 6; i++ {
				r, _, err := c.Admit(newEvent(fmt.Sprintf("host-%d.hprof", i)))
				Expect(err).To(BeNil())
				ids = append(ids, r.ID)
			}

			Eventually(func() int { return c.Stats().Running }, 5*time.Second).Should(Equal(2))
			Consistently(func() int { return c.Stats().Running }, 200*time.Millisecond).Should(Equal(2))
			Expect(c.Stats().Queued).To(Equal(4))
			Expect(c.Stats().BusyWorkers).To(Equal(2))
			Expect(c.Stats().Utilization).To(Equal(1.0))

			close(release)
			for _, id := range ids {
				Eventually(statusOf(id), 5*time.Second).Should(Equal(model.ReportStatusCompleted))
			}
			Expect(invoker.maxRunning.Load()).To(BeNumerically("<=", 2))
		})

		It("starts a second report only after the first is terminal with one worker", func() {
			cfg.Workers = 1
			release := make(chan struct{})
			invoker.fn = block(release)
			c := newCoordinator()

			first, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			second, _, err := c.Admit(newEvent("host-b.hprof"))
			Expect(err).To(BeNil())
			c.Start(context.TODO())

			Eventually(statusOf(first.ID), 5*time.Second).Should(Equal(model.ReportStatusRunning))
			Consistently(statusOf(second.ID), 200*time.Millisecond).Should(Equal(model.ReportStatusQueued))

			close(release)
			Eventually(statusOf(second.ID), 5*time.Second).Should(Equal(model.ReportStatusCompleted))

			transLock.Lock()
			defer transLock.Unlock()
			Expect(trans).To(Equal([]string{
				first.ID + ":Queued",
				second.ID + ":Queued",
				first.ID + ":Running",
				first.ID + ":Completed",
				second.ID + ":Running",
				second.ID + ":Completed",
			}))
		})
	})

	Context("shutdown", func() {
		It("waits for running reports to finish", func() {
			release := make(chan struct{})
			invoker.fn = block(release)
			c := newCoordinator()
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusRunning))

			time.AfterFunc(100*time.Millisecond, func() { close(release) })
			ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
			defer cancel()
			Expect(c.Shutdown(ctx)).To(Succeed())
			Expect(statusOf(r.ID)()).To(Equal(model.ReportStatusCompleted))
		})

		It("interrupts running reports when the grace period expires", func() {
			cfg.Workers = 1
			invoker.fn = block(make(chan struct{}))
			c := newCoordinator()
			c.Start(context.TODO())

			running, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			queued, _, err := c.Admit(newEvent("host-b.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(running.ID), 5*time.Second).Should(Equal(model.ReportStatusRunning))

			ctx, cancel := context.WithTimeout(context.TODO(), 100*time.Millisecond)
			defer cancel()
			Expect(c.Shutdown(ctx)).To(MatchError(context.DeadlineExceeded))

			interrupted, _ := s.Get(running.ID)
			Expect(interrupted.Status).To(Equal(model.ReportStatusFailed))
			Expect(interrupted.Error.Reason).To(Equal(model.FailureReasonShutdown))
			Expect(statusOf(queued.ID)()).To(Equal(model.ReportStatusQueued))
			Expect(c.Stats().QueueDepth).To(Equal(0))

			_, _, err = c.Admit(newEvent("host-c.hprof"))
			Expect(err).To(MatchError(processing.ErrCoordinatorClosed))
		})

		It("does not wait past the grace period for a stalled archive upload", func() {
			archiver := stalledArchiver{started: make(chan struct{})}
			c := newCoordinator(processing.WithArchiver(archiver))
			c.Start(context.TODO())

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(archiver.started, 5*time.Second).Should(BeClosed())

			ctx, cancel := context.WithTimeout(context.TODO(), 200*time.Millisecond)
			defer cancel()
			start := time.Now()
			Expect(c.Shutdown(ctx)).To(MatchError(context.DeadlineExceeded))
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))

			done, _ := s.Get(r.ID)
			Expect(done.Status).To(Equal(model.ReportStatusCompleted))
			Expect(done.Outputs).To(HaveLen(2))
			Expect(done.Outputs["detail"].ObjectKey).To(BeEmpty())
		})

		It("interrupts running reports when the start context is cancelled", func() {
			invoker.fn = block(make(chan struct{}))
			c := newCoordinator()
			ctx, cancel := context.WithCancel(context.TODO())
			c.Start(ctx)

			r, _, err := c.Admit(newEvent("host-a.hprof"))
			Expect(err).To(BeNil())
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusRunning))

			cancel()
			Eventually(statusOf(r.ID), 5*time.Second).Should(Equal(model.ReportStatusFailed))
			failed, _ := s.Get(r.ID)
			Expect(failed.Error.Reason).To(Equal(model.FailureReasonShutdown))
		})

		It("can shut down without having started", func() {
			c := newCoordinator()
			Expect(c.Shutdown(context.TODO())).To(Succeed())
		})
	})

	It("rejects invalid configurations", func() {
		bad := cfg
		bad.Workers = 0
		_, err := processing.NewCoordinator(bad, s, invoker)
		Expect(errors.Is(err, processing.ErrInvalidConfig)).To(BeTrue())

		bad = cfg
		bad.Timeout = 0
		_, err = processing.NewCoordinator(bad, s, invoker)
		Expect(errors.Is(err, processing.ErrInvalidConfig)).To(BeTrue())

		bad = cfg
		bad.ArchiveTimeout = 0
		_, err = processing.NewCoordinator(bad, s, invoker)
		Expect(errors.Is(err, processing.ErrInvalidConfig)).To(BeTrue())

		bad = cfg
		bad.ScratchDir = ""
		_, err = processing.NewCoordinator(bad, s, invoker)
		Expect(errors.Is(err, processing.ErrInvalidConfig)).To(BeTrue())
	})
})
