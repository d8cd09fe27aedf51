package processing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kubev2v/heap-monitor/internal/analyzer"
	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/internal/store/model"
	"github.com/kubev2v/heap-monitor/pkg/metrics"
	"k8s.io/apimachinery/pkg/util/wait"
)

const outcomeSuccess = "success"

// Execute drives one queued report to a terminal state. Panics are recovered and recorded as
// InternalError failures.
func (c *Coordinator) Execute(id string) {
	log := c.log.With("report", id)

	c.trackBusy(1)
	defer c.trackBusy(-1)

	report, err := c.store.UpdateStatus(id, store.Transition{To: model.ReportStatusRunning, At: c.clock.Now()})
	if err != nil {
		log.Errorw("failed to start report", "error", err)
		return
	}

	attempt := 0
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("recovered from panic while processing report", "panic", r)
			c.fail(id, attempt, model.FailureReasonInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	backoff := wait.Backoff{
		Duration: c.cfg.BackoffBase,
		Factor:   2,
		Steps:    c.cfg.MaxRetries,
		Cap:      c.cfg.BackoffCap,
	}

	for {
		attempt++
		result, err := c.invoke(report, attempt)
		if err == nil {
			c.complete(report, attempt, result)
			return
		}

		if c.runCtx.Err() != nil {
			c.fail(id, attempt, model.FailureReasonShutdown, err.Error())
			return
		}
		if attempt > c.cfg.MaxRetries {
			c.fail(id, attempt, failureReason(err), err.Error())
			return
		}

		delay := backoff.Step()
		log.Warnw("analyzer attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-c.clock.After(delay):
		case <-c.runCtx.Done():
			c.fail(id, attempt, model.FailureReasonShutdown, err.Error())
			return
		}
	}
}

func (c *Coordinator) invoke(report *model.Report, attempt int) (*analyzer.Result, error) {
	workDir := filepath.Join(c.cfg.ScratchDir, report.ID, fmt.Sprintf("attempt-%d", attempt))

	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.Timeout)
	defer cancel()

	start := c.clock.Now()
	result, err := c.invoker.Invoke(ctx, report.ArtifactPath, workDir)
	outcome := outcomeSuccess
	if err != nil {
		outcome = string(analyzer.ReasonOf(err))
	}
	metrics.ObserveAnalyzerDurationMetric(outcome, c.clock.Since(start))

	return result, err
}

func (c *Coordinator) complete(report *model.Report, attempts int, result *analyzer.Result) {
	outputs := make(map[string]model.Output, len(result.Outputs))
	for name, o := range result.Outputs {
		outputs[name] = model.Output{Name: o.Name, Path: o.Path, Size: o.Size}
	}

	// the analysis succeeded: an archive that times out or is interrupted keeps the local outputs
	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.ArchiveTimeout)
	archived, err := c.archiver.Archive(ctx, *report, outputs)
	cancel()
	if err != nil {
		archived = nil
		c.log.Warnw("failed to archive report outputs", "report", report.ID, "interrupted", c.runCtx.Err() != nil, "error", err)
	}
	if archived != nil {
		outputs = archived
	}

	if _, err := c.store.UpdateStatus(report.ID, store.Transition{
		To:       model.ReportStatusCompleted,
		At:       c.clock.Now(),
		Outputs:  outputs,
		Attempts: attempts,
	}); err != nil {
		c.log.Errorw("failed to complete report", "report", report.ID, "error", err)
		return
	}
	c.log.Infow("report completed", "report", report.ID, "source", report.Source, "attempts", attempts, "outputs", len(outputs))
}

func (c *Coordinator) fail(id string, attempts int, reason, message string) {
	if _, err := c.store.UpdateStatus(id, store.Transition{
		To:       model.ReportStatusFailed,
		At:       c.clock.Now(),
		Error:    &model.ErrorDetail{Reason: reason, Message: message},
		Attempts: attempts,
	}); err != nil {
		c.log.Errorw("failed to record report failure", "report", id, "error", err)
		return
	}
	c.log.Warnw("report failed", "report", id, "reason", reason, "attempts", attempts)
}

func (c *Coordinator) trackBusy(delta int32) {
	metrics.UpdateBusyWorkersMetric(int(c.busy.Add(delta)))
}

func failureReason(err error) string {
	switch analyzer.ReasonOf(err) {
	case analyzer.ReasonTimeout:
		return model.FailureReasonTimeout
	case analyzer.ReasonMissingOutput:
		return model.FailureReasonMissingOutput
	case analyzer.ReasonCancelled:
		return model.FailureReasonShutdown
	}
	var aerr *analyzer.Error
	if errors.As(err, &aerr) {
		return model.FailureReasonAnalyzer
	}
	return model.FailureReasonInternal
}
