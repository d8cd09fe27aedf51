package service

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kubev2v/heap-monitor/internal/processing"
	"github.com/kubev2v/heap-monitor/internal/store"
	"github.com/kubev2v/heap-monitor/internal/store/model"
	"go.uber.org/zap"
)

// StatsProvider exposes the live pipeline snapshot.
type StatsProvider interface {
	Stats() processing.Stats
}

// ReportService is a read-only view over the report index.
type ReportService struct {
	store store.Store
	stats StatsProvider
}

func NewReportService(store store.Store, stats StatsProvider) *ReportService {
	return &ReportService{store: store, stats: stats}
}

func (s *ReportService) ListReports() []model.Report {
	return s.store.Report().ListAll()
}

func (s *ReportService) ListReportsBySource(source string) []model.Report {
	return s.store.Report().ListBySource(source)
}

// ListReportsByDate accepts a YYYY-MM-DD day, interpreted in UTC.
func (s *ReportService) ListReportsByDate(date string) ([]model.Report, error) {
	day, err := time.ParseInLocation(time.DateOnly, date, time.UTC)
	if err != nil {
		return nil, NewErrInvalidDate(date)
	}
	return s.store.Report().ListByDate(day), nil
}

func (s *ReportService) GetReport(id string) (*model.Report, error) {
	report, err := s.store.Report().Get(id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrReportNotFound(id)
		}
		return nil, err
	}
	return report, nil
}

// Status returns the pipeline snapshot. Without a stats provider only the index counters are filled.
func (s *ReportService) Status() processing.Stats {
	if s.stats != nil {
		return s.stats.Stats()
	}
	counts := s.store.Statistics()
	return processing.Stats{
		Queued:    counts.Queued,
		Running:   counts.Running,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Total:     counts.Total(),
	}
}

// OpenOutput returns the content of a named output of a completed report.
func (s *ReportService) OpenOutput(id, name string) (*model.Output, []byte, error) {
	report, err := s.GetReport(id)
	if err != nil {
		return nil, nil, err
	}
	if report.Status != model.ReportStatusCompleted {
		return nil, nil, NewErrReportNotCompleted(id, report.Status)
	}

	output, found := report.Outputs[name]
	if !found {
		return nil, nil, NewErrOutputNotFound(id, name)
	}

	content, err := os.ReadFile(output.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			zap.S().Named("report_service").Warnw("output file is gone", "report", id, "output", name, "path", output.Path)
			return nil, nil, NewErrOutputNotFound(id, name)
		}
		return nil, nil, fmt.Errorf("reading output %s of report %s: %w", name, id, err)
	}
	return &output, content, nil
}
